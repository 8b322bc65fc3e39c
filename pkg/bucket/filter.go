package bucket

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

const filterFalsePositiveRate = 0.01

// keyFilter is a bloom filter over bucket keys, sized for ~1% false
// positives. It uses double hashing over two xxhash digests instead of k
// independent hash functions.
type keyFilter struct {
	bits  []uint64
	nbits uint64
	k     int
}

func newKeyFilter(expectedKeys int) *keyFilter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	// m = -n*ln(p)/ln(2)^2, k = (m/n)*ln(2)
	n := float64(expectedKeys)
	m := math.Ceil(-n * math.Log(filterFalsePositiveRate) / (math.Ln2 * math.Ln2))
	k := int(math.Round(m / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}
	nbits := uint64(m)
	if nbits < 64 {
		nbits = 64
	}
	return &keyFilter{
		bits:  make([]uint64, (nbits+63)/64),
		nbits: nbits,
		k:     k,
	}
}

var filterSalt = []byte{0xb7}

func (f *keyFilter) hashes(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)
	d := xxhash.New()
	_, _ = d.Write(filterSalt)
	_, _ = d.Write(key)
	return h1, d.Sum64()
}

func (f *keyFilter) add(key []byte) {
	h1, h2 := f.hashes(key)
	for i := 0; i < f.k; i++ {
		idx := (h1 + uint64(i)*h2) % f.nbits
		f.bits[idx/64] |= 1 << (idx % 64)
	}
}

func (f *keyFilter) mayContain(key []byte) bool {
	h1, h2 := f.hashes(key)
	for i := 0; i < f.k; i++ {
		idx := (h1 + uint64(i)*h2) % f.nbits
		if f.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}
