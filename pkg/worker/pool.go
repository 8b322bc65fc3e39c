package worker

import (
	"sync"

	"ledgerdb/pkg/dberrors"
)

// Pool runs background jobs on a fixed number of goroutines. Jobs are merge
// tasks that may be the last holder of shared bucket references, so Shutdown
// drains every submitted job before returning.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool starts n workers. n < 1 is coerced to 1.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		tasks: make(chan func(), 2*n),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Submit queues task for execution. It blocks when all workers are busy and
// the queue is full. Submitting after Shutdown panics, matching the
// must-drain-before-destroy contract.
func (p *Pool) Submit(task func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		panic(dberrors.ErrClosed)
	}
	p.mu.Unlock()

	p.tasks <- task
}

// Shutdown waits for all dispatched jobs to finish, then stops the workers.
// It is safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
