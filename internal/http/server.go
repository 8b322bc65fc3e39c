package http

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ledgerdb/pkg/bucket"
	"ledgerdb/pkg/bucketlist"
	"ledgerdb/pkg/ledger"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type iLedgerState interface {
	Head() ledger.Header
	List() *bucketlist.List
}

type iBucketStore interface {
	ReadMergeCounters() bucket.MergeCounters
	ForgetUnreferencedBuckets()
	BucketCount() int
}

// Server exposes the read-only query surface over the ledger state: the
// aggregate hash, per-level views, merge counters, point lookups and a GC
// trigger.
type Server struct {
	state      iLedgerState
	store      iBucketStore
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance.
func NewServer(state iLedgerState, store iBucketStore, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		state: state,
		store: store,
		URL:   "http://localhost:" + port,
		addr:  ":" + port,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router.
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/api/hash", s.handleHash)
	r.Get("/api/levels/{level}", s.handleLevel)
	r.Get("/api/counters", s.handleCounters)
	r.Get("/api/entry", s.handleEntry)
	r.Post("/api/gc", s.handleGC)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

type hashView struct {
	LedgerSeq      uint32 `json:"ledger_seq"`
	HeaderHash     string `json:"header_hash"`
	BucketListHash string `json:"bucket_list_hash"`
	Buckets        int    `json:"buckets"`
}

func (s *Server) handleHash(w http.ResponseWriter, r *http.Request) {
	head := s.state.Head()
	s.writeJSON(w, http.StatusOK, NewValueResponse(hashView{
		LedgerSeq:      head.Seq,
		HeaderHash:     head.Hash().Hex(),
		BucketListHash: head.BucketListHash.Hex(),
		Buckets:        s.store.BucketCount(),
	}))
}

type levelView struct {
	Level        int    `json:"level"`
	Curr         string `json:"curr"`
	CurrEntries  int    `json:"curr_entries"`
	Snap         string `json:"snap"`
	SnapEntries  int    `json:"snap_entries"`
	NextState    string `json:"next_state"`
	SpillEvery   uint32 `json:"spill_every"`
	KeepsDead    bool   `json:"keeps_dead"`
	CombinedHash string `json:"combined_hash"`
}

func (s *Server) handleLevel(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil || idx < 0 || idx >= bucketlist.NumLevels {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid level index"))
		return
	}

	lvl := s.state.List().GetLevel(idx)
	s.writeJSON(w, http.StatusOK, NewValueResponse(levelView{
		Level:        idx,
		Curr:         lvl.Curr().Hash().Hex(),
		CurrEntries:  lvl.Curr().EntryCount(),
		Snap:         lvl.Snap().Hash().Hex(),
		SnapEntries:  lvl.Snap().EntryCount(),
		NextState:    lvl.Next().State().String(),
		SpillEvery:   bucketlist.SpillFrequency(idx),
		KeepsDead:    idx < bucketlist.NumLevels-1,
		CombinedHash: lvl.Hash().Hex(),
	}))
}

func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewValueResponse(s.store.ReadMergeCounters()))
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	keyHex := r.URL.Query().Get("key")
	if keyHex == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Key must be hex encoded"))
		return
	}

	value, found, err := s.state.List().Get(key)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(hex.EncodeToString(value)))
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	s.store.ForgetUnreferencedBuckets()
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
