package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"ledgerdb/internal/config"
	httpapi "ledgerdb/internal/http"
	"ledgerdb/pkg/bucketlist"
	"ledgerdb/pkg/entry"
	"ledgerdb/pkg/ledger"
	"ledgerdb/pkg/manager"
	"ledgerdb/pkg/types"
)

const stateFileName = "state.json"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", "ledgerdb.yaml", "path to YAML config")
	demoRate := flag.Duration("demo", 0, "close synthetic ledgers at this interval (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	mgr, err := manager.New(manager.Options{
		BucketDir:     cfg.Storage.BucketDir,
		Compress:      cfg.Storage.Compress,
		WorkerThreads: cfg.Ledger.WorkerThreads,
	})
	if err != nil {
		slog.Error("Failed to start bucket manager", "error", err)
		os.Exit(1)
	}

	closer, err := openCloser(mgr, cfg)
	if err != nil {
		slog.Error("Failed to open ledger state", "error", err)
		mgr.Shutdown()
		os.Exit(1)
	}
	mgr.ForgetUnreferencedBuckets()

	server := httpapi.NewServer(closer, mgr, strconv.Itoa(cfg.HTTP.Port))
	if err := server.Start(); err != nil {
		slog.Error("Failed to start server", "error", err)
		mgr.Shutdown()
		os.Exit(1)
	}

	slog.Info("ledgerdb is running", "head", closer.Head().Seq, "hash", closer.Head().BucketListHash)

	if *demoRate > 0 {
		runDemoLoop(ctx, closer, *demoRate)
	} else {
		<-ctx.Done()
	}

	if err := server.Stop(); err != nil {
		slog.Error("Error stopping server", "error", err)
	}
	mgr.Shutdown()

	if err := ledger.WriteStateFile(statePath(cfg), closer.Snapshot()); err != nil {
		slog.Error("Failed to persist ledger state", "error", err)
		os.Exit(1)
	}
	slog.Info("ledgerdb stopped", "head", closer.Head().Seq)
}

func newList(mgr *manager.BucketManager, cfg config.Config) *bucketlist.List {
	return bucketlist.New(mgr, cfg.Ledger.ProtocolVersion, cfg.Ledger.CountMergeEvents, nil)
}

func statePath(cfg config.Config) string {
	return filepath.Join(cfg.Storage.BucketDir, stateFileName)
}

func openCloser(mgr *manager.BucketManager, cfg config.Config) (*ledger.Closer, error) {
	saved, err := ledger.ReadStateFile(statePath(cfg))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("no previous state, starting fresh")
			list := newList(mgr, cfg)
			return ledger.NewCloser(list, cfg.Ledger.ProtocolVersion, nil), nil
		}
		return nil, err
	}

	closer, err := ledger.Restore(mgr, saved, cfg.Ledger.ProtocolVersion, cfg.Ledger.CountMergeEvents, nil)
	if err != nil {
		return nil, err
	}
	slog.Info("restored ledger state", "head", closer.Head().Seq)
	return closer, nil
}

// runDemoLoop closes ledgers from a synthetic batch source until ctx is done.
// Each batch creates ten records and deletes one of the previous batch's.
func runDemoLoop(ctx context.Context, closer *ledger.Closer, rate time.Duration) {
	src := ledger.BatchSourceFunc(func(seq types.LedgerSeq) (ledger.Batch, error) {
		var b ledger.Batch
		for i := 0; i < 10; i++ {
			key := []byte(fmt.Sprintf("demo-%08d-%d", seq, i))
			b.InitRecords = append(b.InitRecords, entry.Record{
				Key:   key,
				Value: []byte(fmt.Sprintf("value-at-%d", seq)),
			})
		}
		if seq > 1 {
			b.DeadKeys = append(b.DeadKeys, []byte(fmt.Sprintf("demo-%08d-0", seq-1)))
		}
		return b, nil
	})

	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, err := src.NextBatch(closer.Head().Seq + 1)
			if err != nil {
				slog.Error("batch source failed", "error", err)
				return
			}
			head, err := closer.CloseLedger(batch)
			if err != nil {
				slog.Error("ledger close failed", "error", err)
				return
			}
			if head.Seq%64 == 0 {
				slog.Info("checkpoint", "seq", head.Seq, "hash", head.BucketListHash)
			}
		}
	}
}
