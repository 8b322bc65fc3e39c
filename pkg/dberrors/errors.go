package dberrors

import "errors"

var (
	ErrBucketMissing    = errors.New("ledgerdb: bucket file missing")
	ErrHashMismatch     = errors.New("ledgerdb: bucket hash mismatch")
	ErrMergeInProgress  = errors.New("ledgerdb: merge already in progress")
	ErrOutOfOrderLedger = errors.New("ledgerdb: ledger sequence out of order")
	ErrMalformedBucket  = errors.New("ledgerdb: malformed bucket")
	ErrProtocolTooNew   = errors.New("ledgerdb: protocol version too new")
	ErrDuplicateKey     = errors.New("ledgerdb: duplicate key in batch")
	ErrClosed           = errors.New("ledgerdb: closed")
)
