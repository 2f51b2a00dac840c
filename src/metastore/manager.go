// Package metastore holds the ledger metadata managers. Both backends commit
// metadata with compare-and-set versions and double as ledger id generators:
// FileManager keeps one TOML file per ledger, PebbleManager keeps encoded
// records in a pebble database.
package metastore

import (
	"context"
	"fmt"

	"github.com/danmuck/dps_ledgers/src/future"
	"github.com/danmuck/dps_ledgers/src/ledger"
)

// Manager is the metadata surface shared by the backends.
type Manager interface {
	GenerateLedgerID(ctx context.Context, cb future.Callback[ledger.LedgerID])
	CreateLedgerMetadata(ctx context.Context, id ledger.LedgerID, md *ledger.LedgerMetadata) *future.Future[*ledger.Versioned]
	ReadLedgerMetadata(ctx context.Context, id ledger.LedgerID) *future.Future[*ledger.Versioned]
	WriteLedgerMetadata(ctx context.Context, id ledger.LedgerID, md *ledger.LedgerMetadata, version int64) *future.Future[*ledger.Versioned]
	RemoveLedgerMetadata(ctx context.Context, id ledger.LedgerID, version int64) *future.Future[struct{}]
	LedgerIDs(ctx context.Context) ([]ledger.LedgerID, error)
	Close() error
}

var (
	_ Manager = (*FileManager)(nil)
	_ Manager = (*PebbleManager)(nil)
)

// firstLedgerID is handed out by a fresh store.
const firstLedgerID ledger.LedgerID = 0

// async runs fn on its own goroutine and resolves the returned future with
// its result. A context that is already done fails the future without
// running fn.
func async[T any](ctx context.Context, fn func() (T, error)) *future.Future[T] {
	f := future.New[T]()
	go func() {
		if err := ctx.Err(); err != nil {
			f.Complete(*new(T), err)
			return
		}
		f.Complete(fn())
	}()
	return f
}

// checkCommit validates metadata about to be stored under id.
func checkCommit(id ledger.LedgerID, md *ledger.LedgerMetadata) error {
	if md == nil {
		return fmt.Errorf("%w: nil metadata for %s", ledger.ErrInternalConsistency, id)
	}
	if md.LedgerID != id {
		return fmt.Errorf("%w: metadata for %s stored under %s", ledger.ErrInternalConsistency, md.LedgerID, id)
	}
	if err := md.Validate(); err != nil {
		return fmt.Errorf("metadata for %s: %w", id, err)
	}
	return nil
}

// checkVersion compares the stored version against the caller's view.
func checkVersion(id ledger.LedgerID, stored, expected int64) error {
	if stored != expected {
		return fmt.Errorf("%w: %s is at version %d, write expected %d",
			ledger.ErrMetadataVersion, id, stored, expected)
	}
	return nil
}
