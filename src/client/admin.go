package client

import (
	"context"
	"fmt"

	"github.com/danmuck/dps_ledgers/src/future"
	"github.com/danmuck/dps_ledgers/src/ledger"
	logs "github.com/danmuck/smplog"
)

// LedgerOpener opens ledgers for reading without recovery.
type LedgerOpener interface {
	OpenLedgerNoRecovery(ctx context.Context, id ledger.LedgerID) (EntryReader, error)
}

// OpenerFunc adapts a function into a LedgerOpener.
type OpenerFunc func(ctx context.Context, id ledger.LedgerID) (EntryReader, error)

func (fn OpenerFunc) OpenLedgerNoRecovery(ctx context.Context, id ledger.LedgerID) (EntryReader, error) {
	return fn(ctx, id)
}

// Admin exposes operations that bypass the normal ledger lifecycle, such as
// reading any ledger by id without recovering it.
type Admin struct {
	opener  LedgerOpener
	waiter  future.Waiter
	metrics *Metrics
}

// NewAdmin builds an Admin over opener. waiter and metrics may be nil.
func NewAdmin(opener LedgerOpener, waiter future.Waiter, metrics *Metrics) *Admin {
	if waiter == nil {
		waiter = future.BlockingWaiter{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Admin{opener: opener, waiter: waiter, metrics: metrics}
}

// EntryBatch is the outcome of one range read: the entries read in order and,
// when the range was cut short, why.
type EntryBatch struct {
	Entries []ledger.LedgerEntry
	Err     error
}

// ReadEntries opens the ledger without recovery and returns a lazy iterator
// over [firstEntry, lastEntry]. ledger.LastAddConfirmed as lastEntry reads up
// to the ledger's last add confirmed; in that mode running out of stored
// entries ends the iteration instead of failing it.
//
// A negative firstEntry, a lastEntry below ledger.LastAddConfirmed or an
// empty range gives an empty iterator. An unknown ledger fails here with
// ledger.ErrLedgerNotFound.
func (a *Admin) ReadEntries(ctx context.Context, ledgerID ledger.LedgerID, firstEntry, lastEntry int64) (*EntryIterator, error) {
	lh, err := a.opener.OpenLedgerNoRecovery(ctx, ledgerID)
	if err != nil {
		return nil, err
	}
	if lh == nil {
		return nil, fmt.Errorf("%w: opener returned no handle for %s", ledger.ErrInternalConsistency, ledgerID)
	}

	untilLAC := lastEntry == ledger.LastAddConfirmed
	if untilLAC {
		lastEntry = lh.LastAddConfirmed()
	}
	it := &EntryIterator{
		ctx:      ctx,
		waiter:   a.waiter,
		metrics:  a.metrics,
		ledgerID: ledgerID,
		next:     firstEntry,
		untilLAC: untilLAC,
	}
	if firstEntry < 0 || lastEntry < 0 || firstEntry > lastEntry {
		logs.Debugf("empty read range [%d, %d] on %s", firstEntry, lastEntry, ledgerID)
		it.state = iterExhausted
		return it, nil
	}

	batch := future.New[*EntryBatch]()
	lh.AsyncReadEntries(ctx, firstEntry, lastEntry, func(code ledger.Code, entries []ledger.LedgerEntry) {
		batch.Complete(&EntryBatch{Entries: entries, Err: code.Err()}, nil)
	})
	it.batch = batch
	it.state = iterFetching
	return it, nil
}
