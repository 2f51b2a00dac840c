package client

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/danmuck/dps_ledgers/src/future"
	"github.com/danmuck/dps_ledgers/src/ledger"
)

// ReadError reports a failed read at a specific entry of a ledger.
type ReadError struct {
	LedgerID ledger.LedgerID
	EntryID  int64
	Err      error
}

func (e ReadError) Error() string {
	return fmt.Sprintf("read %s/E%d: %v", e.LedgerID, e.EntryID, e.Err)
}

func (e ReadError) Unwrap() error {
	return e.Err
}

type iterState int

const (
	iterFetching iterState = iota
	iterYielding
	iterExhausted
	iterFailed
)

// EntryIterator walks the result of Admin.ReadEntries. The batch read is
// issued up front; the first probe waits for it. Iterators are not safe for
// concurrent use.
type EntryIterator struct {
	ctx      context.Context
	waiter   future.Waiter
	metrics  *Metrics
	ledgerID ledger.LedgerID
	untilLAC bool

	state    iterState
	batch    *future.Future[*EntryBatch]
	entries  []ledger.LedgerEntry
	pos      int
	next     int64 // entry id expected at pos
	trailing error
	err      error
}

// HasNext reports whether Next will yield an entry. It is idempotent: once it
// returns an error it keeps returning that error, and once the range is
// exhausted it keeps returning false.
func (it *EntryIterator) HasNext() (bool, error) {
	if it.state == iterFetching {
		it.resolve()
	}
	switch it.state {
	case iterFailed:
		return false, it.err
	case iterExhausted:
		return false, nil
	}

	if it.pos < len(it.entries) {
		return true, nil
	}
	if it.trailing != nil {
		it.state = iterFailed
		it.err = ReadError{LedgerID: it.ledgerID, EntryID: it.next, Err: it.trailing}
		return false, it.err
	}
	it.state = iterExhausted
	return false, nil
}

// Next returns the next entry, or ledger.ErrNoMoreEntries past the end.
func (it *EntryIterator) Next() (ledger.LedgerEntry, error) {
	ok, err := it.HasNext()
	if err != nil {
		return ledger.LedgerEntry{}, err
	}
	if !ok {
		return ledger.LedgerEntry{}, ledger.ErrNoMoreEntries
	}
	e := it.entries[it.pos]
	it.pos++
	it.next = e.EntryID + 1
	it.metrics.ReadEntries.Inc()
	return e, nil
}

// All ranges over the remaining entries. A failure is yielded once, as the
// last pair.
func (it *EntryIterator) All() iter.Seq2[ledger.LedgerEntry, error] {
	return func(yield func(ledger.LedgerEntry, error) bool) {
		for {
			ok, err := it.HasNext()
			if err != nil {
				yield(ledger.LedgerEntry{}, err)
				return
			}
			if !ok {
				return
			}
			e, _ := it.Next()
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (it *EntryIterator) resolve() {
	batch, err := future.WaitValue(it.ctx, it.waiter, it.batch)
	if err == nil && batch == nil {
		err = fmt.Errorf("%w: read resolved without a batch", ledger.ErrInternalConsistency)
	}
	if err != nil {
		it.state = iterFailed
		it.err = ReadError{LedgerID: it.ledgerID, EntryID: it.next, Err: err}
		return
	}

	it.entries = batch.Entries
	it.trailing = batch.Err
	if it.untilLAC && errors.Is(it.trailing, ledger.ErrEntryNotFound) {
		it.trailing = nil
	}
	it.state = iterYielding
}
