package idgen

import (
	"context"
	"sync/atomic"

	"github.com/danmuck/dps_ledgers/src/future"
	"github.com/danmuck/dps_ledgers/src/ledger"
)

// Sequence hands out strictly increasing ledger ids from memory. It is only
// unique within one process; the metadata managers provide persistent
// generators.
type Sequence struct {
	next atomic.Int64
}

// NewSequence creates a generator whose first id is start.
func NewSequence(start ledger.LedgerID) *Sequence {
	s := &Sequence{}
	s.next.Store(int64(start) - 1)
	return s
}

// Next returns the next id.
func (s *Sequence) Next() ledger.LedgerID {
	return ledger.LedgerID(s.next.Add(1))
}

// Current returns the last issued id, or start-1 before the first call.
func (s *Sequence) Current() ledger.LedgerID {
	return ledger.LedgerID(s.next.Load())
}

// Reset makes the next issued id v+1.
func (s *Sequence) Reset(v ledger.LedgerID) {
	s.next.Store(int64(v))
}

// GenerateLedgerID completes cb on a separate goroutine, like the remote
// generators do.
func (s *Sequence) GenerateLedgerID(ctx context.Context, cb future.Callback[ledger.LedgerID]) {
	go func() {
		if err := ctx.Err(); err != nil {
			cb(ledger.CodeOf(err), -1)
			return
		}
		cb(ledger.CodeOK, s.Next())
	}()
}
