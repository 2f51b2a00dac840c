// Package bookie provides an in-process storage node cluster. Bookies keep
// digest-packaged entries in memory; the Cluster routes the client's
// callback-style add and read requests to them on separate goroutines, the
// way a network client completes requests on its I/O threads.
package bookie

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danmuck/dps_ledgers/src/ledger"
)

// ledgerEntries holds the packets one bookie stores for one ledger.
type ledgerEntries struct {
	packets map[int64][]byte
	last    int64
}

// Bookie is a volatile storage node.
type Bookie struct {
	id   ledger.BookieID
	down atomic.Bool

	mu      sync.RWMutex
	ledgers map[ledger.LedgerID]*ledgerEntries
}

func New(id ledger.BookieID) *Bookie {
	return &Bookie{
		id:      id,
		ledgers: make(map[ledger.LedgerID]*ledgerEntries),
	}
}

func (b *Bookie) ID() ledger.BookieID {
	return b.id
}

// SetDown makes every request fail as if the node were unreachable.
func (b *Bookie) SetDown(down bool) {
	b.down.Store(down)
}

func (b *Bookie) IsDown() bool {
	return b.down.Load()
}

// AddEntry stores a copy of packet. Re-adding an entry overwrites it, which
// matches a retried write of the same packet.
func (b *Bookie) AddEntry(ledgerID ledger.LedgerID, entryID int64, packet []byte) error {
	if b.IsDown() {
		return fmt.Errorf("%w: %s", ledger.ErrBookieUnavailable, b.id)
	}
	if entryID < 0 {
		return fmt.Errorf("%w: entry id %d", ledger.ErrParameterValidation, entryID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	le, ok := b.ledgers[ledgerID]
	if !ok {
		le = &ledgerEntries{packets: make(map[int64][]byte), last: -1}
		b.ledgers[ledgerID] = le
	}
	le.packets[entryID] = append([]byte(nil), packet...)
	if entryID > le.last {
		le.last = entryID
	}
	return nil
}

// ReadEntry returns the stored packet. ledger.LastAddConfirmed as entryID
// asks for the highest entry this bookie holds.
func (b *Bookie) ReadEntry(ledgerID ledger.LedgerID, entryID int64) ([]byte, error) {
	if b.IsDown() {
		return nil, fmt.Errorf("%w: %s", ledger.ErrBookieUnavailable, b.id)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	le, ok := b.ledgers[ledgerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ledger.ErrLedgerNotFound, ledgerID, b.id)
	}
	if entryID == ledger.LastAddConfirmed {
		entryID = le.last
	}
	packet, ok := le.packets[entryID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/E%d on %s", ledger.ErrEntryNotFound, ledgerID, entryID, b.id)
	}
	return append([]byte(nil), packet...), nil
}

// Corrupt flips one byte of a stored packet, for exercising digest checks.
func (b *Bookie) Corrupt(ledgerID ledger.LedgerID, entryID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	le, ok := b.ledgers[ledgerID]
	if !ok {
		return false
	}
	packet, ok := le.packets[entryID]
	if !ok || len(packet) == 0 {
		return false
	}
	packet[len(packet)-1] ^= 0xff
	return true
}

// Ledgers lists the ledgers this bookie holds entries for.
func (b *Bookie) Ledgers() []ledger.LedgerID {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]ledger.LedgerID, 0, len(b.ledgers))
	for id := range b.ledgers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
