package bookie

import (
	"context"
	"sort"
	"sync"

	"github.com/danmuck/dps_ledgers/src/ledger"
	logs "github.com/danmuck/smplog"
)

// WriteCallback completes an add request against one bookie.
type WriteCallback func(code ledger.Code, ledgerID ledger.LedgerID, entryID int64, addr ledger.BookieID)

// ReadCallback completes a read request against one bookie. packet is only
// set for ledger.CodeOK.
type ReadCallback func(code ledger.Code, ledgerID ledger.LedgerID, entryID int64, packet []byte)

// Cluster is an in-process set of bookies addressed by id.
type Cluster struct {
	mu      sync.RWMutex
	bookies map[ledger.BookieID]*Bookie
}

// NewCluster starts a bookie for every id.
func NewCluster(ids ...ledger.BookieID) *Cluster {
	c := &Cluster{bookies: make(map[ledger.BookieID]*Bookie)}
	for _, id := range ids {
		c.Add(New(id))
	}
	return c
}

// Add registers b, replacing any bookie with the same id.
func (c *Cluster) Add(b *Bookie) {
	c.mu.Lock()
	c.bookies[b.ID()] = b
	c.mu.Unlock()
}

func (c *Cluster) Remove(id ledger.BookieID) {
	c.mu.Lock()
	delete(c.bookies, id)
	c.mu.Unlock()
}

// Bookie returns the node registered as id, or nil.
func (c *Cluster) Bookie(id ledger.BookieID) *Bookie {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bookies[id]
}

// IDs lists the registered bookies in sorted order.
func (c *Cluster) IDs() []ledger.BookieID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ledger.BookieID, 0, len(c.bookies))
	for id := range c.bookies {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AddEntry sends packet to addr and completes cb on another goroutine.
func (c *Cluster) AddEntry(ctx context.Context, addr ledger.BookieID, ledgerID ledger.LedgerID,
	entryID int64, packet []byte, cb WriteCallback) {
	b := c.Bookie(addr)
	go func() {
		if err := ctx.Err(); err != nil {
			cb(ledger.CodeOf(err), ledgerID, entryID, addr)
			return
		}
		if b == nil {
			cb(ledger.CodeBookieHandleNotAvail, ledgerID, entryID, addr)
			return
		}
		if err := b.AddEntry(ledgerID, entryID, packet); err != nil {
			logs.Debugf("add %s/E%d on %s failed: %v", ledgerID, entryID, addr, err)
			cb(ledger.CodeOf(err), ledgerID, entryID, addr)
			return
		}
		cb(ledger.CodeOK, ledgerID, entryID, addr)
	}()
}

// ReadEntry fetches one packet from addr and completes cb on another
// goroutine. A missing entry completes with ledger.CodeNoSuchEntry and an
// unknown ledger with ledger.CodeNoSuchLedger.
func (c *Cluster) ReadEntry(ctx context.Context, addr ledger.BookieID, ledgerID ledger.LedgerID,
	entryID int64, cb ReadCallback) {
	b := c.Bookie(addr)
	go func() {
		if err := ctx.Err(); err != nil {
			cb(ledger.CodeOf(err), ledgerID, entryID, nil)
			return
		}
		if b == nil {
			cb(ledger.CodeBookieHandleNotAvail, ledgerID, entryID, nil)
			return
		}
		packet, err := b.ReadEntry(ledgerID, entryID)
		if err != nil {
			cb(ledger.CodeOf(err), ledgerID, entryID, nil)
			return
		}
		cb(ledger.CodeOK, ledgerID, entryID, packet)
	}()
}
