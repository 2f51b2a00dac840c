package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/dps_ledgers/src/digest"
	"github.com/danmuck/dps_ledgers/src/events"
	"github.com/danmuck/dps_ledgers/src/future"
	"github.com/danmuck/dps_ledgers/src/ledger"
	logs "github.com/danmuck/smplog"
)

// ReadCallback completes AsyncReadEntries with the entries read, in order,
// and the status of the whole range. A non-OK code with entries means the
// range was cut short after the last one delivered.
type ReadCallback func(code ledger.Code, entries []ledger.LedgerEntry)

// EntryReader is the read side of a ledger handle.
type EntryReader interface {
	ID() ledger.LedgerID
	LastAddConfirmed() int64
	AsyncReadEntries(ctx context.Context, first, last int64, cb ReadCallback)
}

var _ EntryReader = (*LedgerHandle)(nil)

// LedgerHandle is an open ledger. Handles from CreateLedger accept writes;
// handles from OpenLedgerNoRecovery are read-only. A handle is meant to be
// driven by one caller.
type LedgerHandle struct {
	client   *Client
	id       ledger.LedgerID
	digest   *digest.Manager
	writable bool

	mu         sync.Mutex
	metadata   *ledger.Versioned
	lac        int64
	lastPushed int64
	length     int64
	acked      map[int64]struct{}
	closing    bool
	closed     bool
	failed     error
}

func newHandle(c *Client, v *ledger.Versioned, lac int64, writable bool) (*LedgerHandle, error) {
	md := v.Metadata
	password := md.Password
	if password == nil {
		password = []byte{}
	}
	dm, err := digest.New(md.LedgerID, md.DigestType, password)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: %w", md.LedgerID, err)
	}
	return &LedgerHandle{
		client:     c,
		id:         md.LedgerID,
		digest:     dm,
		writable:   writable,
		metadata:   v,
		lac:        lac,
		lastPushed: lac,
		length:     md.Length,
		acked:      make(map[int64]struct{}),
		closed:     md.IsClosed(),
	}, nil
}

// OpenLedgerNoRecovery opens a ledger for reading without fencing or
// recovering it. For a ledger that is still open the last add confirmed is
// the highest one piggybacked on the bookies' last entries.
func (c *Client) OpenLedgerNoRecovery(ctx context.Context, id ledger.LedgerID) (*LedgerHandle, error) {
	v, err := future.WaitValue(ctx, c.waiter, c.ledgers.ReadLedgerMetadata(ctx, id))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", id, err)
	}
	if v == nil || v.Metadata == nil {
		return nil, fmt.Errorf("open %s: %w: no metadata", id, ledger.ErrInternalConsistency)
	}

	lh, err := newHandle(c, v, ledger.LastAddConfirmed, false)
	if err != nil {
		return nil, err
	}
	if v.Metadata.IsClosed() {
		lh.lac = v.Metadata.LastEntryID
	} else {
		lac, err := lh.readLastAddConfirmed(ctx)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", id, err)
		}
		lh.lac = lac
	}
	lh.lastPushed = lh.lac
	logs.Debugf("opened %s without recovery, last add confirmed %d", id, lh.lac)
	return lh, nil
}

func (lh *LedgerHandle) ID() ledger.LedgerID {
	return lh.id
}

// Metadata returns a copy of the last committed metadata.
func (lh *LedgerHandle) Metadata() *ledger.LedgerMetadata {
	lh.mu.Lock()
	defer lh.mu.Unlock()
	return lh.metadata.Metadata.Clone()
}

func (lh *LedgerHandle) LastAddConfirmed() int64 {
	lh.mu.Lock()
	defer lh.mu.Unlock()
	return lh.lac
}

func (lh *LedgerHandle) IsClosed() bool {
	lh.mu.Lock()
	defer lh.mu.Unlock()
	return lh.closed
}

// readLastAddConfirmed asks every ensemble member for its last entry and
// takes the highest piggybacked confirmation. Bookies without entries count
// as -1; unreachable bookies are skipped unless all of them are.
func (lh *LedgerHandle) readLastAddConfirmed(ctx context.Context) (int64, error) {
	ensemble := lh.metadata.Metadata.Ensemble
	if len(ensemble) == 0 {
		return ledger.LastAddConfirmed, nil
	}

	f := future.New[int64]()
	var (
		mu        sync.Mutex
		pending   = len(ensemble)
		responded = 0
		best      = ledger.LastAddConfirmed
		lastErr   error
	)
	for _, addr := range ensemble {
		lh.client.bookies.ReadEntry(ctx, addr, lh.id, ledger.LastAddConfirmed,
			func(code ledger.Code, _ ledger.LedgerID, _ int64, packet []byte) {
				mu.Lock()
				defer mu.Unlock()

				switch code {
				case ledger.CodeOK:
					p, err := lh.digest.Verify(ledger.LastAddConfirmed, packet)
					if err != nil {
						lastErr = err
						break
					}
					responded++
					if p.LastAddConfirmed > best {
						best = p.LastAddConfirmed
					}
				case ledger.CodeNoSuchEntry, ledger.CodeNoSuchLedger:
					responded++
				default:
					lastErr = code.Err()
				}

				pending--
				if pending > 0 {
					return
				}
				if responded == 0 {
					f.Complete(0, fmt.Errorf("no bookie answered: %w", lastErr))
					return
				}
				f.Complete(best, nil)
			})
	}
	return future.WaitValue(ctx, lh.client.waiter, f)
}

// AsyncReadEntries reads [first, last] and completes cb once, from another
// goroutine. Each entry is read from its write set in order until one bookie
// returns a packet that verifies. A range running past the stored entries
// completes with ledger.CodeNoSuchEntry and the entries before the gap.
func (lh *LedgerHandle) AsyncReadEntries(ctx context.Context, first, last int64, cb ReadCallback) {
	if first < 0 || last < first {
		go cb(ledger.CodeIncorrectParameter, nil)
		return
	}
	md := lh.Metadata()

	go func() {
		// last-first+1 overflows for [0, MaxInt64]; the loop stops on last
		// rather than past it for the same reason
		hint := min(last-first, 1023)
		entries := make([]ledger.LedgerEntry, 0, hint+1)
		for entryID := first; ; entryID++ {
			entry, code := lh.readEntry(ctx, md, entryID)
			if code != ledger.CodeOK {
				cb(code, entries)
				return
			}
			entries = append(entries, entry)
			if entryID == last {
				break
			}
		}
		cb(ledger.CodeOK, entries)
	}()
}

type readReply struct {
	code   ledger.Code
	packet []byte
}

func (lh *LedgerHandle) readEntry(ctx context.Context, md *ledger.LedgerMetadata, entryID int64) (ledger.LedgerEntry, ledger.Code) {
	writeSet := md.Ensemble.WriteSet(entryID, md.Policy.WriteQuorumSize)
	if len(writeSet) == 0 {
		return ledger.LedgerEntry{}, ledger.CodeNoSuchEntry
	}

	missing := 0
	result := ledger.CodeRead
	for _, addr := range writeSet {
		replies := make(chan readReply, 1)
		lh.client.bookies.ReadEntry(ctx, addr, lh.id, entryID,
			func(code ledger.Code, _ ledger.LedgerID, _ int64, packet []byte) {
				replies <- readReply{code: code, packet: packet}
			})

		var reply readReply
		select {
		case reply = <-replies:
		case <-ctx.Done():
			return ledger.LedgerEntry{}, ledger.CodeOf(ctx.Err())
		}

		switch reply.code {
		case ledger.CodeOK:
			p, err := lh.digest.Verify(entryID, reply.packet)
			if err != nil {
				logs.Warnf("entry %s/E%d from %s failed verification: %v", lh.id, entryID, addr, err)
				result = ledger.CodeDigestMatch
				continue
			}
			return ledger.LedgerEntry{LedgerID: lh.id, EntryID: entryID, Payload: p.Payload}, ledger.CodeOK
		case ledger.CodeNoSuchEntry, ledger.CodeNoSuchLedger:
			missing++
		default:
			if result != ledger.CodeDigestMatch {
				result = reply.code
			}
		}
	}
	if missing == len(writeSet) {
		return ledger.LedgerEntry{}, ledger.CodeNoSuchEntry
	}
	return ledger.LedgerEntry{}, result
}

// AddEntry appends payload and blocks until the ack quorum has stored it.
// It returns the new entry id.
func (lh *LedgerHandle) AddEntry(ctx context.Context, payload []byte) (entryID int64, err error) {
	defer func() { lh.client.metrics.observeAdd(err) }()

	lh.mu.Lock()
	switch {
	case !lh.writable, lh.closed, lh.closing:
		lh.mu.Unlock()
		return -1, fmt.Errorf("add to %s: %w", lh.id, ledger.ErrLedgerClosed)
	case lh.failed != nil:
		lh.mu.Unlock()
		return -1, fmt.Errorf("add to %s: %w", lh.id, lh.failed)
	}
	md := lh.metadata.Metadata
	lh.lastPushed++
	entryID = lh.lastPushed
	lh.length += int64(len(payload))
	packet := lh.digest.Package(entryID, lh.lac, lh.length, payload)
	lh.mu.Unlock()

	writeSet := md.Ensemble.WriteSet(entryID, md.Policy.WriteQuorumSize)
	if len(writeSet) == 0 {
		err := fmt.Errorf("%w: %s has no write set", ledger.ErrNotEnoughBookies, lh.id)
		lh.fail(err)
		return -1, err
	}

	tracker := newAckTracker(entryID, md.Policy.AckQuorumSize, len(writeSet))
	for _, addr := range writeSet {
		lh.client.bookies.AddEntry(ctx, addr, lh.id, entryID, packet, tracker.callback)
	}
	if _, err := future.WaitValue(ctx, lh.client.waiter, tracker.f); err != nil {
		err = fmt.Errorf("add %s/E%d: %w", lh.id, entryID, err)
		lh.fail(err)
		return -1, err
	}
	lh.confirm(entryID)
	return entryID, nil
}

// confirm advances the LAC over every contiguous acknowledged entry.
func (lh *LedgerHandle) confirm(entryID int64) {
	lh.mu.Lock()
	defer lh.mu.Unlock()

	lh.acked[entryID] = struct{}{}
	for {
		if _, ok := lh.acked[lh.lac+1]; !ok {
			return
		}
		delete(lh.acked, lh.lac+1)
		lh.lac++
	}
}

// fail poisons the handle; later adds would leave a gap.
func (lh *LedgerHandle) fail(err error) {
	lh.mu.Lock()
	if lh.failed == nil {
		lh.failed = err
	}
	lh.mu.Unlock()
}

// Close seals a writable ledger at its last add confirmed. Closing a
// read-only or already closed handle only releases it.
func (lh *LedgerHandle) Close(ctx context.Context) error {
	lh.mu.Lock()
	if lh.closed || lh.closing || !lh.writable {
		lh.closed = true
		lh.mu.Unlock()
		return nil
	}
	lh.closing = true
	current := lh.metadata
	sealed := current.Metadata.Closed(lh.lac, lh.length)
	lh.mu.Unlock()

	v, err := future.WaitValue(ctx, lh.client.waiter,
		lh.client.ledgers.WriteLedgerMetadata(ctx, lh.id, sealed, current.Version))
	if err == nil && (v == nil || v.Metadata == nil) {
		err = fmt.Errorf("%w: close resolved without metadata", ledger.ErrInternalConsistency)
	}

	lh.mu.Lock()
	lh.closing = false
	if err != nil {
		lh.mu.Unlock()
		return fmt.Errorf("close %s: %w", lh.id, err)
	}
	lh.metadata = v
	lh.closed = true
	lh.mu.Unlock()

	lh.client.publish(ctx, events.LedgerClosed, v)
	logs.Infof("closed ledger %s", v.Metadata)
	return nil
}

// ackTracker completes f once ackQuorum bookies stored the entry, or fails
// it once that can no longer happen.
type ackTracker struct {
	f         *future.Future[int64]
	entryID   int64
	ackQuorum int
	writeSize int

	mu       sync.Mutex
	acks     int
	failures int
	lastErr  error
}

func newAckTracker(entryID int64, ackQuorum, writeSize int) *ackTracker {
	t := &ackTracker{
		f:         future.New[int64](),
		entryID:   entryID,
		ackQuorum: ackQuorum,
		writeSize: writeSize,
	}
	if ackQuorum == 0 {
		t.f.Complete(entryID, nil)
	}
	return t
}

func (t *ackTracker) callback(code ledger.Code, _ ledger.LedgerID, _ int64, addr ledger.BookieID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if code == ledger.CodeOK {
		t.acks++
		if t.acks >= t.ackQuorum {
			t.f.Complete(t.entryID, nil)
		}
		return
	}
	t.failures++
	t.lastErr = fmt.Errorf("%s: %w", addr, code.Err())
	if t.writeSize-t.failures < t.ackQuorum {
		t.f.Complete(-1, fmt.Errorf("%w: %d of %d bookies failed, last: %w",
			ledger.ErrAckQuorum, t.failures, t.writeSize, t.lastErr))
	}
}
