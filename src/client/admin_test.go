package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/danmuck/dps_ledgers/src/future"
	"github.com/danmuck/dps_ledgers/src/ledger"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// writeLedger creates a ledger holding n entries "entry-0".."entry-(n-1)" and
// closes it when seal is set.
func writeLedger(t *testing.T, env *testEnv, n int, seal bool) *LedgerHandle {
	t.Helper()
	ctx := context.Background()
	lh, err := env.client.CreateLedger(ctx, 3, 2, 2, ledger.DigestCRC32C, []byte("pw"))
	if err != nil {
		t.Fatalf("CreateLedger: %v", err)
	}
	for i := 0; i < n; i++ {
		id, err := lh.AddEntry(ctx, []byte(fmt.Sprintf("entry-%d", i)))
		if err != nil {
			t.Fatalf("AddEntry(%d): %v", i, err)
		}
		if id != int64(i) {
			t.Fatalf("AddEntry returned id %d, want %d", id, i)
		}
	}
	if seal {
		if err := lh.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	return lh
}

func drain(t *testing.T, it *EntryIterator) ([]ledger.LedgerEntry, error) {
	t.Helper()
	var out []ledger.LedgerEntry
	for e, err := range it.All() {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

func TestReadEntriesRanges(t *testing.T) {
	env := newTestEnv(t)
	lh := writeLedger(t, env, 3, true)
	admin := env.client.Admin()

	tests := []struct {
		name  string
		first int64
		last  int64
		want  int
	}{
		{name: "last below sentinel", first: 0, last: -2, want: 0},
		{name: "single entry", first: 0, last: 0, want: 1},
		{name: "two entries", first: 0, last: 1, want: 2},
		{name: "inverted range", first: 1, last: 0, want: 0},
		{name: "up to last add confirmed", first: 0, last: ledger.LastAddConfirmed, want: 3},
		{name: "tail up to last add confirmed", first: 2, last: ledger.LastAddConfirmed, want: 1},
		{name: "negative first", first: -1, last: 2, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it, err := admin.ReadEntries(context.Background(), lh.ID(), tt.first, tt.last)
			if err != nil {
				t.Fatalf("ReadEntries: %v", err)
			}
			got, err := drain(t, it)
			if err != nil {
				t.Fatalf("iteration failed: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("read %d entries, want %d", len(got), tt.want)
			}
			for i, e := range got {
				wantID := tt.first + int64(i)
				if e.EntryID != wantID || string(e.Payload) != fmt.Sprintf("entry-%d", wantID) {
					t.Fatalf("entry %d = %s %q", i, e, e.Payload)
				}
			}
		})
	}
}

func TestReadEntriesUnknownLedger(t *testing.T) {
	env := newTestEnv(t)
	it, err := env.client.Admin().ReadEntries(context.Background(), 404, 0, 0)
	if !errors.Is(err, ledger.ErrLedgerNotFound) {
		t.Fatalf("expected ErrLedgerNotFound, got %v", err)
	}
	if it != nil {
		t.Fatal("unknown ledger must not produce an iterator")
	}
}

func TestReadEntriesPastStoredEntries(t *testing.T) {
	env := newTestEnv(t)
	lh := writeLedger(t, env, 3, true)

	it, err := env.client.Admin().ReadEntries(context.Background(), lh.ID(), 0, 5)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	for i := 0; i < 3; i++ {
		ok, err := it.HasNext()
		if !ok || err != nil {
			t.Fatalf("HasNext before entry %d = (%v, %v)", i, ok, err)
		}
		// probing twice must not skip anything
		if ok, _ := it.HasNext(); !ok {
			t.Fatalf("second probe before entry %d changed the answer", i)
		}
		if _, err := it.Next(); err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
	}

	ok, err := it.HasNext()
	if ok || !errors.Is(err, ledger.ErrEntryNotFound) {
		t.Fatalf("probe after last stored entry = (%v, %v), want ErrEntryNotFound", ok, err)
	}
	var readErr ReadError
	if !errors.As(err, &readErr) || readErr.EntryID != 3 || readErr.LedgerID != lh.ID() {
		t.Fatalf("error %v does not locate entry 3", err)
	}
	if _, again := it.HasNext(); !errors.Is(again, ledger.ErrEntryNotFound) {
		t.Fatalf("failure is not sticky: %v", again)
	}
	if _, err := it.Next(); !errors.Is(err, ledger.ErrEntryNotFound) {
		t.Fatalf("Next after failure = %v", err)
	}
}

func TestReadEntriesUnboundedRange(t *testing.T) {
	env := newTestEnv(t)
	lh := writeLedger(t, env, 3, true)

	it, err := env.client.Admin().ReadEntries(context.Background(), lh.ID(), 0, math.MaxInt64)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	got, err := drain(t, it)
	if len(got) != 3 || !errors.Is(err, ledger.ErrEntryNotFound) {
		t.Fatalf("read %d entries with error %v, want 3 and ErrEntryNotFound", len(got), err)
	}
	var readErr ReadError
	if !errors.As(err, &readErr) || readErr.EntryID != 3 {
		t.Fatalf("error %v does not locate entry 3", err)
	}
}

func TestReadEntriesExhaustion(t *testing.T) {
	env := newTestEnv(t)
	lh := writeLedger(t, env, 2, true)

	it, err := env.client.Admin().ReadEntries(context.Background(), lh.ID(), 0, ledger.LastAddConfirmed)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if _, err := drain(t, it); err != nil {
		t.Fatalf("drain: %v", err)
	}
	for i := 0; i < 2; i++ {
		if ok, err := it.HasNext(); ok || err != nil {
			t.Fatalf("probe %d after exhaustion = (%v, %v)", i, ok, err)
		}
	}
	if _, err := it.Next(); !errors.Is(err, ledger.ErrNoMoreEntries) {
		t.Fatalf("Next past the end = %v, want ErrNoMoreEntries", err)
	}
	if v := testutil.ToFloat64(env.metrics.ReadEntries); v != 2 {
		t.Fatalf("read_entries_total = %v, want 2", v)
	}
}

func TestReadEntriesOpenLedgerUsesPiggybackedLAC(t *testing.T) {
	env := newTestEnv(t)
	lh := writeLedger(t, env, 3, false)

	opened, err := env.client.OpenLedgerNoRecovery(context.Background(), lh.ID())
	if err != nil {
		t.Fatalf("OpenLedgerNoRecovery: %v", err)
	}
	// entry 2 carries the confirmation of entry 1
	if got := opened.LastAddConfirmed(); got != 1 {
		t.Fatalf("recovered LAC = %d, want 1", got)
	}

	it, err := env.client.Admin().ReadEntries(context.Background(), lh.ID(), 0, ledger.LastAddConfirmed)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	got, err := drain(t, it)
	if err != nil || len(got) != 2 {
		t.Fatalf("read %d entries (%v), want 2", len(got), err)
	}
}

func TestReadEntriesEmptyLedger(t *testing.T) {
	env := newTestEnv(t)
	lh := writeLedger(t, env, 0, false)

	it, err := env.client.Admin().ReadEntries(context.Background(), lh.ID(), 0, ledger.LastAddConfirmed)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if ok, err := it.HasNext(); ok || err != nil {
		t.Fatalf("empty ledger probe = (%v, %v)", ok, err)
	}
}

func TestReadEntriesDigestMismatch(t *testing.T) {
	env := newTestEnv(t)
	lh := writeLedger(t, env, 3, true)
	md := lh.Metadata()
	for _, addr := range md.Ensemble.WriteSet(1, md.Policy.WriteQuorumSize) {
		if !env.cluster.Bookie(addr).Corrupt(lh.ID(), 1) {
			t.Fatalf("entry 1 not stored on %s", addr)
		}
	}

	it, err := env.client.Admin().ReadEntries(context.Background(), lh.ID(), 0, 2)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	got, err := drain(t, it)
	if len(got) != 1 || !errors.Is(err, ledger.ErrDigestMismatch) {
		t.Fatalf("read %d entries with error %v, want 1 and ErrDigestMismatch", len(got), err)
	}
}

func TestReadEntriesFallsBackWithinWriteSet(t *testing.T) {
	env := newTestEnv(t)
	lh := writeLedger(t, env, 3, true)
	md := lh.Metadata()

	// one corrupt replica and one unreachable replica, each on a different entry
	ws0 := md.Ensemble.WriteSet(0, md.Policy.WriteQuorumSize)
	env.cluster.Bookie(ws0[0]).Corrupt(lh.ID(), 0)
	ws2 := md.Ensemble.WriteSet(2, md.Policy.WriteQuorumSize)
	if ws2[0] != ws0[0] {
		env.cluster.Bookie(ws2[0]).SetDown(true)
	}

	it, err := env.client.Admin().ReadEntries(context.Background(), lh.ID(), 0, 2)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	got, err := drain(t, it)
	if err != nil || len(got) != 3 {
		t.Fatalf("read %d entries (%v), want 3", len(got), err)
	}
}

type staticReader struct {
	lac int64
	cb  func(first, last int64, cb ReadCallback)
}

func (r staticReader) ID() ledger.LedgerID { return 1 }

func (r staticReader) LastAddConfirmed() int64 { return r.lac }

func (r staticReader) AsyncReadEntries(_ context.Context, first, last int64, cb ReadCallback) {
	r.cb(first, last, cb)
}

func TestAdminWithFakeOpener(t *testing.T) {
	var fetches int
	reader := staticReader{lac: 4, cb: func(first, last int64, cb ReadCallback) {
		fetches++
		entries := []ledger.LedgerEntry{{LedgerID: 1, EntryID: first}, {LedgerID: 1, EntryID: first + 1}}
		go cb(ledger.CodeNoSuchEntry, entries)
	}}
	admin := NewAdmin(OpenerFunc(func(context.Context, ledger.LedgerID) (EntryReader, error) {
		return reader, nil
	}), nil, nil)

	// the sentinel resolves to LAC 4; a gap after two entries ends iteration
	it, err := admin.ReadEntries(context.Background(), 1, 0, ledger.LastAddConfirmed)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	got, err := drain(t, it)
	if err != nil || len(got) != 2 {
		t.Fatalf("read %d entries (%v), want 2 and no error", len(got), err)
	}

	// an explicit bound reports the same gap as an error
	it, _ = admin.ReadEntries(context.Background(), 1, 0, 4)
	if _, err := drain(t, it); !errors.Is(err, ledger.ErrEntryNotFound) {
		t.Fatalf("explicit range gap = %v, want ErrEntryNotFound", err)
	}

	// an empty range never fetches
	before := fetches
	it, _ = admin.ReadEntries(context.Background(), 1, 3, 2)
	if ok, err := it.HasNext(); ok || err != nil || fetches != before {
		t.Fatalf("empty range probe = (%v, %v), fetches %d -> %d", ok, err, before, fetches)
	}
}

func TestAdminWaiterFailureSurfacesAtFirstProbe(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "bookie unavailable", err: ledger.ErrBookieUnavailable},
		{name: "timeout", err: ledger.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var waits int
			waiter := future.WaiterFunc(func(context.Context, future.Awaitable) (any, error) {
				waits++
				return nil, tt.err
			})
			reader := staticReader{lac: 9, cb: func(first, last int64, cb ReadCallback) {
				go cb(ledger.CodeOK, []ledger.LedgerEntry{{LedgerID: 1, EntryID: first}})
			}}
			admin := NewAdmin(OpenerFunc(func(context.Context, ledger.LedgerID) (EntryReader, error) {
				return reader, nil
			}), waiter, nil)

			it, err := admin.ReadEntries(context.Background(), 1, 2, 5)
			if err != nil {
				t.Fatalf("ReadEntries reported the waiter failure early: %v", err)
			}
			if waits != 0 {
				t.Fatalf("waiter used before the first probe")
			}

			ok, err := it.HasNext()
			if ok || !errors.Is(err, tt.err) {
				t.Fatalf("first probe = (%v, %v), want %v", ok, err, tt.err)
			}
			var readErr ReadError
			if !errors.As(err, &readErr) || readErr.EntryID != 2 || readErr.LedgerID != 1 {
				t.Fatalf("error %v does not locate entry 2", err)
			}
			if ok, again := it.HasNext(); ok || again != err {
				t.Fatalf("second probe = (%v, %v), want the same error", ok, again)
			}
			if _, next := it.Next(); next != err {
				t.Fatalf("Next() = %v, want the same error", next)
			}
			if waits != 1 {
				t.Fatalf("waiter called %d times, want 1", waits)
			}
		})
	}
}
