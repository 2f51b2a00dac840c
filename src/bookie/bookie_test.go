package bookie

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/dps_ledgers/src/ledger"
)

type readResult struct {
	code   ledger.Code
	packet []byte
}

func readSync(t *testing.T, c *Cluster, addr ledger.BookieID, ledgerID ledger.LedgerID, entryID int64) readResult {
	t.Helper()
	ch := make(chan readResult, 1)
	c.ReadEntry(context.Background(), addr, ledgerID, entryID, func(code ledger.Code, _ ledger.LedgerID, _ int64, packet []byte) {
		ch <- readResult{code: code, packet: packet}
	})
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("read callback never fired")
		return readResult{}
	}
}

func addSync(t *testing.T, c *Cluster, addr ledger.BookieID, ledgerID ledger.LedgerID, entryID int64, packet []byte) ledger.Code {
	t.Helper()
	ch := make(chan ledger.Code, 1)
	c.AddEntry(context.Background(), addr, ledgerID, entryID, packet, func(code ledger.Code, _ ledger.LedgerID, _ int64, _ ledger.BookieID) {
		ch <- code
	})
	select {
	case code := <-ch:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("add callback never fired")
		return ledger.CodeUnexpected
	}
}

func TestBookieStoreAndRead(t *testing.T) {
	b := New("b0:3181")
	for i := int64(0); i < 3; i++ {
		if err := b.AddEntry(7, i, []byte{byte(i)}); err != nil {
			t.Fatalf("AddEntry(%d): %v", i, err)
		}
	}

	got, err := b.ReadEntry(7, 1)
	if err != nil || !bytes.Equal(got, []byte{1}) {
		t.Fatalf("ReadEntry(1) = (%v, %v)", got, err)
	}
	last, err := b.ReadEntry(7, ledger.LastAddConfirmed)
	if err != nil || !bytes.Equal(last, []byte{2}) {
		t.Fatalf("ReadEntry(last) = (%v, %v)", last, err)
	}
	if _, err := b.ReadEntry(7, 3); !errors.Is(err, ledger.ErrEntryNotFound) {
		t.Fatalf("missing entry should be ErrEntryNotFound, got %v", err)
	}
	if _, err := b.ReadEntry(8, 0); !errors.Is(err, ledger.ErrLedgerNotFound) {
		t.Fatalf("missing ledger should be ErrLedgerNotFound, got %v", err)
	}
}

func TestBookieStoresCopies(t *testing.T) {
	b := New("b0:3181")
	packet := []byte("abc")
	if err := b.AddEntry(1, 0, packet); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	packet[0] = 'z'

	got, _ := b.ReadEntry(1, 0)
	got[1] = 'z'
	again, _ := b.ReadEntry(1, 0)
	if string(again) != "abc" {
		t.Fatalf("stored packet was aliased: %q", again)
	}
}

func TestClusterCodes(t *testing.T) {
	c := NewCluster("b0:3181", "b1:3181")

	if code := addSync(t, c, "b0:3181", 1, 0, []byte("x")); code != ledger.CodeOK {
		t.Fatalf("add code = %v", code)
	}
	if r := readSync(t, c, "b0:3181", 1, 0); r.code != ledger.CodeOK || string(r.packet) != "x" {
		t.Fatalf("read = %+v", r)
	}

	cases := []struct {
		name    string
		addr    ledger.BookieID
		ledger  ledger.LedgerID
		entry   int64
		want    ledger.Code
		prepare func()
	}{
		{name: "missing entry", addr: "b0:3181", ledger: 1, entry: 5, want: ledger.CodeNoSuchEntry},
		{name: "missing ledger", addr: "b1:3181", ledger: 1, entry: 0, want: ledger.CodeNoSuchLedger},
		{name: "unknown bookie", addr: "nope:3181", ledger: 1, entry: 0, want: ledger.CodeBookieHandleNotAvail},
		{name: "removed bookie", addr: "b1:3181", ledger: 1, entry: 0, want: ledger.CodeBookieHandleNotAvail,
			prepare: func() { c.Remove("b1:3181") }},
		{name: "down bookie", addr: "b0:3181", ledger: 1, entry: 0, want: ledger.CodeBookieHandleNotAvail,
			prepare: func() { c.Bookie("b0:3181").SetDown(true) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.prepare != nil {
				tc.prepare()
			}
			if r := readSync(t, c, tc.addr, tc.ledger, tc.entry); r.code != tc.want {
				t.Fatalf("code = %v, want %v", r.code, tc.want)
			}
		})
	}

	if code := addSync(t, c, "b0:3181", 1, 1, []byte("y")); code != ledger.CodeBookieHandleNotAvail {
		t.Fatalf("add to a down bookie = %v", code)
	}
	if ids := c.IDs(); len(ids) != 1 || ids[0] != "b0:3181" || c.Bookie("b1:3181") != nil {
		t.Fatalf("cluster after removal = %v", ids)
	}
}

func TestBookieCorrupt(t *testing.T) {
	b := New("b0:3181")
	_ = b.AddEntry(1, 0, []byte{0x00})
	if !b.Corrupt(1, 0) {
		t.Fatal("Corrupt reported nothing to corrupt")
	}
	got, _ := b.ReadEntry(1, 0)
	if got[0] != 0xff {
		t.Fatalf("packet not corrupted: %v", got)
	}
	if b.Corrupt(1, 9) {
		t.Fatal("Corrupt of a missing entry should report false")
	}
}
