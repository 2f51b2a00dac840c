package metastore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/dps_ledgers/src/future"
	"github.com/danmuck/dps_ledgers/src/ledger"
)

func testMetadata(id ledger.LedgerID) *ledger.LedgerMetadata {
	policy := ledger.ReplicationPolicy{EnsembleSize: 3, WriteQuorumSize: 2, AckQuorumSize: 2}
	ensemble := ledger.Ensemble{"b0:3181", "b1:3181", "b2:3181"}
	return ledger.NewLedgerMetadata(id, policy, ensemble, ledger.DigestCRC32C, []byte("secret"),
		map[string][]byte{"owner": []byte("tests")})
}

func await[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	return future.Wait(context.Background(), future.BlockingWaiter{}, f)
}

func nextID(t *testing.T, m Manager) ledger.LedgerID {
	t.Helper()
	f := future.New[ledger.LedgerID]()
	m.GenerateLedgerID(context.Background(), future.CallbackFor(f))
	id, err := await(t, f)
	if err != nil {
		t.Fatalf("GenerateLedgerID: %v", err)
	}
	return id
}

type managerFactory struct {
	name string
	open func(t *testing.T) (Manager, func() Manager)
}

// factories returns each backend along with a way to reopen it over the same
// storage.
func factories() []managerFactory {
	return []managerFactory{
		{
			name: "file",
			open: func(t *testing.T) (Manager, func() Manager) {
				dir := t.TempDir()
				fm, err := OpenFileManager(dir)
				if err != nil {
					t.Fatalf("OpenFileManager: %v", err)
				}
				return fm, func() Manager {
					_ = fm.Close()
					reopened, err := OpenFileManager(dir)
					if err != nil {
						t.Fatalf("reopen: %v", err)
					}
					return reopened
				}
			},
		},
		{
			name: "pebble",
			open: func(t *testing.T) (Manager, func() Manager) {
				dir := filepath.Join(t.TempDir(), "db")
				pm, err := OpenPebbleManager(dir)
				if err != nil {
					t.Fatalf("OpenPebbleManager: %v", err)
				}
				current := pm
				t.Cleanup(func() { _ = current.Close() })
				return pm, func() Manager {
					if err := current.Close(); err != nil {
						t.Fatalf("close: %v", err)
					}
					reopened, err := OpenPebbleManager(dir)
					if err != nil {
						t.Fatalf("reopen: %v", err)
					}
					current = reopened
					return reopened
				}
			},
		},
	}
}

func TestManagersCreateReadWrite(t *testing.T) {
	for _, fac := range factories() {
		t.Run(fac.name, func(t *testing.T) {
			m, _ := fac.open(t)
			ctx := context.Background()
			id := nextID(t, m)

			created, err := await(t, m.CreateLedgerMetadata(ctx, id, testMetadata(id)))
			if err != nil {
				t.Fatalf("CreateLedgerMetadata: %v", err)
			}
			if created.Version != 0 || created.Metadata.LedgerID != id {
				t.Fatalf("unexpected created record: %+v", created)
			}

			if _, err := await(t, m.CreateLedgerMetadata(ctx, id, testMetadata(id))); !errors.Is(err, ledger.ErrLedgerExists) {
				t.Fatalf("second create should fail with ErrLedgerExists, got %v", err)
			}

			closed := created.Metadata.Closed(4, 500)
			updated, err := await(t, m.WriteLedgerMetadata(ctx, id, closed, created.Version))
			if err != nil {
				t.Fatalf("WriteLedgerMetadata: %v", err)
			}
			if updated.Version != 1 || !updated.Metadata.IsClosed() {
				t.Fatalf("unexpected updated record: %+v", updated)
			}

			if _, err := await(t, m.WriteLedgerMetadata(ctx, id, closed, created.Version)); !errors.Is(err, ledger.ErrMetadataVersion) {
				t.Fatalf("stale write should fail with ErrMetadataVersion, got %v", err)
			}

			read, err := await(t, m.ReadLedgerMetadata(ctx, id))
			if err != nil {
				t.Fatalf("ReadLedgerMetadata: %v", err)
			}
			if read.Version != 1 || read.Metadata.LastEntryID != 4 || read.Metadata.Length != 500 {
				t.Fatalf("read back %+v", read.Metadata)
			}
			if !bytes.Equal(read.Metadata.CustomMetadata["owner"], []byte("tests")) {
				t.Fatalf("custom metadata lost: %v", read.Metadata.CustomMetadata)
			}
		})
	}
}

func TestManagersReadMissing(t *testing.T) {
	for _, fac := range factories() {
		t.Run(fac.name, func(t *testing.T) {
			m, _ := fac.open(t)
			if _, err := await(t, m.ReadLedgerMetadata(context.Background(), 99)); !errors.Is(err, ledger.ErrLedgerNotFound) {
				t.Fatalf("expected ErrLedgerNotFound, got %v", err)
			}
		})
	}
}

func TestManagersRejectMismatchedID(t *testing.T) {
	for _, fac := range factories() {
		t.Run(fac.name, func(t *testing.T) {
			m, _ := fac.open(t)
			_, err := await(t, m.CreateLedgerMetadata(context.Background(), 5, testMetadata(6)))
			if !errors.Is(err, ledger.ErrInternalConsistency) {
				t.Fatalf("expected ErrInternalConsistency, got %v", err)
			}
		})
	}
}

func TestManagersSurviveReopen(t *testing.T) {
	for _, fac := range factories() {
		t.Run(fac.name, func(t *testing.T) {
			m, reopen := fac.open(t)
			ctx := context.Background()

			first := nextID(t, m)
			second := nextID(t, m)
			if second <= first {
				t.Fatalf("ids not increasing: %d then %d", first, second)
			}
			if _, err := await(t, m.CreateLedgerMetadata(ctx, second, testMetadata(second))); err != nil {
				t.Fatalf("CreateLedgerMetadata: %v", err)
			}

			m = reopen()
			read, err := await(t, m.ReadLedgerMetadata(ctx, second))
			if err != nil {
				t.Fatalf("read after reopen: %v", err)
			}
			if read.Metadata.DigestType != ledger.DigestCRC32C || len(read.Metadata.Ensemble) != 3 {
				t.Fatalf("metadata changed across reopen: %s", read.Metadata)
			}
			if !bytes.Equal(read.Metadata.Password, []byte("secret")) {
				t.Fatalf("password changed across reopen: %q", read.Metadata.Password)
			}
			if third := nextID(t, m); third <= second {
				t.Fatalf("id %d reissued after reopen (last was %d)", third, second)
			}

			ids, err := m.LedgerIDs(ctx)
			if err != nil {
				t.Fatalf("LedgerIDs: %v", err)
			}
			if len(ids) != 1 || ids[0] != second {
				t.Fatalf("LedgerIDs = %v, want [%d]", ids, second)
			}
		})
	}
}

func TestManagersRemove(t *testing.T) {
	for _, fac := range factories() {
		t.Run(fac.name, func(t *testing.T) {
			m, _ := fac.open(t)
			ctx := context.Background()
			if _, err := await(t, m.CreateLedgerMetadata(ctx, 1, testMetadata(1))); err != nil {
				t.Fatalf("CreateLedgerMetadata: %v", err)
			}
			if _, err := await(t, m.RemoveLedgerMetadata(ctx, 1, 7)); !errors.Is(err, ledger.ErrMetadataVersion) {
				t.Fatalf("remove at wrong version should fail, got %v", err)
			}
			if _, err := await(t, m.RemoveLedgerMetadata(ctx, 1, ledger.NoVersion)); err != nil {
				t.Fatalf("RemoveLedgerMetadata: %v", err)
			}
			if _, err := await(t, m.ReadLedgerMetadata(ctx, 1)); !errors.Is(err, ledger.ErrLedgerNotFound) {
				t.Fatalf("removed ledger still readable: %v", err)
			}
		})
	}
}

func TestManagersCancelledContext(t *testing.T) {
	for _, fac := range factories() {
		t.Run(fac.name, func(t *testing.T) {
			m, _ := fac.open(t)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			if _, err := await(t, m.ReadLedgerMetadata(ctx, 1)); !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
		})
	}
}

func TestFileManagerSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	fm, err := OpenFileManager(dir)
	if err != nil {
		t.Fatalf("OpenFileManager: %v", err)
	}
	if _, err := await(t, fm.CreateLedgerMetadata(context.Background(), 3, testMetadata(3))); err != nil {
		t.Fatalf("CreateLedgerMetadata: %v", err)
	}

	junk := filepath.Join(dir, "ledgers", "00000000000000000004.toml")
	if err := os.WriteFile(junk, []byte("version = \"not a number\""), 0644); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	if err := fm.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	ids, err := fm.LedgerIDs(context.Background())
	if err != nil {
		t.Fatalf("LedgerIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != 3 {
		t.Fatalf("LedgerIDs = %v, want [3]", ids)
	}
}

func TestInMemoryPebbleManager(t *testing.T) {
	pm, err := OpenInMemoryPebbleManager()
	if err != nil {
		t.Fatalf("OpenInMemoryPebbleManager: %v", err)
	}
	defer pm.Close()

	id := nextID(t, pm)
	if id != firstLedgerID {
		t.Fatalf("first id = %d, want %d", id, firstLedgerID)
	}
	if _, err := await(t, pm.CreateLedgerMetadata(context.Background(), id, testMetadata(id))); err != nil {
		t.Fatalf("CreateLedgerMetadata: %v", err)
	}
}

func TestCodecRoundTripAndUnknownFields(t *testing.T) {
	md := testMetadata(42).Closed(9, 1024)
	encoded := MarshalMetadata(md)

	// a field a newer writer might add
	encoded = appendVarint(encoded, 99, 7)

	decoded, err := UnmarshalMetadata(encoded)
	if err != nil {
		t.Fatalf("UnmarshalMetadata: %v", err)
	}
	if decoded.String() != md.String() || decoded.Length != 1024 || decoded.CreationTime != md.CreationTime {
		t.Fatalf("decoded %s, want %s", decoded, md)
	}
	if !bytes.Equal(decoded.Password, md.Password) {
		t.Fatalf("password %q, want %q", decoded.Password, md.Password)
	}

	if _, err := UnmarshalMetadata(encoded[:len(encoded)-1]); err == nil {
		t.Fatal("truncated record should fail to decode")
	}
	if _, err := unmarshalRecord(nil); !errors.Is(err, ledger.ErrInternalConsistency) {
		t.Fatalf("empty record should fail, got %v", err)
	}
}
