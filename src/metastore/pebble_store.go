package metastore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/danmuck/dps_ledgers/src/future"
	"github.com/danmuck/dps_ledgers/src/ledger"
	logs "github.com/danmuck/smplog"
)

var (
	ledgerPrefix = []byte("ledger/")
	idgenKey     = []byte("idgen/last")
)

// PebbleManager stores versioned metadata records in pebble. Pebble has no
// conditional write, so every read-modify-write runs under mu.
type PebbleManager struct {
	db *pebble.DB
	mu sync.Mutex
}

// OpenPebbleManager opens a durable store in dir.
func OpenPebbleManager(dir string) (*PebbleManager, error) {
	return openPebble(dir, &pebble.Options{})
}

// OpenInMemoryPebbleManager opens a store backed by an in-memory filesystem.
func OpenInMemoryPebbleManager() (*PebbleManager, error) {
	return openPebble("", &pebble.Options{FS: vfs.NewMem()})
}

func openPebble(dir string, opts *pebble.Options) (*PebbleManager, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble metadata store: %w", err)
	}
	logs.Infof("pebble metadata store opened at %q", dir)
	return &PebbleManager{db: db}, nil
}

func (pm *PebbleManager) Close() error {
	return pm.db.Close()
}

func (pm *PebbleManager) GenerateLedgerID(ctx context.Context, cb future.Callback[ledger.LedgerID]) {
	go func() {
		if err := ctx.Err(); err != nil {
			cb(ledger.CodeOf(err), -1)
			return
		}

		pm.mu.Lock()
		defer pm.mu.Unlock()

		next := firstLedgerID
		val, closer, err := pm.db.Get(idgenKey)
		switch {
		case err == nil:
			if len(val) == 8 {
				next = ledger.LedgerID(binary.BigEndian.Uint64(val)) + 1
			}
			closer.Close()
		case !errors.Is(err, pebble.ErrNotFound):
			logs.Errorf(err, "failed to read ledger id high-water mark")
			cb(ledger.CodeMetaStore, -1)
			return
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(next))
		if err := pm.db.Set(idgenKey, buf, pebble.Sync); err != nil {
			logs.Errorf(err, "failed to persist ledger id %d", next)
			cb(ledger.CodeMetaStore, -1)
			return
		}
		cb(ledger.CodeOK, next)
	}()
}

func (pm *PebbleManager) CreateLedgerMetadata(ctx context.Context, id ledger.LedgerID,
	md *ledger.LedgerMetadata) *future.Future[*ledger.Versioned] {
	return async(ctx, func() (*ledger.Versioned, error) {
		if err := checkCommit(id, md); err != nil {
			return nil, err
		}

		pm.mu.Lock()
		defer pm.mu.Unlock()

		if _, err := pm.get(id); err == nil {
			return nil, fmt.Errorf("%w: %s", ledger.ErrLedgerExists, id)
		} else if !errors.Is(err, ledger.ErrLedgerNotFound) {
			return nil, err
		}

		v := &ledger.Versioned{Metadata: md.Clone(), Version: 0}
		if err := pm.db.Set(keyFor(id), marshalRecord(v), pebble.Sync); err != nil {
			return nil, fmt.Errorf("failed to store metadata for %s: %w", id, err)
		}
		logs.Debugf("committed metadata %s at version %d", md, v.Version)
		return cloneVersioned(v), nil
	})
}

func (pm *PebbleManager) ReadLedgerMetadata(ctx context.Context, id ledger.LedgerID) *future.Future[*ledger.Versioned] {
	return async(ctx, func() (*ledger.Versioned, error) {
		return pm.get(id)
	})
}

func (pm *PebbleManager) WriteLedgerMetadata(ctx context.Context, id ledger.LedgerID,
	md *ledger.LedgerMetadata, version int64) *future.Future[*ledger.Versioned] {
	return async(ctx, func() (*ledger.Versioned, error) {
		if err := checkCommit(id, md); err != nil {
			return nil, err
		}

		pm.mu.Lock()
		defer pm.mu.Unlock()

		current, err := pm.get(id)
		if err != nil {
			return nil, err
		}
		if err := checkVersion(id, current.Version, version); err != nil {
			return nil, err
		}
		v := &ledger.Versioned{Metadata: md.Clone(), Version: version + 1}
		if err := pm.db.Set(keyFor(id), marshalRecord(v), pebble.Sync); err != nil {
			return nil, fmt.Errorf("failed to store metadata for %s: %w", id, err)
		}
		logs.Debugf("updated metadata %s to version %d", md, v.Version)
		return cloneVersioned(v), nil
	})
}

func (pm *PebbleManager) RemoveLedgerMetadata(ctx context.Context, id ledger.LedgerID, version int64) *future.Future[struct{}] {
	return async(ctx, func() (struct{}, error) {
		pm.mu.Lock()
		defer pm.mu.Unlock()

		current, err := pm.get(id)
		if err != nil {
			return struct{}{}, err
		}
		if version != ledger.NoVersion {
			if err := checkVersion(id, current.Version, version); err != nil {
				return struct{}{}, err
			}
		}
		if err := pm.db.Delete(keyFor(id), pebble.Sync); err != nil {
			return struct{}{}, fmt.Errorf("failed to delete metadata for %s: %w", id, err)
		}
		return struct{}{}, nil
	})
}

// LedgerIDs scans the ledger keyspace in ascending id order.
func (pm *PebbleManager) LedgerIDs(ctx context.Context) ([]ledger.LedgerID, error) {
	iter, err := pm.db.NewIter(&pebble.IterOptions{
		LowerBound: ledgerPrefix,
		UpperBound: []byte("ledger/~"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []ledger.LedgerID
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := parseKey(iter.Key())
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, iter.Error()
}

func (pm *PebbleManager) get(id ledger.LedgerID) (*ledger.Versioned, error) {
	val, closer, err := pm.db.Get(keyFor(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrLedgerNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %s: %w", id, err)
	}
	defer closer.Close()

	v, err := unmarshalRecord(val)
	if err != nil {
		return nil, fmt.Errorf("corrupt metadata record for %s: %w", id, err)
	}
	return v, nil
}

func keyFor(id ledger.LedgerID) []byte {
	return []byte(fmt.Sprintf("ledger/%020d", int64(id)))
}

func parseKey(b []byte) (ledger.LedgerID, error) {
	var id int64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, ledgerPrefix)), "%d", &id)
	return ledger.LedgerID(id), err
}
