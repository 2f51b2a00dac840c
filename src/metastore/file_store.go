package metastore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/dps_ledgers/src/future"
	"github.com/danmuck/dps_ledgers/src/ledger"
	logs "github.com/danmuck/smplog"
)

// FileConfig controls a FileManager.
type FileConfig struct {
	Dir     string // root directory; ledger records live in Dir/ledgers
	Verbose bool   // when true, log skipped or unreadable records
}

func DefaultFileConfig(dir string) FileConfig {
	return FileConfig{
		Dir:     dir,
		Verbose: true,
	}
}

// ledgerFile is the on-disk layout of Dir/ledgers/<id>.toml.
type ledgerFile struct {
	Version  int64                 `toml:"version"`
	Metadata ledger.LedgerMetadata `toml:"metadata"`
}

// idgenFile is the on-disk layout of Dir/idgen.toml.
type idgenFile struct {
	LastID int64 `toml:"last_id"`
}

// FileManager stores ledger metadata as one TOML file per ledger and keeps
// an in-memory index of everything on disk. Files are published with a
// temp-file-then-link (create) or temp-file-then-rename (update) so readers
// never observe a partial record.
type FileManager struct {
	config FileConfig
	lock   sync.RWMutex

	ledgers map[ledger.LedgerID]*ledger.Versioned
	lastID  ledger.LedgerID
}

// OpenFileManager opens, or creates, a file-backed store under dir.
func OpenFileManager(dir string) (*FileManager, error) {
	return OpenFileManagerWithConfig(DefaultFileConfig(dir))
}

func OpenFileManagerWithConfig(cfg FileConfig) (*FileManager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: metadata directory not set", ledger.ErrParameterValidation)
	}
	fm := &FileManager{config: cfg}
	if err := fm.load(); err != nil {
		return nil, err
	}
	logs.Infof("file metadata store opened at %s (%d ledgers, last id %d)", cfg.Dir, len(fm.ledgers), fm.lastID)
	return fm, nil
}

func (fm *FileManager) ledgerDir() string {
	return filepath.Join(fm.config.Dir, "ledgers")
}

func (fm *FileManager) ledgerPath(id ledger.LedgerID) string {
	return filepath.Join(fm.ledgerDir(), fmt.Sprintf("%020d.toml", int64(id)))
}

func (fm *FileManager) idgenPath() string {
	return filepath.Join(fm.config.Dir, "idgen.toml")
}

// load rebuilds the index from disk.
func (fm *FileManager) load() error {
	if err := os.MkdirAll(fm.ledgerDir(), 0755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	entries, err := os.ReadDir(fm.ledgerDir())
	if err != nil {
		return fmt.Errorf("failed to read ledger directory: %w", err)
	}

	ledgers := make(map[ledger.LedgerID]*ledger.Versioned)
	lastID := firstLedgerID - 1
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		raw, err := strconv.ParseInt(strings.TrimSuffix(entry.Name(), ".toml"), 10, 64)
		if err != nil {
			if fm.config.Verbose {
				logs.Warnf("skipping metadata file %s: %v", entry.Name(), err)
			}
			continue
		}
		id := ledger.LedgerID(raw)

		var rec ledgerFile
		if _, err := toml.DecodeFile(filepath.Join(fm.ledgerDir(), entry.Name()), &rec); err != nil {
			if fm.config.Verbose {
				logs.Warnf("failed to decode metadata file %s: %v", entry.Name(), err)
			}
			continue
		}
		if err := checkCommit(id, &rec.Metadata); err != nil {
			if fm.config.Verbose {
				logs.Warnf("ignoring metadata file %s: %v", entry.Name(), err)
			}
			continue
		}
		md := rec.Metadata
		ledgers[id] = &ledger.Versioned{Metadata: &md, Version: rec.Version}
		if id > lastID {
			lastID = id
		}
	}

	var gen idgenFile
	if _, err := toml.DecodeFile(fm.idgenPath(), &gen); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to decode id generator state: %w", err)
	}
	if ledger.LedgerID(gen.LastID) > lastID {
		lastID = ledger.LedgerID(gen.LastID)
	}

	fm.lock.Lock()
	fm.ledgers = ledgers
	fm.lastID = lastID
	fm.lock.Unlock()
	return nil
}

// Reload rebuilds the in-memory index from the files on disk, picking up
// changes made by other processes sharing the directory.
func (fm *FileManager) Reload() error {
	if err := fm.load(); err != nil {
		return fmt.Errorf("failed to reload metadata: %w", err)
	}
	return nil
}

// GenerateLedgerID persists the new high-water mark before handing the id out,
// so ids are never reused across restarts.
func (fm *FileManager) GenerateLedgerID(ctx context.Context, cb future.Callback[ledger.LedgerID]) {
	go func() {
		if err := ctx.Err(); err != nil {
			cb(ledger.CodeOf(err), -1)
			return
		}

		fm.lock.Lock()
		defer fm.lock.Unlock()

		next := fm.lastID + 1
		if err := writeTOML(fm.config.Dir, fm.idgenPath(), idgenFile{LastID: int64(next)}, false); err != nil {
			logs.Errorf(err, "failed to persist ledger id %d", next)
			cb(ledger.CodeMetaStore, -1)
			return
		}
		fm.lastID = next
		cb(ledger.CodeOK, next)
	}()
}

func (fm *FileManager) CreateLedgerMetadata(ctx context.Context, id ledger.LedgerID,
	md *ledger.LedgerMetadata) *future.Future[*ledger.Versioned] {
	return async(ctx, func() (*ledger.Versioned, error) {
		if err := checkCommit(id, md); err != nil {
			return nil, err
		}

		fm.lock.Lock()
		defer fm.lock.Unlock()

		if _, exists := fm.ledgers[id]; exists {
			return nil, fmt.Errorf("%w: %s", ledger.ErrLedgerExists, id)
		}
		v := &ledger.Versioned{Metadata: md.Clone(), Version: 0}
		if err := writeTOML(fm.ledgerDir(), fm.ledgerPath(id), ledgerFile{Version: v.Version, Metadata: *v.Metadata}, true); err != nil {
			if errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("%w: %s", ledger.ErrLedgerExists, id)
			}
			return nil, err
		}
		fm.ledgers[id] = v
		if id > fm.lastID {
			fm.lastID = id
		}
		logs.Debugf("committed metadata %s at version %d", md, v.Version)
		return cloneVersioned(v), nil
	})
}

func (fm *FileManager) ReadLedgerMetadata(ctx context.Context, id ledger.LedgerID) *future.Future[*ledger.Versioned] {
	return async(ctx, func() (*ledger.Versioned, error) {
		fm.lock.RLock()
		defer fm.lock.RUnlock()

		v, exists := fm.ledgers[id]
		if !exists {
			return nil, fmt.Errorf("%w: %s", ledger.ErrLedgerNotFound, id)
		}
		return cloneVersioned(v), nil
	})
}

func (fm *FileManager) WriteLedgerMetadata(ctx context.Context, id ledger.LedgerID,
	md *ledger.LedgerMetadata, version int64) *future.Future[*ledger.Versioned] {
	return async(ctx, func() (*ledger.Versioned, error) {
		if err := checkCommit(id, md); err != nil {
			return nil, err
		}

		fm.lock.Lock()
		defer fm.lock.Unlock()

		current, exists := fm.ledgers[id]
		if !exists {
			return nil, fmt.Errorf("%w: %s", ledger.ErrLedgerNotFound, id)
		}
		if err := checkVersion(id, current.Version, version); err != nil {
			return nil, err
		}
		v := &ledger.Versioned{Metadata: md.Clone(), Version: version + 1}
		if err := writeTOML(fm.ledgerDir(), fm.ledgerPath(id), ledgerFile{Version: v.Version, Metadata: *v.Metadata}, false); err != nil {
			return nil, err
		}
		fm.ledgers[id] = v
		logs.Debugf("updated metadata %s to version %d", md, v.Version)
		return cloneVersioned(v), nil
	})
}

func (fm *FileManager) RemoveLedgerMetadata(ctx context.Context, id ledger.LedgerID, version int64) *future.Future[struct{}] {
	return async(ctx, func() (struct{}, error) {
		fm.lock.Lock()
		defer fm.lock.Unlock()

		current, exists := fm.ledgers[id]
		if !exists {
			return struct{}{}, fmt.Errorf("%w: %s", ledger.ErrLedgerNotFound, id)
		}
		if version != ledger.NoVersion {
			if err := checkVersion(id, current.Version, version); err != nil {
				return struct{}{}, err
			}
		}
		if err := os.Remove(fm.ledgerPath(id)); err != nil && !os.IsNotExist(err) {
			return struct{}{}, fmt.Errorf("failed to remove metadata file: %w", err)
		}
		delete(fm.ledgers, id)
		return struct{}{}, nil
	})
}

// LedgerIDs lists every known ledger in ascending order.
func (fm *FileManager) LedgerIDs(ctx context.Context) ([]ledger.LedgerID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fm.lock.RLock()
	defer fm.lock.RUnlock()

	ids := make([]ledger.LedgerID, 0, len(fm.ledgers))
	for id := range fm.ledgers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Close is a no-op; every commit is already on disk.
func (fm *FileManager) Close() error {
	return nil
}

// writeTOML encodes v into a temp file in dir and publishes it at path.
// With exclusive set the publish fails with os.ErrExist when path is taken.
func writeTOML(dir, path string, v any, exclusive bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	encoder := toml.NewEncoder(tmpFile)
	encoder.Indent = "    "
	if err := encoder.Encode(v); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if exclusive {
		if err := os.Link(tmpPath, path); err != nil {
			return fmt.Errorf("failed to publish %s: %w", filepath.Base(path), err)
		}
		return nil
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to atomically publish %s: %w", filepath.Base(path), err)
	}
	return nil
}

func cloneVersioned(v *ledger.Versioned) *ledger.Versioned {
	return &ledger.Versioned{Metadata: v.Metadata.Clone(), Version: v.Version}
}
