package placement

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/dps_ledgers/src/ledger"
)

var (
	ErrBookieExists  = errors.New("bookie already registered")
	ErrUnknownBookie = errors.New("bookie not found")
)

// DefaultRack is assigned to bookies registered without a rack.
const DefaultRack = "/default-rack"

// BookieInfo is what the registry knows about one storage node.
type BookieInfo struct {
	ID       ledger.BookieID
	Rack     string
	ReadOnly bool
	Time     int64 // registration time, unix nanos
}

// Registry tracks the storage nodes a client may place ledgers on.
type Registry struct {
	nodes map[ledger.BookieID]*BookieInfo
	mu    sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		nodes: make(map[ledger.BookieID]*BookieInfo),
	}
}

// NewRegistryWith registers every id in the default rack.
func NewRegistryWith(ids ...ledger.BookieID) *Registry {
	r := NewRegistry()
	for _, id := range ids {
		_ = r.InsertNode(BookieInfo{ID: id})
	}
	return r
}

func (r *Registry) InsertNode(info BookieInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[info.ID]; exists {
		return ErrBookieExists
	}
	if info.Rack == "" {
		info.Rack = DefaultRack
	}
	if info.Time == 0 {
		info.Time = time.Now().UnixNano()
	}
	r.nodes[info.ID] = &info
	return nil
}

func (r *Registry) RemoveNode(id ledger.BookieID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; !exists {
		return ErrUnknownBookie
	}
	delete(r.nodes, id)
	return nil
}

// Lookup returns a copy of the bookie's info.
func (r *Registry) Lookup(id ledger.BookieID) (BookieInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, exists := r.nodes[id]
	if !exists {
		return BookieInfo{}, ErrUnknownBookie
	}
	return *info, nil
}

// SetReadOnly marks a bookie as unable to accept new ledgers.
func (r *Registry) SetReadOnly(id ledger.BookieID, readOnly bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, exists := r.nodes[id]
	if !exists {
		return ErrUnknownBookie
	}
	info.ReadOnly = readOnly
	return nil
}

// Writable returns the writable bookies sorted by id.
func (r *Registry) Writable() []BookieInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BookieInfo, 0, len(r.nodes))
	for _, info := range r.nodes {
		if !info.ReadOnly {
			out = append(out, *info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Size returns the number of registered bookies.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}
