package placement

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/dps_ledgers/src/ledger"
)

// DefaultPlacement picks ensembles from a Registry. Candidates are shuffled,
// then interleaved across racks so that neighbouring ensemble members, and
// therefore each write set, land on different racks whenever the cluster
// allows it.
type DefaultPlacement struct {
	registry *Registry
	rnd      *rand.Rand
	mu       sync.Mutex
}

func NewDefaultPlacement(registry *Registry) *DefaultPlacement {
	return NewSeededPlacement(registry, time.Now().UnixNano())
}

// NewSeededPlacement makes selection deterministic, for tests.
func NewSeededPlacement(registry *Registry, seed int64) *DefaultPlacement {
	return &DefaultPlacement{
		registry: registry,
		rnd:      rand.New(rand.NewSource(seed)),
	}
}

// NewEnsemble selects ensembleSize distinct writable bookies not in excluded.
// It fails with ledger.ErrNotEnoughBookies rather than returning a short
// ensemble.
func (p *DefaultPlacement) NewEnsemble(ensembleSize, writeQuorumSize, ackQuorumSize int,
	excluded map[ledger.BookieID]struct{}) (ledger.Ensemble, error) {
	if ensembleSize < 0 || writeQuorumSize > ensembleSize || ackQuorumSize > writeQuorumSize {
		return nil, fmt.Errorf("%w: ensemble=%d write=%d ack=%d",
			ledger.ErrIllegalQuorum, ensembleSize, writeQuorumSize, ackQuorumSize)
	}

	byRack := make(map[string][]ledger.BookieID)
	available := 0
	for _, info := range p.registry.Writable() {
		if _, skip := excluded[info.ID]; skip {
			continue
		}
		byRack[info.Rack] = append(byRack[info.Rack], info.ID)
		available++
	}
	if available < ensembleSize {
		return nil, fmt.Errorf("%w: need %d, have %d", ledger.ErrNotEnoughBookies, ensembleSize, available)
	}

	racks := make([]string, 0, len(byRack))
	for rack := range byRack {
		racks = append(racks, rack)
	}
	sort.Strings(racks)

	p.mu.Lock()
	for _, rack := range racks {
		ids := byRack[rack]
		p.rnd.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	}
	p.rnd.Shuffle(len(racks), func(i, j int) { racks[i], racks[j] = racks[j], racks[i] })
	p.mu.Unlock()

	ensemble := make(ledger.Ensemble, 0, ensembleSize)
	for len(ensemble) < ensembleSize {
		for _, rack := range racks {
			ids := byRack[rack]
			if len(ids) == 0 {
				continue
			}
			ensemble = append(ensemble, ids[0])
			byRack[rack] = ids[1:]
			if len(ensemble) == ensembleSize {
				break
			}
		}
	}
	return ensemble, nil
}
