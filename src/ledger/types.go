package ledger

import (
	"fmt"
	"strings"
)

// LedgerID identifies a ledger across the cluster. Allocated once by the id
// generator and never reused.
type LedgerID int64

// LastAddConfirmed is the entry id sentinel meaning "up to the last confirmed
// entry" in read ranges, and "nothing confirmed yet" as a handle's LAC.
const LastAddConfirmed int64 = -1

func (id LedgerID) String() string {
	return fmt.Sprintf("L%d", int64(id))
}

// Valid reports whether id could have been produced by an id generator.
func (id LedgerID) Valid() bool {
	return id >= 0
}

// BookieID names one storage node.
type BookieID string

// Ensemble is the ordered set of bookies hosting a ledger's replicas.
type Ensemble []BookieID

// Contains reports whether b is a member of the ensemble.
func (e Ensemble) Contains(b BookieID) bool {
	for _, m := range e {
		if m == b {
			return true
		}
	}
	return false
}

// HasDuplicates reports whether any bookie appears more than once.
func (e Ensemble) HasDuplicates() bool {
	seen := make(map[BookieID]struct{}, len(e))
	for _, m := range e {
		if _, ok := seen[m]; ok {
			return true
		}
		seen[m] = struct{}{}
	}
	return false
}

// WriteSet returns the bookies that store entryID under round-robin striping:
// ensemble[(entryID+i) % len(ensemble)] for i in [0, writeQuorumSize).
func (e Ensemble) WriteSet(entryID int64, writeQuorumSize int) []BookieID {
	if len(e) == 0 || writeQuorumSize <= 0 || entryID < 0 {
		return nil
	}
	if writeQuorumSize > len(e) {
		writeQuorumSize = len(e)
	}
	set := make([]BookieID, 0, writeQuorumSize)
	for i := 0; i < writeQuorumSize; i++ {
		set = append(set, e[(entryID+int64(i))%int64(len(e))])
	}
	return set
}

func (e Ensemble) String() string {
	parts := make([]string, len(e))
	for i, b := range e {
		parts[i] = string(b)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ReplicationPolicy is the ensemble / write quorum / ack quorum triple bound
// to a ledger at creation time.
type ReplicationPolicy struct {
	EnsembleSize    int `toml:"ensemble_size"`
	WriteQuorumSize int `toml:"write_quorum_size"`
	AckQuorumSize   int `toml:"ack_quorum_size"`
}

// Validate rejects negative sizes with ErrParameterValidation and quorum
// relations the ensemble cannot honour with ErrIllegalQuorum.
func (p ReplicationPolicy) Validate() error {
	if p.EnsembleSize < 0 || p.WriteQuorumSize < 0 || p.AckQuorumSize < 0 {
		return fmt.Errorf("%w: negative size in %s", ErrParameterValidation, p)
	}
	if p.WriteQuorumSize > p.EnsembleSize {
		return fmt.Errorf("%w: write quorum %d exceeds ensemble size %d",
			ErrIllegalQuorum, p.WriteQuorumSize, p.EnsembleSize)
	}
	if p.AckQuorumSize > p.WriteQuorumSize {
		return fmt.Errorf("%w: ack quorum %d exceeds write quorum %d",
			ErrIllegalQuorum, p.AckQuorumSize, p.WriteQuorumSize)
	}
	return nil
}

func (p ReplicationPolicy) String() string {
	return fmt.Sprintf("ensemble=%d write=%d ack=%d", p.EnsembleSize, p.WriteQuorumSize, p.AckQuorumSize)
}

// LedgerEntry is one immutable record read back from a ledger.
type LedgerEntry struct {
	LedgerID LedgerID
	EntryID  int64
	Payload  []byte
}

func (e LedgerEntry) String() string {
	return fmt.Sprintf("%s/E%d (%d bytes)", e.LedgerID, e.EntryID, len(e.Payload))
}
