package ledger

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// CurrentMetadataFormat is written into every metadata record created by
// this client.
const CurrentMetadataFormat = 3

// NoVersion marks metadata that has not been committed yet.
const NoVersion int64 = -1

// State is the lifecycle state recorded in ledger metadata.
type State int

const (
	StateOpen State = iota
	StateInRecovery
	StateClosed
)

var stateNames = map[State]string{
	StateOpen:       "OPEN",
	StateInRecovery: "IN_RECOVERY",
	StateClosed:     "CLOSED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, fmt.Errorf("unknown ledger state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	norm := strings.ToUpper(strings.TrimSpace(string(text)))
	for st, name := range stateNames {
		if name == norm {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown ledger state %q", string(text))
}

// LedgerMetadata binds a ledger id to its ensemble, replication policy,
// digest and lifecycle state. Values are treated as immutable once committed;
// state changes produce a modified copy that is written back with a version
// check.
type LedgerMetadata struct {
	FormatVersion  int               `toml:"format_version"`
	LedgerID       LedgerID          `toml:"ledger_id"`
	Policy         ReplicationPolicy `toml:"policy"`
	DigestType     DigestType        `toml:"digest_type"`
	Password       []byte            `toml:"password"`
	Ensemble       Ensemble          `toml:"ensemble"`
	State          State             `toml:"state"`
	LastEntryID    int64             `toml:"last_entry_id"`
	Length         int64             `toml:"length"`
	CreationTime   int64             `toml:"creation_time"`
	CustomMetadata map[string][]byte `toml:"custom_metadata,omitempty"`
}

// NewLedgerMetadata builds the metadata for a freshly created, open ledger.
func NewLedgerMetadata(id LedgerID, policy ReplicationPolicy, ensemble Ensemble,
	digestType DigestType, password []byte, custom map[string][]byte) *LedgerMetadata {
	return &LedgerMetadata{
		FormatVersion:  CurrentMetadataFormat,
		LedgerID:       id,
		Policy:         policy,
		DigestType:     digestType,
		Password:       slices.Clone(password),
		Ensemble:       slices.Clone(ensemble),
		State:          StateOpen,
		LastEntryID:    LastAddConfirmed,
		Length:         0,
		CreationTime:   time.Now().UnixNano(),
		CustomMetadata: cloneCustom(custom),
	}
}

// Validate checks the record is internally consistent before it is
// committed or after it is decoded.
func (md *LedgerMetadata) Validate() error {
	if md == nil {
		return fmt.Errorf("%w: nil metadata", ErrInternalConsistency)
	}
	if !md.LedgerID.Valid() {
		return fmt.Errorf("%w: invalid ledger id %d", ErrParameterValidation, md.LedgerID)
	}
	if err := md.Policy.Validate(); err != nil {
		return err
	}
	if !md.DigestType.Known() {
		return fmt.Errorf("%w: unknown digest type %s", ErrParameterValidation, md.DigestType)
	}
	if len(md.Ensemble) != md.Policy.EnsembleSize {
		return fmt.Errorf("%w: ensemble has %d bookies, policy wants %d",
			ErrInternalConsistency, len(md.Ensemble), md.Policy.EnsembleSize)
	}
	if _, ok := stateNames[md.State]; !ok {
		return fmt.Errorf("%w: unknown state %d", ErrInternalConsistency, int(md.State))
	}
	if md.State != StateClosed && md.LastEntryID != LastAddConfirmed {
		return fmt.Errorf("%w: open ledger carries last entry id %d",
			ErrInternalConsistency, md.LastEntryID)
	}
	return nil
}

// IsClosed reports whether the ledger was sealed.
func (md *LedgerMetadata) IsClosed() bool {
	return md.State == StateClosed
}

// Clone returns a deep copy.
func (md *LedgerMetadata) Clone() *LedgerMetadata {
	if md == nil {
		return nil
	}
	cp := *md
	cp.Password = slices.Clone(md.Password)
	cp.Ensemble = slices.Clone(md.Ensemble)
	cp.CustomMetadata = cloneCustom(md.CustomMetadata)
	return &cp
}

// Closed returns a sealed copy recording the last entry id and total length.
func (md *LedgerMetadata) Closed(lastEntryID, length int64) *LedgerMetadata {
	cp := md.Clone()
	cp.State = StateClosed
	cp.LastEntryID = lastEntryID
	cp.Length = length
	return cp
}

func (md *LedgerMetadata) String() string {
	return fmt.Sprintf("%s{%s digest=%s ensemble=%s state=%s last=%d}",
		md.LedgerID, md.Policy, md.DigestType, md.Ensemble, md.State, md.LastEntryID)
}

func cloneCustom(in map[string][]byte) map[string][]byte {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}

// Versioned is a metadata snapshot together with the store version it was
// read or written at.
type Versioned struct {
	Metadata *LedgerMetadata
	Version  int64
}
