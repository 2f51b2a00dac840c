// Package events publishes ledger lifecycle changes.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/danmuck/dps_ledgers/src/ledger"
)

type Type string

const (
	LedgerCreated Type = "created"
	LedgerClosed  Type = "closed"
	LedgerDeleted Type = "deleted"
)

// Event describes one lifecycle change of a ledger.
type Event struct {
	Type        Type                     `json:"type"`
	LedgerID    ledger.LedgerID          `json:"ledger_id"`
	Policy      ledger.ReplicationPolicy `json:"policy"`
	Ensemble    ledger.Ensemble          `json:"ensemble,omitempty"`
	DigestType  ledger.DigestType        `json:"digest_type"`
	LastEntryID int64                    `json:"last_entry_id"`
	Length      int64                    `json:"length"`
	Version     int64                    `json:"version"`
	Time        int64                    `json:"time"`
}

// FromMetadata builds an event of type t for the committed metadata v.
func FromMetadata(t Type, v *ledger.Versioned) Event {
	md := v.Metadata
	return Event{
		Type:        t,
		LedgerID:    md.LedgerID,
		Policy:      md.Policy,
		Ensemble:    md.Ensemble,
		DigestType:  md.DigestType,
		LastEntryID: md.LastEntryID,
		Length:      md.Length,
		Version:     v.Version,
		Time:        time.Now().UnixNano(),
	}
}

// Encode returns the JSON payload of e.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func Decode(b []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(b, &e)
	return e, err
}

// Notifier receives lifecycle events. Publishing is best effort: callers log
// failures and carry on.
type Notifier interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
