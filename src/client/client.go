// Package client creates, opens, writes and reads ledgers on top of pluggable
// collaborators: an id generator, an ensemble placement policy, a metadata
// manager and a bookie client. Every asynchronous collaborator completes
// through a future that the client waits on with its Waiter.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/dps_ledgers/src/bookie"
	"github.com/danmuck/dps_ledgers/src/events"
	"github.com/danmuck/dps_ledgers/src/future"
	"github.com/danmuck/dps_ledgers/src/idgen"
	"github.com/danmuck/dps_ledgers/src/internal/logcfg"
	"github.com/danmuck/dps_ledgers/src/ledger"
	"github.com/danmuck/dps_ledgers/src/metastore"
	"github.com/danmuck/dps_ledgers/src/placement"
	logs "github.com/danmuck/smplog"
	"github.com/prometheus/client_golang/prometheus"
)

// IDGenerator allocates cluster-unique ledger ids.
type IDGenerator interface {
	GenerateLedgerID(ctx context.Context, cb future.Callback[ledger.LedgerID])
}

// EnsemblePlacement chooses the bookies for a new ledger.
type EnsemblePlacement interface {
	NewEnsemble(ensembleSize, writeQuorumSize, ackQuorumSize int,
		excluded map[ledger.BookieID]struct{}) (ledger.Ensemble, error)
}

// LedgerManager is the metadata store.
type LedgerManager interface {
	CreateLedgerMetadata(ctx context.Context, id ledger.LedgerID, md *ledger.LedgerMetadata) *future.Future[*ledger.Versioned]
	ReadLedgerMetadata(ctx context.Context, id ledger.LedgerID) *future.Future[*ledger.Versioned]
	WriteLedgerMetadata(ctx context.Context, id ledger.LedgerID, md *ledger.LedgerMetadata, version int64) *future.Future[*ledger.Versioned]
	RemoveLedgerMetadata(ctx context.Context, id ledger.LedgerID, version int64) *future.Future[struct{}]
}

// BookieClient is the storage node read/write path.
type BookieClient interface {
	AddEntry(ctx context.Context, addr ledger.BookieID, ledgerID ledger.LedgerID, entryID int64,
		packet []byte, cb bookie.WriteCallback)
	ReadEntry(ctx context.Context, addr ledger.BookieID, ledgerID ledger.LedgerID, entryID int64,
		cb bookie.ReadCallback)
}

// Collaborators wires a Client. IDs, Placement, Ledgers and Bookies are
// required; the rest default to a BlockingWaiter, a no-op notifier and
// unregistered metrics.
type Collaborators struct {
	IDs       IDGenerator
	Placement EnsemblePlacement
	Ledgers   LedgerManager
	Bookies   BookieClient
	Waiter    future.Waiter
	Notifier  events.Notifier
	Metrics   *Metrics
}

// Client is the entry point for ledger operations. It is safe for
// concurrent use.
type Client struct {
	ids       IDGenerator
	placement EnsemblePlacement
	ledgers   LedgerManager
	bookies   BookieClient
	waiter    future.Waiter
	notifier  events.Notifier
	metrics   *Metrics

	closers []func() error
}

func New(c Collaborators) (*Client, error) {
	switch {
	case c.IDs == nil:
		return nil, fmt.Errorf("%w: id generator is required", ledger.ErrParameterValidation)
	case c.Placement == nil:
		return nil, fmt.Errorf("%w: ensemble placement is required", ledger.ErrParameterValidation)
	case c.Ledgers == nil:
		return nil, fmt.Errorf("%w: ledger manager is required", ledger.ErrParameterValidation)
	case c.Bookies == nil:
		return nil, fmt.Errorf("%w: bookie client is required", ledger.ErrParameterValidation)
	}
	if c.Waiter == nil {
		c.Waiter = future.BlockingWaiter{}
	}
	if c.Notifier == nil {
		c.Notifier = events.Noop{}
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	return &Client{
		ids:       c.IDs,
		placement: c.Placement,
		ledgers:   c.Ledgers,
		bookies:   c.Bookies,
		waiter:    c.Waiter,
		notifier:  c.Notifier,
		metrics:   c.Metrics,
	}, nil
}

// NewFromConfig configures logging and builds a client over the configured
// metadata backend and an in-process bookie cluster. reg may be nil.
func NewFromConfig(cfg Config, reg prometheus.Registerer) (*Client, *bookie.Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logs.Configure(logcfg.Load(cfg.LogConfig))

	var (
		ids     IDGenerator
		ledgers LedgerManager
		closers []func() error
	)
	switch cfg.MetadataBackend {
	case BackendFile:
		fm, err := metastore.OpenFileManagerWithConfig(metastore.FileConfig{Dir: cfg.MetadataDir, Verbose: cfg.Verbose})
		if err != nil {
			return nil, nil, err
		}
		ids, ledgers = fm, fm
		closers = append(closers, fm.Close)
	case BackendPebble:
		pm, err := metastore.OpenPebbleManager(cfg.MetadataDir)
		if err != nil {
			return nil, nil, err
		}
		ids, ledgers = pm, pm
		closers = append(closers, pm.Close)
	case BackendMemory:
		pm, err := metastore.OpenInMemoryPebbleManager()
		if err != nil {
			return nil, nil, err
		}
		ledgers = pm
		ids = idgen.NewSequence(0)
		closers = append(closers, pm.Close)
	}

	bookieIDs := make([]ledger.BookieID, 0, len(cfg.Bookies))
	for _, b := range cfg.Bookies {
		bookieIDs = append(bookieIDs, ledger.BookieID(b))
	}
	cluster := bookie.NewCluster(bookieIDs...)
	registry := placement.NewRegistryWith(bookieIDs...)

	var notifier events.Notifier = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kn := events.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		notifier = kn
		closers = append(closers, kn.Close)
	}

	c, err := New(Collaborators{
		IDs:       ids,
		Placement: placement.NewDefaultPlacement(registry),
		Ledgers:   ledgers,
		Bookies:   cluster,
		Waiter:    future.BlockingWaiter{Timeout: cfg.WaitTimeout()},
		Notifier:  notifier,
		Metrics:   NewMetrics(reg),
	})
	if err != nil {
		for _, closeFn := range closers {
			_ = closeFn()
		}
		return nil, nil, err
	}
	c.closers = closers
	logs.Infof("client ready: %s metadata, %d bookies", cfg.MetadataBackend, len(bookieIDs))
	return c, cluster, nil
}

// Close releases resources opened by NewFromConfig.
func (c *Client) Close() error {
	var errs []error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Admin returns the administrative view of this client.
func (c *Client) Admin() *Admin {
	return NewAdmin(OpenerFunc(func(ctx context.Context, id ledger.LedgerID) (EntryReader, error) {
		lh, err := c.OpenLedgerNoRecovery(ctx, id)
		if err != nil {
			return nil, err
		}
		return lh, nil
	}), c.waiter, c.metrics)
}

// DeleteLedger removes the ledger's metadata. Entries left on bookies are
// not reclaimed.
func (c *Client) DeleteLedger(ctx context.Context, id ledger.LedgerID) error {
	current, err := future.WaitValue(ctx, c.waiter, c.ledgers.ReadLedgerMetadata(ctx, id))
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if current == nil || current.Metadata == nil {
		return fmt.Errorf("delete %s: %w: no metadata", id, ledger.ErrInternalConsistency)
	}
	if _, err := future.WaitValue(ctx, c.waiter, c.ledgers.RemoveLedgerMetadata(ctx, id, current.Version)); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	c.publish(ctx, events.LedgerDeleted, current)
	logs.Infof("deleted ledger %s", id)
	return nil
}

// publish hands e to the notifier; failures are logged and swallowed.
func (c *Client) publish(ctx context.Context, t events.Type, v *ledger.Versioned) {
	if err := c.notifier.Publish(ctx, events.FromMetadata(t, v)); err != nil {
		logs.Warnf("failed to publish %s event for %s: %v", t, v.Metadata.LedgerID, err)
	}
}
