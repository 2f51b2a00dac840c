package client

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/dps_ledgers/src/events"
	"github.com/danmuck/dps_ledgers/src/future"
	"github.com/danmuck/dps_ledgers/src/ledger"
	logs "github.com/danmuck/smplog"
)

type createOptions struct {
	custom map[string][]byte
}

// CreateOption customises CreateLedger.
type CreateOption func(*createOptions)

// WithCustomMetadata attaches application key/value pairs to the ledger
// metadata.
func WithCustomMetadata(custom map[string][]byte) CreateOption {
	return func(o *createOptions) {
		o.custom = custom
	}
}

// CreateLedger creates a ledger and returns a writable handle bound to its
// committed metadata. Parameters are validated before any collaborator is
// touched; each later stage reports its own error (ledger.ErrAllocation,
// ledger.ErrSelection, ledger.ErrCommit) wrapping the cause. Nothing is
// retried.
func (c *Client) CreateLedger(ctx context.Context, ensembleSize, writeQuorumSize, ackQuorumSize int,
	digestType ledger.DigestType, password []byte, opts ...CreateOption) (lh *LedgerHandle, err error) {
	start := time.Now()
	defer func() { c.metrics.observeCreate(start, err) }()

	policy := ledger.ReplicationPolicy{
		EnsembleSize:    ensembleSize,
		WriteQuorumSize: writeQuorumSize,
		AckQuorumSize:   ackQuorumSize,
	}
	if err := validateCreate(policy, digestType, password); err != nil {
		return nil, err
	}
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	idFuture := future.New[ledger.LedgerID]()
	c.ids.GenerateLedgerID(ctx, future.CallbackFor(idFuture))
	id, err := future.WaitValue(ctx, c.waiter, idFuture)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrAllocation, err)
	}
	if !id.Valid() {
		return nil, fmt.Errorf("%w: generator returned %s", ledger.ErrAllocation, id)
	}
	logs.Debugf("allocated ledger id %s", id)

	ensemble, err := c.placement.NewEnsemble(ensembleSize, writeQuorumSize, ackQuorumSize, nil)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %w", ledger.ErrSelection, id, err)
	}
	if len(ensemble) != ensembleSize || ensemble.HasDuplicates() {
		return nil, fmt.Errorf("%w for %s: placement returned %s for ensemble size %d",
			ledger.ErrSelection, id, ensemble, ensembleSize)
	}

	md := ledger.NewLedgerMetadata(id, policy, ensemble, digestType, password, o.custom)
	committed, err := future.WaitValue(ctx, c.waiter, c.ledgers.CreateLedgerMetadata(ctx, id, md))
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %w", ledger.ErrCommit, id, err)
	}
	if committed == nil || committed.Metadata == nil {
		return nil, fmt.Errorf("%w: commit of %s resolved without metadata", ledger.ErrInternalConsistency, id)
	}

	lh, err = newHandle(c, committed, ledger.LastAddConfirmed, true)
	if err != nil {
		return nil, err
	}
	c.publish(ctx, events.LedgerCreated, committed)
	logs.Infof("created ledger %s", committed.Metadata)
	return lh, nil
}

// validateCreate covers the checks that must fail before id allocation.
func validateCreate(policy ledger.ReplicationPolicy, digestType ledger.DigestType, password []byte) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	if !digestType.Known() {
		return fmt.Errorf("%w: unknown digest type %s", ledger.ErrParameterValidation, digestType)
	}
	if password == nil && digestType.RequiresPassword() {
		return fmt.Errorf("%w: %s digest requires a password", ledger.ErrParameterValidation, digestType)
	}
	return nil
}
