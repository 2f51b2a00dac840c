package ledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrParameterValidation = errors.New("invalid ledger parameters")

	// ErrIllegalQuorum is a parameter validation failure for quorum sizes that
	// cannot be satisfied by the ensemble (ack > write or write > ensemble).
	ErrIllegalQuorum = fmt.Errorf("%w: illegal quorum sizes", ErrParameterValidation)

	ErrLedgerNotFound      = errors.New("no such ledger exists")
	ErrEntryNotFound       = errors.New("no such entry")
	ErrNoMoreEntries       = errors.New("no more entries")
	ErrAllocation          = errors.New("ledger id allocation failed")
	ErrSelection           = errors.New("ensemble selection failed")
	ErrNotEnoughBookies    = errors.New("not enough bookies available")
	ErrCommit              = errors.New("ledger metadata commit failed")
	ErrLedgerExists        = errors.New("ledger already exists")
	ErrMetadataVersion     = errors.New("ledger metadata version conflict")
	ErrTimeout             = errors.New("timed out waiting for result")
	ErrInternalConsistency = errors.New("internal consistency violation")
	ErrDigestMismatch      = errors.New("entry digest mismatch")
	ErrLedgerClosed        = errors.New("ledger is closed")
	ErrBookieUnavailable   = errors.New("bookie handle not available")
	ErrAckQuorum           = errors.New("not enough acks to satisfy ack quorum")
	ErrUnexpected          = errors.New("unexpected condition")
)

// Code is a numeric completion status delivered to callbacks by the
// asynchronous collaborators (id generator, bookies, metadata managers).
type Code int

const (
	CodeOK                   Code = 0
	CodeRead                 Code = -1
	CodeQuorum               Code = -2
	CodeDigestMatch          Code = -5
	CodeNotEnoughBookies     Code = -6
	CodeNoSuchLedger         Code = -7
	CodeBookieHandleNotAvail Code = -8
	CodeMetaStore            Code = -9
	CodeLedgerClosed         Code = -11
	CodeWrite                Code = -12
	CodeNoSuchEntry          Code = -13
	CodeIncorrectParameter   Code = -14
	CodeMetadataVersion      Code = -17
	CodeLedgerExists         Code = -20
	CodeTimeout              Code = -23
	CodeUnexpected           Code = -999
)

var codeErrors = map[Code]error{
	CodeRead:                 ErrEntryNotFound,
	CodeQuorum:               ErrAckQuorum,
	CodeDigestMatch:          ErrDigestMismatch,
	CodeNotEnoughBookies:     ErrNotEnoughBookies,
	CodeNoSuchLedger:         ErrLedgerNotFound,
	CodeBookieHandleNotAvail: ErrBookieUnavailable,
	CodeMetaStore:            ErrCommit,
	CodeLedgerClosed:         ErrLedgerClosed,
	CodeWrite:                ErrAckQuorum,
	CodeNoSuchEntry:          ErrEntryNotFound,
	CodeIncorrectParameter:   ErrParameterValidation,
	CodeMetadataVersion:      ErrMetadataVersion,
	CodeLedgerExists:         ErrLedgerExists,
	CodeTimeout:              ErrTimeout,
	CodeUnexpected:           ErrUnexpected,
}

// Err returns the sentinel error for c, or nil for CodeOK.
func (c Code) Err() error {
	if c == CodeOK {
		return nil
	}
	if err, ok := codeErrors[c]; ok {
		return err
	}
	return fmt.Errorf("%w: code %d", ErrUnexpected, int(c))
}

func (c Code) String() string {
	if c == CodeOK {
		return "OK"
	}
	return c.Err().Error()
}

// CodeOf maps err back onto a completion code. Unknown errors become
// CodeUnexpected. Context expiry is reported as CodeTimeout.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrParameterValidation):
		return CodeIncorrectParameter
	case errors.Is(err, ErrLedgerNotFound):
		return CodeNoSuchLedger
	case errors.Is(err, ErrEntryNotFound):
		return CodeNoSuchEntry
	case errors.Is(err, ErrDigestMismatch):
		return CodeDigestMatch
	case errors.Is(err, ErrNotEnoughBookies):
		return CodeNotEnoughBookies
	case errors.Is(err, ErrLedgerExists):
		return CodeLedgerExists
	case errors.Is(err, ErrMetadataVersion):
		return CodeMetadataVersion
	case errors.Is(err, ErrLedgerClosed):
		return CodeLedgerClosed
	case errors.Is(err, ErrBookieUnavailable):
		return CodeBookieHandleNotAvail
	case errors.Is(err, ErrAckQuorum):
		return CodeWrite
	case errors.Is(err, ErrCommit):
		return CodeMetaStore
	}
	return CodeUnexpected
}
