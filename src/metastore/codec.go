package metastore

import (
	"fmt"

	"github.com/danmuck/dps_ledgers/src/ledger"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary metadata record. The layout is a protobuf
// message so that records stay readable by other protobuf tooling:
//
//	message LedgerMetadataFormat {
//	  int32  format_version = 1;  int64 ledger_id = 2;
//	  int32  ensemble_size  = 3;  int32 write_quorum_size = 4;
//	  int32  ack_quorum_size = 5; int32 digest_type = 6;
//	  bytes  password = 7;        repeated string ensemble = 8;
//	  int32  state = 9;           int64 last_entry_id = 10;
//	  int64  length = 11;         int64 creation_time = 12;
//	  repeated CustomEntry custom_metadata = 13;
//	}
//	message VersionedRecord { int64 version = 1; LedgerMetadataFormat metadata = 2; }
const (
	fieldFormatVersion  protowire.Number = 1
	fieldLedgerID       protowire.Number = 2
	fieldEnsembleSize   protowire.Number = 3
	fieldWriteQuorum    protowire.Number = 4
	fieldAckQuorum      protowire.Number = 5
	fieldDigestType     protowire.Number = 6
	fieldPassword       protowire.Number = 7
	fieldEnsemble       protowire.Number = 8
	fieldState          protowire.Number = 9
	fieldLastEntryID    protowire.Number = 10
	fieldLength         protowire.Number = 11
	fieldCreationTime   protowire.Number = 12
	fieldCustomMetadata protowire.Number = 13

	fieldCustomKey   protowire.Number = 1
	fieldCustomValue protowire.Number = 2

	fieldRecordVersion  protowire.Number = 1
	fieldRecordMetadata protowire.Number = 2
)

// MarshalMetadata encodes md in the binary record format.
func MarshalMetadata(md *ledger.LedgerMetadata) []byte {
	var b []byte
	b = appendVarint(b, fieldFormatVersion, uint64(md.FormatVersion))
	b = appendVarint(b, fieldLedgerID, uint64(md.LedgerID))
	b = appendVarint(b, fieldEnsembleSize, uint64(md.Policy.EnsembleSize))
	b = appendVarint(b, fieldWriteQuorum, uint64(md.Policy.WriteQuorumSize))
	b = appendVarint(b, fieldAckQuorum, uint64(md.Policy.AckQuorumSize))
	b = appendVarint(b, fieldDigestType, uint64(md.DigestType))
	if md.Password != nil {
		b = protowire.AppendTag(b, fieldPassword, protowire.BytesType)
		b = protowire.AppendBytes(b, md.Password)
	}
	for _, bookie := range md.Ensemble {
		b = protowire.AppendTag(b, fieldEnsemble, protowire.BytesType)
		b = protowire.AppendString(b, string(bookie))
	}
	b = appendVarint(b, fieldState, uint64(md.State))
	b = appendVarint(b, fieldLastEntryID, uint64(md.LastEntryID))
	b = appendVarint(b, fieldLength, uint64(md.Length))
	b = appendVarint(b, fieldCreationTime, uint64(md.CreationTime))
	for k, v := range md.CustomMetadata {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldCustomKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, fieldCustomValue, protowire.BytesType)
		entry = protowire.AppendBytes(entry, v)

		b = protowire.AppendTag(b, fieldCustomMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// UnmarshalMetadata decodes a record produced by MarshalMetadata. Unknown
// fields are skipped.
func UnmarshalMetadata(b []byte) (*ledger.LedgerMetadata, error) {
	md := &ledger.LedgerMetadata{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("metadata tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("metadata field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			setVarintField(md, num, v)

		case typ == protowire.BytesType && num == fieldPassword:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("metadata password: %w", protowire.ParseError(n))
			}
			b = b[n:]
			md.Password = append([]byte{}, v...)

		case typ == protowire.BytesType && num == fieldEnsemble:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("metadata ensemble: %w", protowire.ParseError(n))
			}
			b = b[n:]
			md.Ensemble = append(md.Ensemble, ledger.BookieID(v))

		case typ == protowire.BytesType && num == fieldCustomMetadata:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("metadata custom entry: %w", protowire.ParseError(n))
			}
			b = b[n:]
			key, value, err := unmarshalCustomEntry(v)
			if err != nil {
				return nil, err
			}
			if md.CustomMetadata == nil {
				md.CustomMetadata = make(map[string][]byte)
			}
			md.CustomMetadata[key] = value

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("metadata field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return md, nil
}

func setVarintField(md *ledger.LedgerMetadata, num protowire.Number, v uint64) {
	switch num {
	case fieldFormatVersion:
		md.FormatVersion = int(v)
	case fieldLedgerID:
		md.LedgerID = ledger.LedgerID(v)
	case fieldEnsembleSize:
		md.Policy.EnsembleSize = int(v)
	case fieldWriteQuorum:
		md.Policy.WriteQuorumSize = int(v)
	case fieldAckQuorum:
		md.Policy.AckQuorumSize = int(v)
	case fieldDigestType:
		md.DigestType = ledger.DigestType(v)
	case fieldState:
		md.State = ledger.State(v)
	case fieldLastEntryID:
		md.LastEntryID = int64(v)
	case fieldLength:
		md.Length = int64(v)
	case fieldCreationTime:
		md.CreationTime = int64(v)
	}
}

func unmarshalCustomEntry(b []byte) (string, []byte, error) {
	var key string
	var value []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, fmt.Errorf("custom entry tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType || (num != fieldCustomKey && num != fieldCustomValue) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, fmt.Errorf("custom entry field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", nil, fmt.Errorf("custom entry field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldCustomKey {
			key = string(v)
		} else {
			value = append([]byte{}, v...)
		}
	}
	return key, value, nil
}

// marshalRecord wraps encoded metadata with its store version.
func marshalRecord(v *ledger.Versioned) []byte {
	var b []byte
	b = appendVarint(b, fieldRecordVersion, uint64(v.Version))
	b = protowire.AppendTag(b, fieldRecordMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, MarshalMetadata(v.Metadata))
	return b
}

func unmarshalRecord(b []byte) (*ledger.Versioned, error) {
	out := &ledger.Versioned{Version: ledger.NoVersion}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("record tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldRecordVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("record version: %w", protowire.ParseError(n))
			}
			b = b[n:]
			out.Version = int64(v)
		case num == fieldRecordMetadata && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("record metadata: %w", protowire.ParseError(n))
			}
			b = b[n:]
			md, err := UnmarshalMetadata(v)
			if err != nil {
				return nil, err
			}
			out.Metadata = md
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("record field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if out.Metadata == nil {
		return nil, fmt.Errorf("%w: record without metadata", ledger.ErrInternalConsistency)
	}
	return out, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
