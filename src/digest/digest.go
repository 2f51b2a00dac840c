// Package digest packages entry payloads with the ledger's checksum and
// verifies them on read.
//
// Packet layout (big endian):
//
//	[ledger id:8][entry id:8][last add confirmed:8][length:8][digest:n][payload]
//
// The digest covers the 32 byte header and the payload.
package digest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"

	"github.com/danmuck/dps_ledgers/src/ledger"
)

const HeaderSize = 32

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Packet is a verified, unpacked entry.
type Packet struct {
	LedgerID         ledger.LedgerID
	EntryID          int64
	LastAddConfirmed int64
	Length           int64
	Payload          []byte
}

// Manager computes and checks digests for one ledger.
type Manager struct {
	ledgerID ledger.LedgerID
	typ      ledger.DigestType
	size     int
	newHash  func() hash.Hash
}

// New returns the manager for typ. The password is required for every
// variant; for MAC it is the HMAC key material.
func New(ledgerID ledger.LedgerID, typ ledger.DigestType, password []byte) (*Manager, error) {
	if password == nil && typ.RequiresPassword() {
		return nil, fmt.Errorf("%w: %s digest requires a password", ledger.ErrParameterValidation, typ)
	}

	m := &Manager{ledgerID: ledgerID, typ: typ}
	switch typ {
	case ledger.DigestCRC32:
		m.size = 8
		m.newHash = func() hash.Hash { return crc32.NewIEEE() }
	case ledger.DigestCRC32C:
		m.size = 4
		m.newHash = func() hash.Hash { return crc32.New(castagnoli) }
	case ledger.DigestMAC:
		key := MacKey(password)
		m.size = sha1.Size
		m.newHash = func() hash.Hash { return hmac.New(sha1.New, key) }
	case ledger.DigestDummy:
		m.size = 0
	default:
		return nil, fmt.Errorf("%w: unsupported digest type %s", ledger.ErrParameterValidation, typ)
	}
	return m, nil
}

// MacKey derives the HMAC key from a ledger password.
func MacKey(password []byte) []byte {
	h := sha1.New()
	h.Write([]byte("ledger"))
	h.Write(password)
	return h.Sum(nil)
}

// Type returns the digest variant.
func (m *Manager) Type() ledger.DigestType {
	return m.typ
}

// Size returns the digest length in bytes.
func (m *Manager) Size() int {
	return m.size
}

// Package builds the on-wire packet for one entry.
func (m *Manager) Package(entryID, lastAddConfirmed, length int64, payload []byte) []byte {
	buf := make([]byte, HeaderSize+m.size+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(m.ledgerID))
	binary.BigEndian.PutUint64(buf[8:16], uint64(entryID))
	binary.BigEndian.PutUint64(buf[16:24], uint64(lastAddConfirmed))
	binary.BigEndian.PutUint64(buf[24:32], uint64(length))
	copy(buf[HeaderSize+m.size:], payload)

	sum := m.compute(buf[:HeaderSize], payload)
	copy(buf[HeaderSize:HeaderSize+m.size], sum)
	return buf
}

// Verify checks packet against the expected entry id and returns its
// contents. Any mismatch is reported as ledger.ErrDigestMismatch.
func (m *Manager) Verify(entryID int64, packet []byte) (Packet, error) {
	if len(packet) < HeaderSize+m.size {
		return Packet{}, fmt.Errorf("%w: packet too short (%d bytes)", ledger.ErrDigestMismatch, len(packet))
	}

	header := packet[:HeaderSize]
	stored := packet[HeaderSize : HeaderSize+m.size]
	payload := packet[HeaderSize+m.size:]

	if m.size > 0 && !hmac.Equal(stored, m.compute(header, payload)) {
		return Packet{}, fmt.Errorf("%w: entry %d of %s", ledger.ErrDigestMismatch, entryID, m.ledgerID)
	}

	p := Packet{
		LedgerID:         ledger.LedgerID(binary.BigEndian.Uint64(header[0:8])),
		EntryID:          int64(binary.BigEndian.Uint64(header[8:16])),
		LastAddConfirmed: int64(binary.BigEndian.Uint64(header[16:24])),
		Length:           int64(binary.BigEndian.Uint64(header[24:32])),
		Payload:          append([]byte(nil), payload...),
	}
	if p.LedgerID != m.ledgerID {
		return Packet{}, fmt.Errorf("%w: packet belongs to %s, expected %s", ledger.ErrDigestMismatch, p.LedgerID, m.ledgerID)
	}
	if entryID != ledger.LastAddConfirmed && p.EntryID != entryID {
		return Packet{}, fmt.Errorf("%w: packet holds entry %d, expected %d", ledger.ErrDigestMismatch, p.EntryID, entryID)
	}
	return p, nil
}

func (m *Manager) compute(header, payload []byte) []byte {
	if m.size == 0 {
		return nil
	}
	h := m.newHash()
	h.Write(header)
	h.Write(payload)
	sum := h.Sum(nil)

	// CRC32 is stored widened to 8 bytes
	if len(sum) < m.size {
		wide := make([]byte, m.size)
		copy(wide[m.size-len(sum):], sum)
		return wide
	}
	return sum[:m.size]
}
