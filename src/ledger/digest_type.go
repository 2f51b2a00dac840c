package ledger

import (
	"fmt"
	"strings"
)

// DigestType selects the checksum scheme bound to a ledger at creation.
// The zero value means "absent" and is rejected by validation.
type DigestType int

const (
	DigestUnknown DigestType = iota
	DigestCRC32
	DigestMAC
	DigestCRC32C
	DigestDummy
)

var digestNames = map[DigestType]string{
	DigestCRC32:  "CRC32",
	DigestMAC:    "MAC",
	DigestCRC32C: "CRC32C",
	DigestDummy:  "DUMMY",
}

func (d DigestType) String() string {
	if name, ok := digestNames[d]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(d))
}

// Known reports whether d names a supported digest variant.
func (d DigestType) Known() bool {
	_, ok := digestNames[d]
	return ok
}

// RequiresPassword reports whether a nil password is a usage error for d.
// Every variant derives per-ledger key material from the password, so only
// the absent digest type answers false.
func (d DigestType) RequiresPassword() bool {
	return d.Known()
}

// ParseDigestType accepts the names produced by String, case-insensitively.
func ParseDigestType(s string) (DigestType, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	for d, name := range digestNames {
		if name == norm {
			return d, nil
		}
	}
	return DigestUnknown, fmt.Errorf("%w: unknown digest type %q", ErrParameterValidation, s)
}

func (d DigestType) MarshalText() ([]byte, error) {
	if !d.Known() {
		return nil, fmt.Errorf("%w: cannot encode digest type %d", ErrParameterValidation, int(d))
	}
	return []byte(d.String()), nil
}

func (d *DigestType) UnmarshalText(text []byte) error {
	parsed, err := ParseDigestType(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
