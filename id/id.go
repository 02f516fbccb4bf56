// Package id defines TypeID-based identity types for credits entities.
//
// Credit events and sync attempts carry an ID whose prefix names the entity
// type. IDs are K-sortable (UUIDv7-based), globally unique and URL-safe in
// the format "prefix_suffix". User balances are keyed by normalized email
// and have no ID of their own.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for credits entity types.
const (
	PrefixCreditEvent Prefix = "cevt"  // Ledger entry
	PrefixSyncAttempt Prefix = "bsync" // Budget sync attempt
	PrefixRequest     Prefix = "req"   // Inbound API request
)

// ID wraps a TypeID providing a prefix-qualified, sortable identifier.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string such as "cevt_01h2xcejqtf2nbrexx3vqjhp41".
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and checks that its prefix is expected.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// CreditEventID identifies a ledger entry (prefix: "cevt").
type CreditEventID = ID

// SyncAttemptID identifies a budget sync attempt (prefix: "bsync").
type SyncAttemptID = ID

// NewCreditEventID generates a new ledger entry ID.
func NewCreditEventID() ID { return New(PrefixCreditEvent) }

// NewSyncAttemptID generates a new sync attempt ID.
func NewSyncAttemptID() ID { return New(PrefixSyncAttempt) }

// NewRequestID generates a new request ID.
func NewRequestID() ID { return New(PrefixRequest) }

// ParseCreditEventID parses a string and validates the "cevt" prefix.
func ParseCreditEventID(s string) (ID, error) { return ParseWithPrefix(s, PrefixCreditEvent) }

// ParseSyncAttemptID parses a string and validates the "bsync" prefix.
func ParseSyncAttemptID(s string) (ID, error) { return ParseWithPrefix(s, PrefixSyncAttempt) }

// String returns the TypeID string, or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil

		return nil
	}

	switch v := src.(type) {
	case string:
		if v == "" {
			*i = Nil

			return nil
		}

		return i.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 0 {
			*i = Nil

			return nil
		}

		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
