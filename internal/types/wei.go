package types

import (
	"database/sql/driver"
	"fmt"

	"github.com/holiman/uint256"
)

// Wei is a 256-bit unsigned integer amount, as emitted on-chain. It never
// passes through a native float: JSON encodes it as a decimal string and
// the relational store persists it as NUMERIC.
type Wei struct {
	u256 uint256.Int
}

// NewWei wraps a uint64 amount, mainly for tests and fixtures.
func NewWei(v uint64) Wei {
	var w Wei
	w.u256.SetUint64(v)
	return w
}

// NewWeiFromUint256 wraps an existing uint256.Int, copying it so the
// caller's value can continue to be mutated independently.
func NewWeiFromUint256(v *uint256.Int) Wei {
	var w Wei
	w.u256 = *v
	return w
}

// ParseWei parses a base-10 string into a Wei amount.
func ParseWei(s string) (Wei, error) {
	var w Wei
	if err := w.u256.SetFromDecimal(s); err != nil {
		return Wei{}, fmt.Errorf("parse wei %q: %w", s, err)
	}
	return w, nil
}

// Int exposes the underlying uint256.Int for arithmetic.
func (w Wei) Int() *uint256.Int {
	cp := w.u256
	return &cp
}

// Cmp compares two Wei amounts.
func (w Wei) Cmp(other Wei) int {
	return w.u256.Cmp(&other.u256)
}

// Add returns w + other.
func (w Wei) Add(other Wei) Wei {
	var out Wei
	out.u256.Add(&w.u256, &other.u256)
	return out
}

// Sub returns w - other. Callers must not underflow; the state updater
// never subtracts more than has been contributed.
func (w Wei) Sub(other Wei) Wei {
	var out Wei
	out.u256.Sub(&w.u256, &other.u256)
	return out
}

// IsZero reports whether the amount is zero.
func (w Wei) IsZero() bool {
	return w.u256.IsZero()
}

func (w Wei) String() string {
	return w.u256.Dec()
}

// MarshalJSON encodes the amount as a decimal string, per the wire format
// in spec.md §6 ("amounts as decimal strings to avoid precision loss").
func (w Wei) MarshalJSON() ([]byte, error) {
	return []byte(`"` + w.u256.Dec() + `"`), nil
}

// UnmarshalJSON decodes a decimal-string amount.
func (w *Wei) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		w.u256 = uint256.Int{}
		return nil
	}
	return w.u256.SetFromDecimal(s)
}

// Value implements driver.Valuer so pgx can bind this directly to a
// NUMERIC column.
func (w Wei) Value() (driver.Value, error) {
	return w.u256.Dec(), nil
}

// Scan implements sql.Scanner for reading a NUMERIC column back.
func (w *Wei) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return w.u256.SetFromDecimal(v)
	case []byte:
		return w.u256.SetFromDecimal(string(v))
	case nil:
		w.u256 = uint256.Int{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Wei", src)
	}
}
