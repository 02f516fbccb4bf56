// Package types provides common value types used across credits.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrNotFinite is returned when a major-unit amount is NaN or infinite.
	ErrNotFinite = errors.New("money: amount is not a finite number")

	// ErrOutOfRange is returned when an amount does not fit in int64 cents.
	ErrOutOfRange = errors.New("money: amount out of range")
)

// maxCents is 2^63, the first float64 past math.MaxInt64.
const maxCents = float64(1 << 63)

// Money represents a monetary value in the smallest currency unit.
// Arithmetic is integer-only.
//
// Examples:
//   - USD(1000) = $10.00
//   - USD(400)  = $4.00
type Money struct {
	Amount   int64  `json:"amount"`   // Smallest unit (cents)
	Currency string `json:"currency"` // ISO 4217 lowercase
}

// USD creates a Money value in US Dollars (cents).
func USD(cents int64) Money { return Money{Amount: cents, Currency: "usd"} }

// Zero returns a zero USD value.
func Zero() Money { return USD(0) }

// ParseUSD converts a dollar amount to cents, rounding half away from zero.
func ParseUSD(dollars float64) (Money, error) {
	if math.IsNaN(dollars) || math.IsInf(dollars, 0) {
		return Money{}, ErrNotFinite
	}
	cents := math.Round(dollars * 100)
	if cents >= maxCents || cents < -maxCents {
		return Money{}, ErrOutOfRange
	}
	return USD(int64(cents)), nil
}

// Add adds two Money values. Panics if currencies don't match.
func (m Money) Add(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount + other.Amount, Currency: m.currency()}
}

// CheckedAdd adds two Money values and returns ErrOutOfRange instead of
// wrapping around. Panics if currencies don't match.
func (m Money) CheckedAdd(other Money) (Money, error) {
	m.assertSameCurrency(other)
	sum := m.Amount + other.Amount
	if (other.Amount > 0 && sum < m.Amount) || (other.Amount < 0 && sum > m.Amount) {
		return Money{}, ErrOutOfRange
	}
	return Money{Amount: sum, Currency: m.currency()}, nil
}

// Subtract subtracts another Money value. Panics if currencies don't match.
func (m Money) Subtract(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount - other.Amount, Currency: m.currency()}
}

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// IsNegative returns true if the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Equal returns true if both Money values have the same amount and currency.
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.currency() == other.currency()
}

// IsUSD reports whether m is denominated in US Dollars.
func (m Money) IsUSD() bool { return m.currency() == "usd" }

// ClampZero returns m, or zero when m is negative.
func (m Money) ClampZero() Money {
	if m.Amount < 0 {
		return Money{Amount: 0, Currency: m.currency()}
	}
	return m
}

// Major returns the amount in major units rounded to two decimals,
// e.g. 20.0 for USD(2000).
func (m Money) Major() float64 {
	return float64(m.Amount) / 100
}

// FormatMajor returns the major unit string without symbol: "49.00" for USD(4900).
func (m Money) FormatMajor() string {
	abs := m.Amount
	sign := ""
	if abs < 0 {
		abs = -abs
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%02d", sign, abs/100, abs%100)
}

// String returns a human-readable string such as "$49.00".
func (m Money) String() string {
	return currencySymbol(m.currency()) + m.FormatMajor()
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.currency(),
		Display:  m.String(),
	})
}

// UnmarshalJSON implements json.Unmarshaler. The display field is ignored.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Amount = raw.Amount
	m.Currency = strings.ToLower(raw.Currency)
	return nil
}

// currency treats an unset currency as USD so zero values compose.
func (m Money) currency() string {
	if m.Currency == "" {
		return "usd"
	}
	return m.Currency
}

func (m Money) assertSameCurrency(other Money) {
	if m.currency() != other.currency() {
		panic(fmt.Sprintf("money: currency mismatch: %s != %s", m.Currency, other.Currency))
	}
}

func currencySymbol(currency string) string {
	if strings.EqualFold(currency, "usd") {
		return "$"
	}
	return strings.ToUpper(currency) + " "
}
