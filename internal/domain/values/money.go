package values

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a fixed-point monetary value with exactly two fractional digits.
// All auction math happens on this type; floats only appear at the wire
// boundary and are converted through decimal with explicit rounding.
type Money struct {
	amount decimal.Decimal
}

// floatNoise bounds the binary-representation error tolerated when a JSON
// number is converted to two-decimal fixed point. Anything larger means the
// client really sent more than two fractional digits.
var floatNoise = decimal.New(1, -9) // 1e-9

// NewMoney creates Money from a decimal, rejecting more than two fractional digits.
func NewMoney(amount decimal.Decimal) (Money, error) {
	if !amount.Equal(amount.Truncate(2)) {
		return Money{}, fmt.Errorf("amount %s has more than two fractional digits", amount)
	}
	return Money{amount: amount}, nil
}

// NewMoneyFromString creates Money from a decimal string like "110.00".
func NewMoneyFromString(s string) (Money, error) {
	dec, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount: %w", err)
	}
	return NewMoney(dec)
}

// NewMoneyFromFloat converts a wire float to Money. Binary drift below
// floatNoise is absorbed by half-even rounding at two decimals; anything
// beyond that is rejected as a genuine three-plus-digit amount.
func NewMoneyFromFloat(f float64) (Money, error) {
	dec := decimal.NewFromFloat(f)
	rounded := dec.RoundBank(2)
	if dec.Sub(rounded).Abs().GreaterThan(floatNoise) {
		return Money{}, fmt.Errorf("amount %v has more than two fractional digits", f)
	}
	return Money{amount: rounded}, nil
}

// MustMoney creates Money from a string and panics on error (for tests/constants).
func MustMoney(s string) Money {
	m, err := NewMoneyFromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns the zero Money value.
func Zero() Money {
	return Money{amount: decimal.Zero}
}

// Amount returns the underlying decimal.
func (m Money) Amount() decimal.Decimal {
	return m.amount
}

// String returns the canonical two-decimal form, e.g. "110.00".
func (m Money) String() string {
	return m.amount.StringFixed(2)
}

// Float64 converts to float64 for the wire. Two-decimal values round-trip
// exactly through float64 within the ranges an auction sees.
func (m Money) Float64() float64 {
	f, _ := m.amount.Float64()
	return f
}

func (m Money) IsZero() bool {
	return m.amount.IsZero()
}

func (m Money) IsPositive() bool {
	return m.amount.IsPositive()
}

// Add returns m + other.
func (m Money) Add(other Money) Money {
	return Money{amount: m.amount.Add(other.amount)}
}

// Cmp returns -1, 0, or 1 comparing m to other.
func (m Money) Cmp(other Money) int {
	return m.amount.Cmp(other.amount)
}

// Equal reports whether two Money values are numerically equal.
func (m Money) Equal(other Money) bool {
	return m.amount.Equal(other.amount)
}

// LessThan reports m < other.
func (m Money) LessThan(other Money) bool {
	return m.amount.LessThan(other.amount)
}

// MarshalJSON emits a plain JSON number with two decimals.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.amount.StringFixed(2)), nil
}

// UnmarshalJSON accepts a JSON number or quoted decimal string.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dec, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid money value %q: %w", s, err)
	}
	money, err := NewMoney(dec)
	if err != nil {
		return err
	}
	*m = money
	return nil
}

// Scan implements sql.Scanner for NUMERIC columns.
func (m *Money) Scan(value interface{}) error {
	if value == nil {
		*m = Money{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return m.scanString(string(v))
	case string:
		return m.scanString(v)
	case float64:
		money, err := NewMoneyFromFloat(v)
		if err != nil {
			return err
		}
		*m = money
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Money", value)
	}
}

// Value implements driver.Valuer; stores the canonical decimal string.
func (m Money) Value() (driver.Value, error) {
	return m.amount.StringFixed(2), nil
}

func (m *Money) scanString(s string) error {
	dec, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid money format: %w", err)
	}
	// Stored values are trusted; normalize rather than reject.
	*m = Money{amount: dec.RoundBank(2)}
	return nil
}
