package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is an exact-decimal amount in a single ISO-4217 currency.
// Amounts are never stored as binary floats; construction goes through
// decimal strings so upstream payload values round-trip losslessly.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// New builds Money from a decimal string such as "198.83".
func New(amount, currency string) (Money, error) {
	if currency == "" {
		return Money{}, errors.New("currency is required")
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid decimal amount %q: %w", amount, err)
	}

	return Money{Amount: d, Currency: currency}, nil
}

// MustNew is New panicking on error, for static tables and tests.
func MustNew(amount, currency string) Money {
	m, err := New(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// FromDecimal wraps an already-exact decimal.
func FromDecimal(d decimal.Decimal, currency string) Money {
	return Money{Amount: d, Currency: currency}
}

// Add returns m + other. Currencies must match.
func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Sub returns m - other. Currencies must match.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// Neg returns the amount with its sign flipped.
func (m Money) Neg() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

// Abs returns the absolute amount.
func (m Money) Abs() Money {
	return Money{Amount: m.Amount.Abs(), Currency: m.Currency}
}

// Mul multiplies the amount by an integer quantity.
func (m Money) Mul(qty int64) Money {
	return Money{Amount: m.Amount.Mul(decimal.NewFromInt(qty)), Currency: m.Currency}
}

// DivInt divides the amount by an integer quantity (banker-safe enough for
// per-unit prices; callers must not divide by zero).
func (m Money) DivInt(qty int64) Money {
	return Money{Amount: m.Amount.Div(decimal.NewFromInt(qty)), Currency: m.Currency}
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool {
	return m.Amount.IsNegative()
}

// Equals is value equality: same currency and numerically equal amount
// (1.50 equals 1.5).
func (m Money) Equals(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

// String renders the amount followed by the currency code, e.g. "198.83 EGP".
func (m Money) String() string {
	return m.Amount.String() + " " + m.Currency
}

func (m Money) sameCurrency(other Money) error {
	if m.Currency != other.Currency {
		return fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return nil
}
