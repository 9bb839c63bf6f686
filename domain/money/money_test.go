package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMoney(t *testing.T) {
	m, err := New("198.83", "EGP")
	require.NoError(t, err)
	assert.Equal(t, "198.83 EGP", m.String())

	_, err = New("not-a-number", "EGP")
	assert.Error(t, err)

	_, err = New("1.00", "")
	assert.Error(t, err)
}

func TestMoneyArithmetic(t *testing.T) {
	a := MustNew("100.00", "USD")
	b := MustNew("0.10", "USD")

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.True(t, sum.Equals(MustNew("100.10", "USD")))

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.True(t, diff.Equals(MustNew("99.90", "USD")))

	assert.True(t, MustNew("-21.66", "USD").IsNegative())
	assert.True(t, MustNew("21.66", "USD").Neg().IsNegative())
	assert.True(t, Zero("USD").IsZero())
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	a := MustNew("1.00", "USD")
	b := MustNew("1.00", "EGP")

	_, err := a.Add(b)
	assert.Error(t, err)

	_, err = a.Sub(b)
	assert.Error(t, err)
}

func TestMoneyValueEquality(t *testing.T) {
	// Trailing zeros do not matter: equality is numeric.
	assert.True(t, MustNew("1.50", "USD").Equals(MustNew("1.5", "USD")))
	assert.False(t, MustNew("1.50", "USD").Equals(MustNew("1.50", "EGP")))
}

func TestMoneyJSONRoundTrip(t *testing.T) {
	m := MustNew("198.83", "EGP")

	data, err := json.Marshal(m)
	require.NoError(t, err)
	// Amounts serialize as decimal strings, never floats.
	assert.JSONEq(t, `{"amount":"198.83","currency":"EGP"}`, string(data))

	var back Money
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, m.Equals(back))
}

func TestOrderIDFormat(t *testing.T) {
	id, err := NewOrderID("171-3322844-9760332")
	require.NoError(t, err)
	assert.Equal(t, "171-3322844-9760332", id.String())

	for _, raw := range []string{
		"",
		"171-3322844",
		"1713322844-9760332",
		"abc-1234567-1234567",
		"1711-3322844-9760332",
	} {
		_, err := NewOrderID(raw)
		assert.Error(t, err, "raw=%q", raw)
	}
}

func TestExecutionIDUnique(t *testing.T) {
	a := NewExecutionID()
	b := NewExecutionID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
