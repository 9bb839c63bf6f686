package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable(t *testing.T) *Table {
	t.Helper()

	tbl, err := NewTable(map[Kind]AccountMapping{
		KindFulfillment:      {AccountID: 201, AnalyticAccountID: 11},
		KindCommission:       {AccountID: 202, AnalyticAccountID: 12},
		KindRefundCommission: {AccountID: 203, AnalyticAccountID: 13},
		KindShipping:         {AccountID: 204, AnalyticAccountID: 14},
		KindPromoRebate:      {AccountID: 205, AnalyticAccountID: 15},
		KindStorage:          {AccountID: 206, AnalyticAccountID: 16},
	}, AccountMapping{AccountID: 100, AnalyticAccountID: 1})
	require.NoError(t, err)
	return tbl
}

func TestNewTableRequiresFullTaxonomy(t *testing.T) {
	_, err := NewTable(map[Kind]AccountMapping{
		KindCommission: {AccountID: 202},
	}, AccountMapping{AccountID: 100})
	assert.Error(t, err)

	_, err = NewTable(nil, AccountMapping{})
	assert.Error(t, err)
}

func TestResolveKnownCodes(t *testing.T) {
	tbl := testTable(t)

	cases := map[string]int64{
		"FBAPerUnitFulfillmentFee": 201,
		"FBAPerOrderFulfillmentFee": 201,
		"FBAWeightBasedFee":        201,
		"Commission":               202,
		"RefundCommission":         203,
		"ShippingCharge":           204,
		"FBAStorageFee":            206,
	}

	for code, want := range cases {
		m, ok := tbl.Resolve(code)
		require.True(t, ok, "code=%s", code)
		assert.Equal(t, want, m.AccountID, "code=%s", code)
	}
}

func TestResolveFallbacks(t *testing.T) {
	tbl := testTable(t)

	// Payment-method fees settle on the principal account.
	m, ok := tbl.Resolve("PaymentMethodFee")
	require.True(t, ok)
	assert.Equal(t, int64(100), m.AccountID)

	// Shipping chargebacks settle on the commission account.
	for _, code := range []string{"ShippingChargeback", "ShippingHB"} {
		m, ok := tbl.Resolve(code)
		require.True(t, ok, "code=%s", code)
		assert.Equal(t, int64(202), m.AccountID, "code=%s", code)
	}
}

func TestResolveUnknownCode(t *testing.T) {
	tbl := testTable(t)

	_, ok := tbl.Resolve("SomeNewFeeAmazonInvented")
	assert.False(t, ok)
}
