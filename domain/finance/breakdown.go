// Package finance turns raw marketplace financial-event payloads into a
// normalized, balance-checked breakdown of every line of money in an order.
package finance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"order_sync/domain/fees"
	"order_sync/domain/money"
)

// LineType classifies a financial line. The type constrains the sign
// convention: fees and promos are negative, charges and principal positive.
type LineType string

const (
	LineFee       LineType = "fee"
	LineCharge    LineType = "charge"
	LinePromo     LineType = "promo"
	LinePrincipal LineType = "principal"
)

// Line is one signed money movement within an order.
type Line struct {
	Type        LineType             `json:"type"`
	Amount      money.Money          `json:"amount"`
	Description string               `json:"description"`
	SKU         string               `json:"sku,omitempty"`
	FeeCode     string               `json:"fee_code,omitempty"`
	Account     *fees.AccountMapping `json:"account,omitempty"`
}

// Breakdown is the exact financial decomposition of one order. It is a pure
// domain value and carries no ERP identifiers.
type Breakdown struct {
	OrderID     money.OrderID `json:"order_id"`
	Principal   money.Money   `json:"principal"`
	Lines       []Line        `json:"lines"`
	NetProceeds money.Money   `json:"net_proceeds"`
	PostedDate  time.Time     `json:"posted_date"`
}

// DefaultTolerance is the balance tolerance in the major currency unit.
// Over-tolerant for zero-decimal currencies; override via configuration.
var DefaultTolerance = decimal.RequireFromString("0.01")

// LineSum returns the signed sum of every line.
func (b *Breakdown) LineSum() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range b.Lines {
		sum = sum.Add(l.Amount.Amount)
	}
	return sum
}

// Verify checks the balance invariant:
//
//	principal + Σ lines = net_proceeds  (within tolerance)
func (b *Breakdown) Verify(tolerance decimal.Decimal) error {
	got := b.Principal.Amount.Add(b.LineSum())
	delta := got.Sub(b.NetProceeds.Amount)

	if delta.Abs().GreaterThan(tolerance) {
		return &BalanceError{
			OrderID:   b.OrderID,
			Computed:  got,
			Expected:  b.NetProceeds.Amount,
			Delta:     delta,
			Tolerance: tolerance,
		}
	}
	return nil
}

// SKUTotals is the per-SKU projection of a payload, used by the ERP
// projector to attach revenue lines to the correct sale-order lines.
type SKUTotals struct {
	Principal  money.Money `json:"principal"`
	Charges    money.Money `json:"charges"`
	Fees       money.Money `json:"fees"`
	Promos     money.Money `json:"promos"`
	TotalSales money.Money `json:"total_sales"`
	Net        money.Money `json:"net"`
	Quantity   int64       `json:"quantity"`
}

// MalformedPayloadError reports an upstream payload missing required
// structure.
type MalformedPayloadError struct {
	OrderID money.OrderID
	Reason  string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload for order %s: %s", e.OrderID, e.Reason)
}

// BalanceError reports a breakdown that fails the balance invariant.
type BalanceError struct {
	OrderID   money.OrderID
	Computed  decimal.Decimal
	Expected  decimal.Decimal
	Delta     decimal.Decimal
	Tolerance decimal.Decimal
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf(
		"balance violation for order %s: principal+lines=%s, net=%s, delta=%s (tolerance %s)",
		e.OrderID, e.Computed, e.Expected, e.Delta, e.Tolerance,
	)
}
