package finance

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"order_sync/domain/fees"
	"order_sync/domain/money"
)

// Decomposer turns raw financial-event payloads into balance-checked
// breakdowns. CPU-only: no I/O, safe for concurrent use.
type Decomposer struct {
	table     *fees.Table
	tolerance decimal.Decimal
}

func NewDecomposer(table *fees.Table, tolerance decimal.Decimal) *Decomposer {
	if tolerance.IsZero() {
		tolerance = DefaultTolerance
	}
	return &Decomposer{table: table, tolerance: tolerance}
}

// Decompose walks the shipment groups of a raw payload in document order and
// produces the order's financial breakdown.
//
// Sign conventions are taken from the payload: fees and promos arrive
// negative, charges and principal positive. Zero amounts are dropped.
// Unknown non-zero fee codes are logged and dropped; they still count
// toward net proceeds, so a material omission fails the balance check.
func (d *Decomposer) Decompose(orderID money.OrderID, payload map[string]any) (*Breakdown, error) {
	shipments, err := shipmentEvents(orderID, payload)
	if err != nil {
		return nil, err
	}

	var (
		currency   string
		principal  = decimal.Zero
		net        = decimal.Zero
		lines      []Line
		postedDate time.Time
	)

	seen := func(ccy string) error {
		if currency == "" {
			currency = ccy
			return nil
		}
		if ccy != currency {
			return &MalformedPayloadError{
				OrderID: orderID,
				Reason:  fmt.Sprintf("mixed currencies %s and %s", currency, ccy),
			}
		}
		return nil
	}

	for _, shipment := range shipments {
		if ts, ok := parsePostedDate(shipment); ok {
			if postedDate.IsZero() || ts.Before(postedDate) {
				postedDate = ts
			}
		}

		for _, item := range listOfMaps(shipment, "ShipmentItemList") {
			sku := stringField(item, "SellerSKU")

			for _, charge := range listOfMaps(item, "ItemChargeList") {
				code := stringField(charge, "ChargeType")
				amount, ccy, err := componentAmount(orderID, charge, "ChargeAmount", code)
				if err != nil {
					return nil, err
				}
				if amount.IsZero() {
					continue
				}
				if err := seen(ccy); err != nil {
					return nil, err
				}

				net = net.Add(amount)

				if code == "Principal" {
					principal = principal.Add(amount)
					continue
				}

				line, ok := d.buildLine(LineCharge, code, amount, ccy, sku)
				if !ok {
					log.Printf("⚠️  order %s: unknown charge type %q (%s %s), dropped", orderID, code, amount, ccy)
					continue
				}
				lines = append(lines, line)
			}

			for _, fee := range listOfMaps(item, "ItemFeeList") {
				code := stringField(fee, "FeeType")
				amount, ccy, err := componentAmount(orderID, fee, "FeeAmount", code)
				if err != nil {
					return nil, err
				}
				if amount.IsZero() {
					continue
				}
				if err := seen(ccy); err != nil {
					return nil, err
				}

				net = net.Add(amount)

				line, ok := d.buildLine(LineFee, code, amount, ccy, sku)
				if !ok {
					log.Printf("⚠️  order %s: unknown fee type %q (%s %s), dropped", orderID, code, amount, ccy)
					continue
				}
				lines = append(lines, line)
			}

			for _, promo := range listOfMaps(item, "PromotionList") {
				code := stringField(promo, "PromotionType")
				amount, ccy, err := componentAmount(orderID, promo, "PromotionAmount", code)
				if err != nil {
					return nil, err
				}
				if amount.IsZero() {
					continue
				}
				if err := seen(ccy); err != nil {
					return nil, err
				}

				net = net.Add(amount)

				mapping, _ := d.table.ForKind(fees.KindPromoRebate)
				lines = append(lines, Line{
					Type:        LinePromo,
					Amount:      money.FromDecimal(amount, ccy),
					Description: promoDescription(promo, code),
					SKU:         sku,
					FeeCode:     code,
					Account:     &mapping,
				})
			}
		}
	}

	if currency == "" {
		return nil, &MalformedPayloadError{OrderID: orderID, Reason: "no non-zero principal charge found"}
	}

	breakdown := &Breakdown{
		OrderID:     orderID,
		Principal:   money.FromDecimal(principal, currency),
		Lines:       lines,
		NetProceeds: money.FromDecimal(net, currency),
		PostedDate:  postedDate,
	}

	if err := breakdown.Verify(d.tolerance); err != nil {
		return nil, err
	}

	return breakdown, nil
}

// PerSKU projects the payload into per-SKU totals with the same sign
// conventions as Decompose. Amounts for a SKU accumulate across shipment
// groups.
func (d *Decomposer) PerSKU(orderID money.OrderID, payload map[string]any) (map[string]*SKUTotals, error) {
	shipments, err := shipmentEvents(orderID, payload)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]*SKUTotals)
	currency := ""

	get := func(sku, ccy string) (*SKUTotals, error) {
		if currency == "" {
			currency = ccy
		} else if ccy != currency {
			return nil, &MalformedPayloadError{
				OrderID: orderID,
				Reason:  fmt.Sprintf("mixed currencies %s and %s", currency, ccy),
			}
		}

		t, ok := totals[sku]
		if !ok {
			t = &SKUTotals{
				Principal:  money.Zero(ccy),
				Charges:    money.Zero(ccy),
				Fees:       money.Zero(ccy),
				Promos:     money.Zero(ccy),
				TotalSales: money.Zero(ccy),
				Net:        money.Zero(ccy),
			}
			totals[sku] = t
		}
		return t, nil
	}

	add := func(dst *money.Money, amount decimal.Decimal) {
		dst.Amount = dst.Amount.Add(amount)
	}

	for _, shipment := range shipments {
		for _, item := range listOfMaps(shipment, "ShipmentItemList") {
			sku := stringField(item, "SellerSKU")
			qty := intField(item, "QuantityShipped")

			var itemTotals *SKUTotals

			for _, charge := range listOfMaps(item, "ItemChargeList") {
				code := stringField(charge, "ChargeType")
				amount, ccy, err := componentAmount(orderID, charge, "ChargeAmount", code)
				if err != nil {
					return nil, err
				}
				if amount.IsZero() {
					continue
				}

				t, err := get(sku, ccy)
				if err != nil {
					return nil, err
				}
				itemTotals = t

				if code == "Principal" {
					add(&t.Principal, amount)
				} else {
					add(&t.Charges, amount)
				}
				add(&t.Net, amount)
			}

			for _, fee := range listOfMaps(item, "ItemFeeList") {
				code := stringField(fee, "FeeType")
				amount, ccy, err := componentAmount(orderID, fee, "FeeAmount", code)
				if err != nil {
					return nil, err
				}
				if amount.IsZero() {
					continue
				}

				t, err := get(sku, ccy)
				if err != nil {
					return nil, err
				}
				itemTotals = t

				add(&t.Fees, amount)
				add(&t.Net, amount)
			}

			for _, promo := range listOfMaps(item, "PromotionList") {
				code := stringField(promo, "PromotionType")
				amount, ccy, err := componentAmount(orderID, promo, "PromotionAmount", code)
				if err != nil {
					return nil, err
				}
				if amount.IsZero() {
					continue
				}

				t, err := get(sku, ccy)
				if err != nil {
					return nil, err
				}
				itemTotals = t

				add(&t.Promos, amount)
				add(&t.Net, amount)
			}

			if itemTotals != nil && qty > 0 {
				itemTotals.Quantity += qty
			}
		}
	}

	for _, t := range totals {
		t.TotalSales.Amount = t.Principal.Amount.Add(t.Charges.Amount)
	}

	return totals, nil
}

func (d *Decomposer) buildLine(lt LineType, code string, amount decimal.Decimal, ccy, sku string) (Line, bool) {
	mapping, ok := d.table.Resolve(code)
	if !ok {
		return Line{}, false
	}

	return Line{
		Type:        lt,
		Amount:      money.FromDecimal(amount, ccy),
		Description: code,
		SKU:         sku,
		FeeCode:     code,
		Account:     &mapping,
	}, true
}

// shipmentEvents digs the shipment group list out of the raw payload. The
// list may sit at the top level or under a FinancialEvents wrapper.
func shipmentEvents(orderID money.OrderID, payload map[string]any) ([]map[string]any, error) {
	if payload == nil {
		return nil, &MalformedPayloadError{OrderID: orderID, Reason: "empty payload"}
	}

	root := payload
	if wrapped, ok := payload["FinancialEvents"].(map[string]any); ok {
		root = wrapped
	}

	shipments := listOfMaps(root, "ShipmentEventList")
	if len(shipments) == 0 {
		return nil, &MalformedPayloadError{OrderID: orderID, Reason: "missing ShipmentEventList"}
	}

	return shipments, nil
}

// componentAmount reads the {CurrencyCode, CurrencyAmount} pair of one
// charge/fee/promotion component.
func componentAmount(orderID money.OrderID, component map[string]any, key, code string) (decimal.Decimal, string, error) {
	if code == "" {
		return decimal.Decimal{}, "", &MalformedPayloadError{
			OrderID: orderID,
			Reason:  fmt.Sprintf("component missing type next to %s", key),
		}
	}

	raw, ok := component[key].(map[string]any)
	if !ok {
		return decimal.Decimal{}, "", &MalformedPayloadError{
			OrderID: orderID,
			Reason:  fmt.Sprintf("component %s missing %s", code, key),
		}
	}

	ccy := stringField(raw, "CurrencyCode")
	if ccy == "" {
		return decimal.Decimal{}, "", &MalformedPayloadError{
			OrderID: orderID,
			Reason:  fmt.Sprintf("component %s missing CurrencyCode", code),
		}
	}

	amount, err := parseDecimal(raw["CurrencyAmount"])
	if err != nil {
		return decimal.Decimal{}, "", &MalformedPayloadError{
			OrderID: orderID,
			Reason:  fmt.Sprintf("component %s has invalid CurrencyAmount: %v", code, err),
		}
	}

	return amount, ccy, nil
}

// parseDecimal accepts the forms an untyped JSON decode can produce.
// Strings and json.Number round-trip exactly; float64 is a decode artifact
// and converted through its shortest representation.
func parseDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case string:
		return decimal.NewFromString(n)
	case json.Number:
		return decimal.NewFromString(n.String())
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case nil:
		return decimal.Decimal{}, fmt.Errorf("missing amount")
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported amount type %T", v)
	}
}

func parsePostedDate(shipment map[string]any) (time.Time, bool) {
	raw := stringField(shipment, "PostedDate")
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func promoDescription(promo map[string]any, code string) string {
	if id := stringField(promo, "PromotionId"); id != "" {
		return fmt.Sprintf("%s %s", code, id)
	}
	return code
}

func listOfMaps(m map[string]any, key string) []map[string]any {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}

	out := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if em, ok := entry.(map[string]any); ok {
			out = append(out, em)
		}
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int64 {
	switch n := m[key].(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}
