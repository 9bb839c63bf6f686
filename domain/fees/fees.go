// Package fees holds the closed fee taxonomy and the static fee→account
// mapping table. The table is loaded once at startup and immutable after.
package fees

import (
	"fmt"
)

// Kind identifies the economic role of a marketplace amount.
type Kind string

const (
	KindFulfillment      Kind = "fba_fulfillment"
	KindCommission       Kind = "commission"
	KindRefundCommission Kind = "refund_commission"
	KindShipping         Kind = "shipping"
	KindPromoRebate      Kind = "promo_rebate"
	KindStorage          Kind = "storage"
)

// Kinds lists every member of the taxonomy.
func Kinds() []Kind {
	return []Kind{
		KindFulfillment,
		KindCommission,
		KindRefundCommission,
		KindShipping,
		KindPromoRebate,
		KindStorage,
	}
}

// AccountMapping is the ERP ledger destination of a fee kind.
type AccountMapping struct {
	AccountID         int64
	AnalyticAccountID int64
}

// Table resolves marketplace fee codes to account mappings. Immutable after
// construction.
type Table struct {
	byKind    map[Kind]AccountMapping
	principal AccountMapping
}

// NewTable builds the mapping table. The principal mapping is the revenue
// account; every taxonomy member must be present in byKind.
func NewTable(byKind map[Kind]AccountMapping, principal AccountMapping) (*Table, error) {
	if principal.AccountID == 0 {
		return nil, fmt.Errorf("principal account id is required")
	}

	for _, k := range Kinds() {
		m, ok := byKind[k]
		if !ok || m.AccountID == 0 {
			return nil, fmt.Errorf("fee table is missing account for kind %s", k)
		}
	}

	copied := make(map[Kind]AccountMapping, len(byKind))
	for k, v := range byKind {
		copied[k] = v
	}

	return &Table{byKind: copied, principal: principal}, nil
}

// Principal returns the revenue (principal) account mapping.
func (t *Table) Principal() AccountMapping {
	return t.principal
}

// ForKind resolves a taxonomy member directly.
func (t *Table) ForKind(k Kind) (AccountMapping, bool) {
	m, ok := t.byKind[k]
	return m, ok
}

// marketplace fee-type codes as they appear in raw payloads.
const (
	codeFBAPerUnitFulfillment = "FBAPerUnitFulfillmentFee"
	codeFBAPerOrderFulfilment = "FBAPerOrderFulfillmentFee"
	codeFBAWeightBasedFee     = "FBAWeightBasedFee"
	codeCommission            = "Commission"
	codeRefundCommission      = "RefundCommission"
	codeShippingCharge        = "ShippingCharge"
	codePromoRebate           = "PromotionMetaDataDefinitionValue"
	codeStorageFee            = "FBAStorageFee"
	codePaymentMethodFee      = "PaymentMethodFee"
	codeShippingChargeback    = "ShippingChargeback"
	codeShippingHB            = "ShippingHB"
)

// KindForCode maps a raw marketplace fee code onto the taxonomy.
func KindForCode(code string) (Kind, bool) {
	switch code {
	case codeFBAPerUnitFulfillment, codeFBAPerOrderFulfilment, codeFBAWeightBasedFee:
		return KindFulfillment, true
	case codeCommission:
		return KindCommission, true
	case codeRefundCommission:
		return KindRefundCommission, true
	case codeShippingCharge:
		return KindShipping, true
	case codePromoRebate:
		return KindPromoRebate, true
	case codeStorageFee:
		return KindStorage, true
	default:
		return "", false
	}
}

// Resolve maps a raw fee code to its account mapping. Two documented
// fallbacks apply:
//   - payment-method fees settle on the principal account (upstream mapping,
//     pending confirmation with the domain owner);
//   - shipping-chargeback and shipping-hb settle on the commission account.
//
// ok=false means the code is unknown to the table; the caller decides
// whether that is fatal (non-zero amounts rely on the balance check to
// catch material omissions).
func (t *Table) Resolve(code string) (AccountMapping, bool) {
	if kind, ok := KindForCode(code); ok {
		return t.byKind[kind], true
	}

	switch code {
	case codePaymentMethodFee:
		return t.principal, true
	case codeShippingChargeback, codeShippingHB:
		return t.byKind[KindCommission], true
	}

	return AccountMapping{}, false
}
