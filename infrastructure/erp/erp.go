// Package erp is the narrow boundary to the downstream ERP. The wire
// protocol lives behind the Client interface; every operation is idempotent
// on its natural key.
package erp

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Invoice states.
const (
	StateDraft  = "draft"
	StatePosted = "posted"
)

// MoveTypeOutInvoice is the customer-invoice move type.
const MoveTypeOutInvoice = "out_invoice"

// Invoice is an existing ERP invoice header.
type Invoice struct {
	ID     int64
	Number string
	Origin string
	State  string
}

// InvoiceLine is one line of an invoice, draft or read back.
type InvoiceLine struct {
	ProductID         int64
	Storable          bool
	Description       string
	Quantity          decimal.Decimal
	PriceUnit         decimal.Decimal
	AccountID         int64
	AnalyticAccountID int64
	SaleLineIDs       []int64
}

// InvoiceDraft is the payload of create_customer_invoice.
type InvoiceDraft struct {
	PartnerID int64
	Origin    string
	Reference string
	Date      time.Time
	JournalID int64
	MoveType  string
	Lines     []InvoiceLine
}

// Product is an ERP product looked up by SKU (default_code) or barcode.
// Storable products carry inventory; service products are synthetic fee
// carriers.
type Product struct {
	ID       int64
	SKU      string
	Barcode  string
	Storable bool
}

// Partner is an invoice counterparty.
type Partner struct {
	ID    int64
	Name  string
	Email string
}

// SaleLine is one line of a sale order, used for invoice linkage.
type SaleLine struct {
	ID        int64
	ProductID int64
	SKU       string
}

// SaleOrder is the sale-order header plus its lines.
type SaleOrder struct {
	ID     int64
	Origin string
	Lines  []SaleLine
}

// SaleOrderDraft is the payload of create_sale_order.
type SaleOrderDraft struct {
	Origin      string
	PartnerID   int64
	Date        time.Time
	WarehouseID int64
	Lines       []SaleLine
	Metadata    map[string]string
}

// ReimbursementEntry debits inventory loss and credits the marketplace
// receivable. No product, no SKU, no quantity.
type ReimbursementEntry struct {
	OrderID         string
	EventType       string
	Amount          decimal.Decimal
	Currency        string
	DebitAccountID  int64
	CreditAccountID int64
	Date            time.Time
}

// Client is the complete ERP surface the projector uses.
type Client interface {
	FindInvoiceByOrigin(ctx context.Context, origin string) (*Invoice, error)
	FindSaleOrderByOrigin(ctx context.Context, origin string) (*SaleOrder, error)
	CreateSaleOrder(ctx context.Context, draft SaleOrderDraft) (int64, error)

	FindProductBySKUOrBarcode(ctx context.Context, sku string) (*Product, error)
	FindOrCreateServiceProduct(ctx context.Context, source, code, name string) (*Product, error)
	FindOrCreatePartner(ctx context.Context, name, email, orderID string) (*Partner, error)

	CreateCustomerInvoice(ctx context.Context, draft InvoiceDraft) (int64, error)
	PostInvoice(ctx context.Context, invoiceID int64) error
	InvoiceLines(ctx context.Context, invoiceID int64) ([]InvoiceLine, error)

	// CreateReimbursementEntry is idempotent on (order_id, event_type);
	// a repeat returns the existing entry id.
	CreateReimbursementEntry(ctx context.Context, entry ReimbursementEntry) (int64, error)
}
