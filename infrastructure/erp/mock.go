package erp

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Mock is the in-memory ERP used by tests and the demo wiring. State is
// guarded by one mutex; ids are sequential.
type Mock struct {
	mu sync.Mutex

	nextID     int64
	Products   map[string]*Product // by SKU
	byBarcode  map[string]*Product
	Partners   map[string]*Partner // by email
	SaleOrders map[string]*SaleOrder // by origin

	Invoices       map[int64]*Invoice
	Lines          map[int64][]InvoiceLine
	Reimbursements map[string]int64 // (order_id|event_type) → entry id

	serviceProducts map[string]*Product // (source|code) → product

	// FailNext makes the next call of the named operation fail once.
	FailNext map[string]error
}

func NewMock() *Mock {
	return &Mock{
		nextID:          1000,
		Products:        make(map[string]*Product),
		byBarcode:       make(map[string]*Product),
		Partners:        make(map[string]*Partner),
		SaleOrders:      make(map[string]*SaleOrder),
		Invoices:        make(map[int64]*Invoice),
		Lines:           make(map[int64][]InvoiceLine),
		Reimbursements:  make(map[string]int64),
		serviceProducts: make(map[string]*Product),
		FailNext:        make(map[string]error),
	}
}

func (m *Mock) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Mock) failure(op string) error {
	if err, ok := m.FailNext[op]; ok {
		delete(m.FailNext, op)
		return err
	}
	return nil
}

// AddProduct seeds a storable product reachable by SKU and barcode.
func (m *Mock) AddProduct(sku, barcode string) *Product {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &Product{ID: m.id(), SKU: sku, Barcode: barcode, Storable: true}
	m.Products[sku] = p
	if barcode != "" {
		m.byBarcode[barcode] = p
	}
	return p
}

// AddSaleOrder seeds a sale order with one line per SKU.
func (m *Mock) AddSaleOrder(origin string, skus ...string) *SaleOrder {
	m.mu.Lock()
	defer m.mu.Unlock()

	so := &SaleOrder{ID: m.id(), Origin: origin}
	for _, sku := range skus {
		var productID int64
		if p, ok := m.Products[sku]; ok {
			productID = p.ID
		}
		so.Lines = append(so.Lines, SaleLine{ID: m.id(), ProductID: productID, SKU: sku})
	}
	m.SaleOrders[origin] = so
	return so
}

func (m *Mock) FindInvoiceByOrigin(_ context.Context, origin string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("FindInvoiceByOrigin"); err != nil {
		return nil, err
	}

	for _, inv := range m.Invoices {
		if inv.Origin == origin {
			copy := *inv
			return &copy, nil
		}
	}
	return nil, nil
}

func (m *Mock) FindSaleOrderByOrigin(_ context.Context, origin string) (*SaleOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("FindSaleOrderByOrigin"); err != nil {
		return nil, err
	}

	so, ok := m.SaleOrders[origin]
	if !ok {
		return nil, nil
	}
	copy := *so
	return &copy, nil
}

func (m *Mock) CreateSaleOrder(_ context.Context, draft SaleOrderDraft) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.SaleOrders[draft.Origin]; ok {
		return existing.ID, nil
	}

	so := &SaleOrder{ID: m.id(), Origin: draft.Origin, Lines: draft.Lines}
	m.SaleOrders[draft.Origin] = so
	return so.ID, nil
}

func (m *Mock) FindProductBySKUOrBarcode(_ context.Context, sku string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.Products[sku]; ok {
		copy := *p
		return &copy, nil
	}
	if p, ok := m.byBarcode[sku]; ok {
		copy := *p
		return &copy, nil
	}
	return nil, nil
}

func (m *Mock) FindOrCreateServiceProduct(_ context.Context, source, code, name string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := source + "|" + code
	if p, ok := m.serviceProducts[key]; ok {
		copy := *p
		return &copy, nil
	}

	p := &Product{ID: m.id(), SKU: strings.ToUpper(source + "-" + code), Storable: false}
	m.serviceProducts[key] = p
	copy := *p
	return &copy, nil
}

func (m *Mock) FindOrCreatePartner(_ context.Context, name, email, _ string) (*Partner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if email != "" {
		if p, ok := m.Partners[email]; ok {
			copy := *p
			return &copy, nil
		}
	}

	p := &Partner{ID: m.id(), Name: name, Email: email}
	if email != "" {
		m.Partners[email] = p
	}
	copy := *p
	return &copy, nil
}

func (m *Mock) CreateCustomerInvoice(_ context.Context, draft InvoiceDraft) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("CreateCustomerInvoice"); err != nil {
		return 0, err
	}

	for _, inv := range m.Invoices {
		if inv.Origin == draft.Origin {
			return inv.ID, nil // idempotent on origin
		}
	}

	inv := &Invoice{
		ID:     m.id(),
		Number: fmt.Sprintf("INV/%d", m.nextID),
		Origin: draft.Origin,
		State:  StateDraft,
	}
	m.Invoices[inv.ID] = inv
	m.Lines[inv.ID] = draft.Lines
	return inv.ID, nil
}

func (m *Mock) PostInvoice(_ context.Context, invoiceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("PostInvoice"); err != nil {
		return err
	}

	inv, ok := m.Invoices[invoiceID]
	if !ok {
		return fmt.Errorf("invoice %d not found", invoiceID)
	}
	inv.State = StatePosted
	return nil
}

func (m *Mock) InvoiceLines(_ context.Context, invoiceID int64) ([]InvoiceLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lines := make([]InvoiceLine, len(m.Lines[invoiceID]))
	copy(lines, m.Lines[invoiceID])
	return lines, nil
}

func (m *Mock) CreateReimbursementEntry(_ context.Context, entry ReimbursementEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.OrderID + "|" + entry.EventType
	if id, ok := m.Reimbursements[key]; ok {
		return id, nil
	}

	id := m.id()
	m.Reimbursements[key] = id
	return id, nil
}

// PostedInvoiceCount is a test helper.
func (m *Mock) PostedInvoiceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, inv := range m.Invoices {
		if inv.State == StatePosted {
			n++
		}
	}
	return n
}
