// Package order holds the event-sourced order aggregate. The aggregate is a
// pure in-memory object: commands validate, emit events into Changes, and
// never touch I/O.
package order

import (
	"errors"
	"fmt"
	"time"

	"order_sync/domain/finance"
	"order_sync/domain/money"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusShipped   Status = "shipped"
	StatusCancelled Status = "cancelled"
	StatusSynced    Status = "synced"
	StatusFailed    Status = "failed"
)

// Item is one order line. unit_price × quantity must equal total.
type Item struct {
	SKU       string      `json:"sku"`
	Title     string      `json:"title"`
	Quantity  int64       `json:"quantity"`
	UnitPrice money.Money `json:"unit_price"`
	Total     money.Money `json:"total"`
}

// Validate checks the item invariants.
func (i Item) Validate() error {
	if i.SKU == "" {
		return errors.New("item sku is required")
	}
	if i.Quantity <= 0 {
		return errors.New("item quantity must be positive")
	}
	if !i.UnitPrice.Mul(i.Quantity).Equals(i.Total) {
		return fmt.Errorf("item %s: unit price %s × %d does not equal total %s",
			i.SKU, i.UnitPrice, i.Quantity, i.Total)
	}
	return nil
}

// Order is the aggregate root.
type Order struct {
	// State
	ID           string
	PurchaseDate time.Time
	BuyerEmail   string
	Items        []Item
	OrderTotal   money.Money
	Status       Status
	ExecutionID  string
	Marketplace  string
	ErrorMessage string
	Breakdown    *finance.Breakdown
	PerSKU       map[string]finance.SKUTotals

	// Version is the count of applied events.
	Version int64

	// Unsaved events
	Changes []any
}

// NewOrder creates an empty aggregate for rehydration or creation.
func NewOrder() *Order {
	return &Order{Changes: make([]any, 0)}
}

// When rebuilds state from one event (replay). Projection-only events
// (OrderValidated, OrderSaved, InvoiceCreated, NotificationSent) are
// recorded but do not mutate business state.
func (o *Order) When(event any) error {
	switch e := event.(type) {

	case OrderCreated:
		o.ID = e.AggregateID
		o.PurchaseDate = e.PurchaseDate
		o.BuyerEmail = e.BuyerEmail
		o.Marketplace = e.Marketplace
		o.Status = StatusPending
		o.ExecutionID = e.ExecutionID

	case OrderUpdated:
		if e.Item != nil {
			o.Items = append(o.Items, *e.Item)
		}
		o.OrderTotal = e.OrderTotal

	case OrderStatusChanged:
		o.Status = e.To
		o.ErrorMessage = e.ErrorMessage

	case FinancialsExtracted:
		b := e.Breakdown
		o.Breakdown = &b
		o.PerSKU = e.PerSKU

	case OrderFailed:
		o.Status = StatusFailed
		o.ErrorMessage = e.Message

	case OrderSynced:
		o.Status = StatusSynced
		o.ErrorMessage = ""

	case OrderValidated, OrderSaved, InvoiceCreated, NotificationSent:
		// Projections only; no state change.

	default:
		return fmt.Errorf("unknown event type: %T", event)
	}

	o.Version++
	return nil
}

// Apply applies an event and queues it in Changes.
func (o *Order) Apply(event any) error {
	if err := o.When(event); err != nil {
		return err
	}
	o.Changes = append(o.Changes, event)
	return nil
}

// ClearChanges drops the pending events after a successful save.
func (o *Order) ClearChanges() {
	o.Changes = make([]any, 0)
}

// Create initializes a new order in Pending state.
func (o *Order) Create(orderID money.OrderID, purchaseDate time.Time, buyerEmail, marketplace string, executionID money.ExecutionID) error {
	if o.ID != "" {
		return fmt.Errorf("order %s already created", o.ID)
	}

	event := OrderCreated{
		BaseEvent:    newBase(AggregateTypeOrder, orderID.String(), "OrderCreated", executionID),
		OrderID:      orderID.String(),
		PurchaseDate: purchaseDate,
		BuyerEmail:   buyerEmail,
		Marketplace:  marketplace,
	}

	return o.Apply(event)
}

// AddItem appends an order line and recomputes the order total. All items
// must share one currency.
func (o *Order) AddItem(item Item, executionID money.ExecutionID) error {
	if o.ID == "" {
		return errors.New("order not created")
	}
	if o.Status == StatusSynced || o.Status == StatusCancelled {
		return fmt.Errorf("cannot add item: order status is %s", o.Status)
	}
	if err := item.Validate(); err != nil {
		return err
	}

	total := item.Total
	if len(o.Items) > 0 {
		var err error
		total, err = o.OrderTotal.Add(item.Total)
		if err != nil {
			return fmt.Errorf("cannot add item %s: %w", item.SKU, err)
		}
	}

	event := OrderUpdated{
		BaseEvent:  newBase(AggregateTypeOrder, o.ID, "OrderUpdated", executionID),
		Item:       &item,
		OrderTotal: total,
		UpdatedFields: map[string]any{
			"order_total": total.Amount.String(),
		},
	}

	return o.Apply(event)
}

// RecordFinancials attaches a balance-checked breakdown and its per-SKU
// projection.
func (o *Order) RecordFinancials(b finance.Breakdown, perSKU map[string]finance.SKUTotals, executionID money.ExecutionID) error {
	if o.ID == "" {
		return errors.New("order not created")
	}
	if o.Status == StatusSynced {
		return errors.New("cannot record financials: order already synced")
	}

	event := FinancialsExtracted{
		BaseEvent: newBase(AggregateTypeOrder, o.ID, "FinancialsExtracted", executionID),
		Breakdown: b,
		PerSKU:    perSKU,
	}

	return o.Apply(event)
}

// RecordValidation records the parity-verification outcome. Projection only.
func (o *Order) RecordValidation(balanced bool, principal, net money.Money, detail string, executionID money.ExecutionID) error {
	if o.ID == "" {
		return errors.New("order not created")
	}

	event := OrderValidated{
		BaseEvent:   newBase(AggregateTypeOrder, o.ID, "OrderValidated", executionID),
		Balanced:    balanced,
		Principal:   principal,
		NetProceeds: net,
		Detail:      detail,
	}

	return o.Apply(event)
}

// RecordSaved records a completed persistence pass. Projection only.
func (o *Order) RecordSaved(eventCount int, sequence int64, executionID money.ExecutionID) error {
	if o.ID == "" {
		return errors.New("order not created")
	}

	event := OrderSaved{
		BaseEvent:  newBase(AggregateTypeOrder, o.ID, "OrderSaved", executionID),
		EventCount: eventCount,
		Sequence:   sequence,
	}

	return o.Apply(event)
}

// RecordInvoice records the ERP invoice posted for this order. Projection
// only.
func (o *Order) RecordInvoice(invoiceID int64, invoiceNumber string, executionID money.ExecutionID) error {
	if o.ID == "" {
		return errors.New("order not created")
	}

	event := InvoiceCreated{
		BaseEvent:     newBase(AggregateTypeOrder, o.ID, "InvoiceCreated", executionID),
		InvoiceID:     invoiceID,
		InvoiceNumber: invoiceNumber,
	}

	return o.Apply(event)
}

// MarkShipped transitions Pending → Shipped.
func (o *Order) MarkShipped(executionID money.ExecutionID) error {
	if o.Status == StatusShipped {
		return nil // idempotent
	}
	if o.Status != StatusPending {
		return fmt.Errorf("cannot ship: order status is %s", o.Status)
	}

	return o.changeStatus(StatusShipped, "", executionID)
}

// MarkCancelled transitions Pending → Cancelled. Terminal for shipping.
func (o *Order) MarkCancelled(reason string, executionID money.ExecutionID) error {
	if o.Status == StatusCancelled {
		return nil // idempotent
	}
	if o.Status != StatusPending {
		return fmt.Errorf("cannot cancel: order status is %s", o.Status)
	}

	return o.changeStatus(StatusCancelled, reason, executionID)
}

// MarkSynced transitions {Pending, Shipped} → Synced. Requires a recorded
// financial breakdown. Terminal for ERP posting.
func (o *Order) MarkSynced(invoiceID int64, executionID money.ExecutionID) error {
	if o.Status == StatusSynced {
		return nil // idempotent
	}
	if o.Status != StatusPending && o.Status != StatusShipped {
		return fmt.Errorf("cannot sync: order status is %s", o.Status)
	}
	if o.Breakdown == nil {
		return errors.New("cannot sync: no financial breakdown recorded")
	}

	event := OrderSynced{
		BaseEvent: newBase(AggregateTypeOrder, o.ID, "OrderSynced", executionID),
		InvoiceID: invoiceID,
	}

	return o.Apply(event)
}

// MarkFailed transitions any state to Failed.
func (o *Order) MarkFailed(step, errorKind, message string, executionID money.ExecutionID) error {
	event := NewOrderFailed(executionID, o.ID, step, errorKind, message)
	return o.Apply(event)
}

func (o *Order) changeStatus(to Status, errorMessage string, executionID money.ExecutionID) error {
	event := OrderStatusChanged{
		BaseEvent:    newBase(AggregateTypeOrder, o.ID, "OrderStatusChanged", executionID),
		From:         o.Status,
		To:           to,
		ErrorMessage: errorMessage,
	}
	return o.Apply(event)
}
