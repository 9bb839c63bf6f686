package order

import (
	"time"

	"order_sync/domain/finance"
	"order_sync/domain/money"
	"order_sync/infrastructure/eventstore"
)

// Aggregate type tags used in the event log.
const (
	AggregateTypeOrder = "Order"
	AggregateTypeSync  = "SyncRun"
)

// BaseEvent contains the fields shared by every domain event.
type BaseEvent struct {
	EventID       string         `json:"event_id"`
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	EventType     string         `json:"event_type"`
	EventVersion  int            `json:"event_version"`
	ExecutionID   string         `json:"execution_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// GetBaseEvent implements eventstore.BaseFieldsProvider.
func (b BaseEvent) GetBaseEvent() eventstore.BaseFields {
	return eventstore.BaseFields{
		EventID:       b.EventID,
		AggregateID:   b.AggregateID,
		AggregateType: b.AggregateType,
		EventType:     b.EventType,
		EventVersion:  b.EventVersion,
		ExecutionID:   b.ExecutionID,
		OccurredAt:    b.OccurredAt,
	}
}

func newBase(aggregateType, aggregateID, eventType string, executionID money.ExecutionID) BaseEvent {
	return BaseEvent{
		EventID:       money.NewEventID(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventVersion:  1,
		ExecutionID:   executionID.String(),
		OccurredAt:    time.Now().UTC(),
	}
}

// OrderCreated establishes the identity of an order aggregate.
type OrderCreated struct {
	BaseEvent
	OrderID      string    `json:"order_id"`
	PurchaseDate time.Time `json:"purchase_date"`
	BuyerEmail   string    `json:"buyer_email,omitempty"`
	Marketplace  string    `json:"marketplace"`
}

// OrderUpdated records field changes, including item additions.
type OrderUpdated struct {
	BaseEvent
	UpdatedFields map[string]any `json:"updated_fields,omitempty"`
	Item          *Item          `json:"item,omitempty"`
	OrderTotal    money.Money    `json:"order_total"`
}

// OrderStatusChanged records a lifecycle transition.
type OrderStatusChanged struct {
	BaseEvent
	From         Status `json:"from"`
	To           Status `json:"to"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// FinancialsExtracted attaches a balance-checked breakdown to the order,
// together with the per-SKU projection the ERP projector links sale lines
// with.
type FinancialsExtracted struct {
	BaseEvent
	Breakdown finance.Breakdown            `json:"breakdown"`
	PerSKU    map[string]finance.SKUTotals `json:"per_sku,omitempty"`
}

// OrderValidated records the outcome of the parity verification.
type OrderValidated struct {
	BaseEvent
	Balanced    bool        `json:"balanced"`
	Principal   money.Money `json:"principal"`
	NetProceeds money.Money `json:"net_proceeds"`
	Detail      string      `json:"detail,omitempty"`
}

// OrderSaved records a successful persistence pass of the sync pipeline.
type OrderSaved struct {
	BaseEvent
	EventCount int   `json:"event_count"`
	Sequence   int64 `json:"sequence"`
}

// InvoiceCreated records the ERP invoice produced for the order.
type InvoiceCreated struct {
	BaseEvent
	InvoiceID     int64  `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number,omitempty"`
}

// OrderSynced marks the terminal ERP-posted state.
type OrderSynced struct {
	BaseEvent
	InvoiceID int64 `json:"invoice_id,omitempty"`
}

// OrderFailed records a failure with the pipeline step that produced it.
// OrderID is set when the event is scoped to the run aggregate instead of
// the order itself.
type OrderFailed struct {
	BaseEvent
	OrderID   string `json:"order_id,omitempty"`
	Step      string `json:"step"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// NotificationSent records an out-of-band notification.
type NotificationSent struct {
	BaseEvent
	Severity int    `json:"severity"`
	Message  string `json:"message"`
}

// SyncStarted opens a run scope under the synthetic sync-<execution_id>
// aggregate.
type SyncStarted struct {
	BaseEvent
	OrderID string `json:"order_id,omitempty"`
	DryRun  bool   `json:"dry_run"`
}

// SyncCompleted closes a run scope.
type SyncCompleted struct {
	BaseEvent
	OrderID string `json:"order_id,omitempty"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// SyncAggregateID derives the synthetic aggregate id for run-scope events.
func SyncAggregateID(executionID money.ExecutionID) string {
	return "sync-" + executionID.String()
}

// NewSyncStarted builds a run-scope start event.
func NewSyncStarted(executionID money.ExecutionID, orderID string, dryRun bool) SyncStarted {
	return SyncStarted{
		BaseEvent: newBase(AggregateTypeSync, SyncAggregateID(executionID), "SyncStarted", executionID),
		OrderID:   orderID,
		DryRun:    dryRun,
	}
}

// NewSyncCompleted builds a run-scope completion event.
func NewSyncCompleted(executionID money.ExecutionID, orderID string, success bool, detail string) SyncCompleted {
	return SyncCompleted{
		BaseEvent: newBase(AggregateTypeSync, SyncAggregateID(executionID), "SyncCompleted", executionID),
		OrderID:   orderID,
		Success:   success,
		Detail:    detail,
	}
}

// NewOrderFailed builds a failure event scoped to the order aggregate.
func NewOrderFailed(executionID money.ExecutionID, orderID, step, errorKind, message string) OrderFailed {
	return OrderFailed{
		BaseEvent: newBase(AggregateTypeOrder, orderID, "OrderFailed", executionID),
		Step:      step,
		ErrorKind: errorKind,
		Message:   message,
	}
}

// NewRunOrderFailed builds a failure event scoped to the run aggregate.
// Used when the failure must not touch the order's own event stream, e.g. a
// balance violation before any aggregate write.
func NewRunOrderFailed(executionID money.ExecutionID, orderID, step, errorKind, message string) OrderFailed {
	return OrderFailed{
		BaseEvent: newBase(AggregateTypeSync, SyncAggregateID(executionID), "OrderFailed", executionID),
		OrderID:   orderID,
		Step:      step,
		ErrorKind: errorKind,
		Message:   message,
	}
}

// NewNotificationSent builds a notification audit event.
func NewNotificationSent(executionID money.ExecutionID, severity int, message string) NotificationSent {
	return NotificationSent{
		BaseEvent: newBase(AggregateTypeSync, SyncAggregateID(executionID), "NotificationSent", executionID),
		Severity:  severity,
		Message:   message,
	}
}
