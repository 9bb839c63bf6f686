package order

import (
	"order_sync/infrastructure/eventstore"
)

// RegisterEvents binds every domain event type to the store's deserializer
// registry. Called once during wiring.
func RegisterEvents(r *eventstore.Registry) {
	eventstore.RegisterAs[OrderCreated](r, "OrderCreated")
	eventstore.RegisterAs[OrderUpdated](r, "OrderUpdated")
	eventstore.RegisterAs[OrderStatusChanged](r, "OrderStatusChanged")
	eventstore.RegisterAs[FinancialsExtracted](r, "FinancialsExtracted")
	eventstore.RegisterAs[OrderValidated](r, "OrderValidated")
	eventstore.RegisterAs[OrderSaved](r, "OrderSaved")
	eventstore.RegisterAs[InvoiceCreated](r, "InvoiceCreated")
	eventstore.RegisterAs[OrderSynced](r, "OrderSynced")
	eventstore.RegisterAs[OrderFailed](r, "OrderFailed")
	eventstore.RegisterAs[NotificationSent](r, "NotificationSent")
	eventstore.RegisterAs[SyncStarted](r, "SyncStarted")
	eventstore.RegisterAs[SyncCompleted](r, "SyncCompleted")
}

// NewEventRegistry returns a registry with every order event registered.
func NewEventRegistry() *eventstore.Registry {
	r := eventstore.NewRegistry()
	RegisterEvents(r)
	return r
}
