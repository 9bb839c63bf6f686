// Package aggregates provides snapshot-aware loading and saving of
// event-sourced aggregates.
package aggregates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"order_sync/domain/finance"
	"order_sync/domain/money"
	"order_sync/domain/order"
	"order_sync/infrastructure/eventstore"
	"order_sync/infrastructure/snapshot"
)

// snapshotVersion is bumped when orderState changes shape.
const snapshotVersion = 1

// orderState is the plain value state stored in snapshots. No pointers back
// into the aggregate; breakdown and items are copied values.
type orderState struct {
	ID           string             `json:"id"`
	PurchaseDate time.Time          `json:"purchase_date"`
	BuyerEmail   string             `json:"buyer_email,omitempty"`
	Items        []order.Item       `json:"items,omitempty"`
	OrderTotal   money.Money        `json:"order_total"`
	Status       order.Status       `json:"status"`
	ExecutionID  string             `json:"execution_id"`
	Marketplace  string             `json:"marketplace"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Breakdown    *finance.Breakdown `json:"breakdown,omitempty"`

	PerSKU  map[string]finance.SKUTotals `json:"per_sku,omitempty"`
	Version int64                        `json:"version"`
}

// AggregateStore loads and saves Order aggregates against the event log,
// using snapshots to bound replay cost. Rehydration from a snapshot is
// always equivalent to pure replay.
type AggregateStore struct {
	eventStore eventstore.EventStore
	snapshots  snapshot.Store
	strategy   snapshot.Strategy
	registry   *eventstore.Registry
}

func NewAggregateStore(
	es eventstore.EventStore,
	snaps snapshot.Store,
	strategy snapshot.Strategy,
	registry *eventstore.Registry,
) *AggregateStore {
	if strategy == nil {
		strategy = snapshot.Never{}
	}
	return &AggregateStore{
		eventStore: es,
		snapshots:  snaps,
		strategy:   strategy,
		registry:   registry,
	}
}

// LoadOrder rehydrates an Order: latest snapshot first (if any), then the
// event tail with sequence > snapshot sequence. Returns
// eventstore.ErrAggregateNotFound when the aggregate has no events.
func (as *AggregateStore) LoadOrder(ctx context.Context, orderID string) (*order.Order, error) {
	o := order.NewOrder()
	fromSeq := int64(1)

	if as.snapshots != nil {
		snap, err := as.snapshots.Latest(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		if snap != nil && snap.SnapshotVersion == snapshotVersion {
			if err := restoreState(o, snap.State); err != nil {
				return nil, fmt.Errorf("restore snapshot for %s: %w", orderID, err)
			}
			fromSeq = snap.SequenceNumber + 1
		}
	}

	events, err := as.eventStore.LoadRange(ctx, orderID, fromSeq, 0)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	if fromSeq == 1 && len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", eventstore.ErrAggregateNotFound, orderID)
	}

	for _, evt := range events {
		domainEvent, err := as.registry.Deserialize(evt)
		if err != nil {
			if errors.Is(err, eventstore.ErrUnknownEventType) {
				// Newer writers may add event types; skip, never crash.
				log.Printf("⚠️  skipping unknown event type %s for %s (seq %d)",
					evt.EventType, evt.AggregateID, evt.SequenceNumber)
				o.Version++
				continue
			}
			return nil, fmt.Errorf("deserialize event seq %d: %w", evt.SequenceNumber, err)
		}

		if err := o.When(domainEvent); err != nil {
			return nil, fmt.Errorf("apply event seq %d: %w", evt.SequenceNumber, err)
		}
	}

	return o, nil
}

// SaveOrder appends the aggregate's pending events with optimistic
// concurrency, clears them, and writes a snapshot when the strategy fires.
// Returns the last written sequence number.
func (as *AggregateStore) SaveOrder(ctx context.Context, o *order.Order) (int64, error) {
	if len(o.Changes) == 0 {
		return 0, nil
	}

	baseVersion := o.Version - int64(len(o.Changes))
	lastSeq := baseVersion

	for i, evt := range o.Changes {
		provider, ok := evt.(eventstore.BaseFieldsProvider)
		if !ok {
			return 0, fmt.Errorf("pending event %T does not provide base fields", evt)
		}

		expected := baseVersion + int64(i) + 1
		seq, err := as.eventStore.Append(ctx, provider, expected)
		if err != nil {
			return 0, err
		}
		lastSeq = seq
	}

	o.ClearChanges()

	if as.snapshots != nil && as.strategy.ShouldSnapshot(ctx, o.ID, lastSeq) {
		if err := as.writeSnapshot(ctx, o, lastSeq); err != nil {
			// Snapshots are a cache; losing one costs replay time, not truth.
			log.Printf("⚠️  failed to snapshot %s at seq %d: %v", o.ID, lastSeq, err)
		}
	}

	return lastSeq, nil
}

func (as *AggregateStore) writeSnapshot(ctx context.Context, o *order.Order, seq int64) error {
	state, err := json.Marshal(orderState{
		ID:           o.ID,
		PurchaseDate: o.PurchaseDate,
		BuyerEmail:   o.BuyerEmail,
		Items:        o.Items,
		OrderTotal:   o.OrderTotal,
		Status:       o.Status,
		ExecutionID:  o.ExecutionID,
		Marketplace:  o.Marketplace,
		ErrorMessage: o.ErrorMessage,
		Breakdown:    o.Breakdown,
		PerSKU:       o.PerSKU,
		Version:      o.Version,
	})
	if err != nil {
		return err
	}

	return as.snapshots.Save(ctx, snapshot.Snapshot{
		AggregateID:     o.ID,
		AggregateType:   order.AggregateTypeOrder,
		SnapshotVersion: snapshotVersion,
		SequenceNumber:  seq,
		State:           state,
		CreatedAt:       time.Now().UTC(),
	})
}

func restoreState(o *order.Order, blob []byte) error {
	var st orderState
	if err := json.Unmarshal(blob, &st); err != nil {
		return err
	}

	o.ID = st.ID
	o.PurchaseDate = st.PurchaseDate
	o.BuyerEmail = st.BuyerEmail
	o.Items = st.Items
	o.OrderTotal = st.OrderTotal
	o.Status = st.Status
	o.ExecutionID = st.ExecutionID
	o.Marketplace = st.Marketplace
	o.ErrorMessage = st.ErrorMessage
	o.Breakdown = st.Breakdown
	o.PerSKU = st.PerSKU
	o.Version = st.Version
	return nil
}
