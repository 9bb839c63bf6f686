package syncorder

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"order_sync/application/aggregates"
	"order_sync/application/notification"
	"order_sync/domain/fees"
	"order_sync/domain/finance"
	"order_sync/domain/money"
	"order_sync/domain/order"
	"order_sync/infrastructure/erp"
	"order_sync/infrastructure/eventstore"
	"order_sync/infrastructure/marketplace"
	"order_sync/infrastructure/messaging"
	"order_sync/infrastructure/snapshot"
)

const testOrderID = money.OrderID("171-3322844-9760332")

type fixture struct {
	service  *Service
	events   *eventstore.MemoryEventStore
	store    *aggregates.AggregateStore
	stream   *messaging.MemoryStream
	notifier *notification.MockNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	table, err := fees.NewTable(map[fees.Kind]fees.AccountMapping{
		fees.KindFulfillment:      {AccountID: 201},
		fees.KindCommission:       {AccountID: 202},
		fees.KindRefundCommission: {AccountID: 203},
		fees.KindShipping:         {AccountID: 204},
		fees.KindPromoRebate:      {AccountID: 205},
		fees.KindStorage:          {AccountID: 206},
	}, fees.AccountMapping{AccountID: 100})
	require.NoError(t, err)

	events := eventstore.NewMemoryEventStore()
	store := aggregates.NewAggregateStore(
		events, snapshot.NewMemoryStore(), snapshot.EveryN{N: 10}, order.NewEventRegistry())
	stream := messaging.NewMemoryStream()
	mock := &notification.MockNotifier{Min: 0}

	return &fixture{
		service: NewService(
			finance.NewDecomposer(table, decimal.Decimal{}),
			store, events, stream, table,
			notification.NewService(mock),
		),
		events:   events,
		store:    store,
		stream:   stream,
		notifier: mock,
	}
}

func component(code, key, value, ccy string) map[string]any {
	var typeKey string
	switch key {
	case "ChargeAmount":
		typeKey = "ChargeType"
	case "FeeAmount":
		typeKey = "FeeType"
	default:
		typeKey = "PromotionType"
	}

	return map[string]any{
		typeKey: code,
		key: map[string]any{
			"CurrencyCode":   ccy,
			"CurrencyAmount": value,
		},
	}
}

func singleItemPayload() map[string]any {
	return map[string]any{
		"ShipmentEventList": []any{
			map[string]any{
				"PostedDate": "2025-06-01T10:00:00Z",
				"ShipmentItemList": []any{
					map[string]any{
						"SellerSKU":       "JR-ZS283",
						"QuantityShipped": 1,
						"ItemChargeList": []any{
							component("Principal", "ChargeAmount", "198.83", "EGP"),
						},
						"ItemFeeList": []any{
							component("FBAPerUnitFulfillmentFee", "FeeAmount", "-21.66", "EGP"),
							component("Commission", "FeeAmount", "-27.21", "EGP"),
						},
					},
				},
			},
		},
	}
}

func TestSyncHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result := f.service.Sync(ctx, Request{
		OrderID:     testOrderID,
		Payload:     singleItemPayload(),
		BuyerEmail:  "buyer@example.com",
		Marketplace: "amazon.eg",
	})

	require.True(t, result.Success, "sync failed: %s", result.Message)
	assert.True(t, result.Principal.Equals(money.MustNew("198.83", "EGP")))
	assert.True(t, result.Net.Equals(money.MustNew("149.96", "EGP")))
	assert.Equal(t, 1, result.Published)

	// Aggregate reached Shipped with the breakdown attached.
	o, err := f.store.LoadOrder(ctx, testOrderID.String())
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, o.Status)
	require.NotNil(t, o.Breakdown)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "JR-ZS283", o.Items[0].SKU)

	// One hand-off message per SKU, carrying the net and the execution id.
	c, err := f.stream.Subscribe(messaging.TopicFinance, messaging.GroupFinance)
	require.NoError(t, err)
	deliveries, err := c.Pull(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	msg := deliveries[0].Msg
	assert.Equal(t, messaging.EventParityVerified, msg.EventType)
	assert.Equal(t, "JR-ZS283", msg.SKU)
	assert.Equal(t, result.ExecutionID.String(), msg.ExecutionID)

	// Run-scope events bracket the sync.
	runEvents, err := f.events.Load(ctx, order.SyncAggregateID(result.ExecutionID))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(runEvents), 2)
	assert.Equal(t, "SyncStarted", runEvents[0].EventType)
	assert.Equal(t, "SyncCompleted", runEvents[len(runEvents)-1].EventType)
}

func TestSyncDryRunSkipsHandOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result := f.service.Sync(ctx, Request{
		OrderID: testOrderID,
		Payload: singleItemPayload(),
		DryRun:  true,
	})

	require.True(t, result.Success)
	assert.Zero(t, result.Published)
	assert.Zero(t, f.stream.Depth(messaging.TopicFinance))

	// Events are still appended in a dry run.
	o, err := f.store.LoadOrder(ctx, testOrderID.String())
	require.NoError(t, err)
	require.NotNil(t, o.Breakdown)
	assert.Equal(t, order.StatusShipped, o.Status)
}

func TestSyncBalanceViolationFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The unknown fee is dropped from the lines but still counts toward net,
	// so the balance check trips.
	payload := singleItemPayload()
	shipment := payload["ShipmentEventList"].([]any)[0].(map[string]any)
	item := shipment["ShipmentItemList"].([]any)[0].(map[string]any)
	item["ItemFeeList"] = append(item["ItemFeeList"].([]any),
		component("SomeBrandNewFee", "FeeAmount", "-12.00", "EGP"))

	result := f.service.Sync(ctx, Request{OrderID: testOrderID, Payload: payload})

	require.False(t, result.Success)
	assert.Equal(t, KindBalanceViolation, result.ErrorKind)

	// No write to the order's own stream.
	exists, err := f.events.Exists(ctx, testOrderID.String())
	require.NoError(t, err)
	assert.False(t, exists)

	// The failure lives on the run aggregate.
	runEvents, err := f.events.Load(ctx, order.SyncAggregateID(result.ExecutionID))
	require.NoError(t, err)
	var failed bool
	for _, e := range runEvents {
		if e.EventType == "OrderFailed" {
			failed = true
		}
	}
	assert.True(t, failed, "expected an OrderFailed run event")

	// Nothing reached the stream.
	assert.Zero(t, f.stream.Depth(messaging.TopicFinance))

	// The failure was notified.
	assert.NotEmpty(t, f.notifier.Messages)
}

func TestSyncMalformedPayload(t *testing.T) {
	f := newFixture(t)

	result := f.service.Sync(context.Background(), Request{
		OrderID: testOrderID,
		Payload: map[string]any{"unexpected": true},
	})

	require.False(t, result.Success)
	assert.Equal(t, KindMalformedPayload, result.ErrorKind)
}

func TestResyncAfterSyncedIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.service.Sync(ctx, Request{OrderID: testOrderID, Payload: singleItemPayload()})
	require.True(t, first.Success)

	// The projector finished: the order is synced.
	o, err := f.store.LoadOrder(ctx, testOrderID.String())
	require.NoError(t, err)
	require.NoError(t, o.MarkSynced(42, first.ExecutionID))
	_, err = f.store.SaveOrder(ctx, o)
	require.NoError(t, err)

	before, err := f.events.LatestSequence(ctx, testOrderID.String())
	require.NoError(t, err)

	second := f.service.Sync(ctx, Request{OrderID: testOrderID, Payload: singleItemPayload()})
	require.True(t, second.Success)
	assert.Equal(t, "already synced", second.Message)
	assert.Zero(t, second.Published)

	// No new events beyond the run-scope pair.
	after, err := f.events.LatestSequence(ctx, testOrderID.String())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	runEvents, err := f.events.Load(ctx, order.SyncAggregateID(second.ExecutionID))
	require.NoError(t, err)
	assert.Len(t, runEvents, 2)
}

func TestSyncBatchCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good := Request{OrderID: testOrderID, Payload: singleItemPayload()}
	bad := Request{
		OrderID: money.OrderID("171-0000000-0000001"),
		Payload: map[string]any{"unexpected": true},
	}

	counters, results := f.service.SyncBatch(ctx, []Request{good, bad}, nil)

	assert.Equal(t, 2, counters.Total)
	assert.Equal(t, 1, counters.Succeeded)
	assert.Equal(t, 1, counters.Failed)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)

	// Summary is emitted at summary severity.
	require.NotEmpty(t, f.notifier.Messages)
	assert.Contains(t, f.notifier.Messages[len(f.notifier.Messages)-1], "1 failed")
}

func TestSyncBatchInvoiceCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mock := erp.NewMock()
	_, err := mock.CreateCustomerInvoice(ctx, erp.InvoiceDraft{
		Origin:   testOrderID.String(),
		MoveType: erp.MoveTypeOutInvoice,
		Lines: []erp.InvoiceLine{
			{Quantity: decimal.NewFromInt(1), PriceUnit: decimal.RequireFromString("149.96")},
		},
	})
	require.NoError(t, err)

	inv, err := mock.FindInvoiceByOrigin(ctx, testOrderID.String())
	require.NoError(t, err)
	require.NoError(t, mock.PostInvoice(ctx, inv.ID))

	counters, results := f.service.SyncBatch(ctx,
		[]Request{{OrderID: testOrderID, Payload: singleItemPayload()}}, mock)

	assert.Equal(t, 1, counters.InvoicesCreated)
	assert.Zero(t, counters.InvoicesFailed)
	assert.Equal(t, inv.ID, results[0].InvoiceID)
}

func TestSyncWindowPullsFromMarketplace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pages := []*marketplace.Page{
		{
			EventsByOrder: map[string]map[string]any{
				testOrderID.String(): singleItemPayload(),
			},
			NextToken: "page-2",
		},
		{
			EventsByOrder: map[string]map[string]any{
				"not-an-order-id": singleItemPayload(),
			},
		},
	}

	client := marketplace.NewClient(func(_ context.Context, _ marketplace.Query) (*marketplace.Page, error) {
		page := pages[0]
		pages = pages[1:]
		return page, nil
	}, marketplace.WithRate(rate.Inf, 1))

	counters, results, err := f.service.SyncWindow(ctx, client, marketplace.Window{
		PostedAfter: time.Now().Add(-time.Hour),
	}, false, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, counters.Total)
	assert.Equal(t, 1, counters.Succeeded)
	assert.Equal(t, 1, counters.Failed) // invalid order id rejected up front
	require.Len(t, results, 2)
}

func TestSyncWindowRequiresPostedAfter(t *testing.T) {
	f := newFixture(t)

	client := marketplace.NewClient(func(context.Context, marketplace.Query) (*marketplace.Page, error) {
		return &marketplace.Page{}, nil
	}, marketplace.WithRate(rate.Inf, 1))

	_, _, err := f.service.SyncWindow(context.Background(), client, marketplace.Window{}, false, nil)
	require.ErrorIs(t, err, marketplace.ErrMissingPostedAfter)
}

func TestExecutionIDThreadedThroughEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result := f.service.Sync(ctx, Request{OrderID: testOrderID, Payload: singleItemPayload()})
	require.True(t, result.Success)

	events, err := f.events.LoadByExecution(ctx, result.ExecutionID.String())
	require.NoError(t, err)
	require.NotEmpty(t, events)

	// Both the order aggregate and the run aggregate contributed.
	aggregates := make(map[string]bool)
	for _, e := range events {
		assert.Equal(t, result.ExecutionID.String(), e.ExecutionID)
		aggregates[e.AggregateID] = true
	}
	assert.True(t, aggregates[testOrderID.String()])
	assert.True(t, aggregates[order.SyncAggregateID(result.ExecutionID)])
}
