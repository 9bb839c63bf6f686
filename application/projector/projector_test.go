package projector

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order_sync/application/aggregates"
	"order_sync/application/notification"
	"order_sync/domain/fees"
	"order_sync/domain/finance"
	"order_sync/domain/money"
	"order_sync/domain/order"
	"order_sync/infrastructure/erp"
	"order_sync/infrastructure/eventstore"
	"order_sync/infrastructure/messaging"
	"order_sync/infrastructure/snapshot"
)

const (
	testOrderID = money.OrderID("171-3322844-9760332")
	testExec    = money.ExecutionID("11111111-2222-3333-4444-555555555555")
)

func testTable(t *testing.T) *fees.Table {
	t.Helper()

	byKind := make(map[fees.Kind]fees.AccountMapping)
	for i, k := range fees.Kinds() {
		byKind[k] = fees.AccountMapping{AccountID: int64(5000 + i), AnalyticAccountID: 9000}
	}

	table, err := fees.NewTable(byKind, fees.AccountMapping{AccountID: 4001, AnalyticAccountID: 9000})
	require.NoError(t, err)
	return table
}

func feeLine(t *testing.T, table *fees.Table, code, amount, currency string) finance.Line {
	t.Helper()

	mapping, ok := table.Resolve(code)
	require.True(t, ok, "unknown code %s", code)
	return finance.Line{
		Type:    finance.LineFee,
		Amount:  money.MustNew(amount, currency),
		FeeCode: code,
		Account: &mapping,
	}
}

// seedOrder writes a shipped order with a verified breakdown into a fresh
// in-memory event store.
func seedOrder(t *testing.T, table *fees.Table, skus map[string]string) *aggregates.AggregateStore {
	t.Helper()

	store := aggregates.NewAggregateStore(
		eventstore.NewMemoryEventStore(),
		snapshot.NewMemoryStore(),
		snapshot.Never{},
		order.NewEventRegistry(),
	)

	o := order.NewOrder()
	require.NoError(t, o.Create(testOrderID, time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC),
		"buyer@example.com", "amazon.eg", testExec))

	principal := money.Zero("EGP")
	perSKU := make(map[string]finance.SKUTotals)
	for sku, amount := range skus {
		price := money.MustNew(amount, "EGP")
		require.NoError(t, o.AddItem(order.Item{
			SKU: sku, Title: sku, Quantity: 1, UnitPrice: price, Total: price,
		}, testExec))

		var err error
		principal, err = principal.Add(price)
		require.NoError(t, err)
		perSKU[sku] = finance.SKUTotals{
			Principal:  price,
			TotalSales: price,
			Net:        price,
			Quantity:   1,
		}
	}

	lines := []finance.Line{
		feeLine(t, table, "FBAPerUnitFulfillmentFee", "-21.66", "EGP"),
		feeLine(t, table, "Commission", "-27.21", "EGP"),
	}
	net, err := principal.Add(money.MustNew("-48.87", "EGP"))
	require.NoError(t, err)

	b := finance.Breakdown{
		OrderID:     testOrderID,
		Principal:   principal,
		Lines:       lines,
		NetProceeds: net,
		PostedDate:  time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, b.Verify(finance.DefaultTolerance))

	require.NoError(t, o.RecordFinancials(b, perSKU, testExec))
	require.NoError(t, o.MarkShipped(testExec))

	_, err = store.SaveOrder(context.Background(), o)
	require.NoError(t, err)
	return store
}

func newTestProjector(t *testing.T, store *aggregates.AggregateStore, mock *erp.Mock) *Projector {
	t.Helper()

	return New(
		messaging.NewMemoryStream(),
		mock,
		store,
		testTable(t),
		notification.NewService(),
		Config{
			JournalID:              7,
			WarehouseID:            3,
			GenericPartnerID:       99,
			InventoryLossAccountID: 6100,
			Workers:                1,
			RetryDelay:             time.Millisecond,
			PullTimeout:            20 * time.Millisecond,
		},
	)
}

func TestSingleItemInvoice(t *testing.T) {
	table := testTable(t)
	store := seedOrder(t, table, map[string]string{"JR-ZS283": "198.83"})

	mock := erp.NewMock()
	product := mock.AddProduct("JR-ZS283", "6221033")
	so := mock.AddSaleOrder(testOrderID.String(), "JR-ZS283")

	p := newTestProjector(t, store, mock)
	msg := messaging.NewParityVerified(testOrderID, "JR-ZS283",
		money.MustNew("149.96", "EGP"), 4001, testExec)

	require.NoError(t, p.Process(context.Background(), msg))

	inv, err := mock.FindInvoiceByOrigin(context.Background(), testOrderID.String())
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, erp.StatePosted, inv.State)
	assert.Equal(t, testOrderID.String(), inv.Origin)

	lines, err := mock.InvoiceLines(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, lines, 3) // 1 revenue + 2 fee codes

	revenue := lines[0]
	assert.Equal(t, product.ID, revenue.ProductID)
	assert.True(t, revenue.Storable)
	assert.True(t, revenue.PriceUnit.Equal(decimal.RequireFromString("198.83")))
	assert.Equal(t, []int64{so.Lines[0].ID}, revenue.SaleLineIDs)
	assert.Equal(t, int64(4001), revenue.AccountID)

	feeSum := decimal.Zero
	for _, l := range lines[1:] {
		assert.False(t, l.Storable)
		assert.Empty(t, l.SaleLineIDs)
		feeSum = feeSum.Add(l.PriceUnit)
	}
	assert.True(t, feeSum.Equal(decimal.RequireFromString("-48.87")))

	// The aggregate records the posting.
	o, err := store.LoadOrder(context.Background(), testOrderID.String())
	require.NoError(t, err)
	assert.Equal(t, order.StatusSynced, o.Status)

	assert.Equal(t, int64(1), p.Stats.InvoicesPosted.Load())
}

func TestMultiItemLinkage(t *testing.T) {
	table := testTable(t)
	store := seedOrder(t, table, map[string]string{"SKU-A": "100.00", "SKU-B": "148.87"})

	mock := erp.NewMock()
	prodA := mock.AddProduct("SKU-A", "")
	prodB := mock.AddProduct("SKU-B", "")
	so := mock.AddSaleOrder(testOrderID.String(), "SKU-A", "SKU-B")

	p := newTestProjector(t, store, mock)
	msg := messaging.NewParityVerified(testOrderID, "SKU-A",
		money.MustNew("200.00", "EGP"), 4001, testExec)

	require.NoError(t, p.Process(context.Background(), msg))

	inv, err := mock.FindInvoiceByOrigin(context.Background(), testOrderID.String())
	require.NoError(t, err)
	require.NotNil(t, inv)

	lines, err := mock.InvoiceLines(context.Background(), inv.ID)
	require.NoError(t, err)

	saleLineByProduct := map[int64]int64{
		prodA.ID: so.Lines[0].ID,
		prodB.ID: so.Lines[1].ID,
	}
	storable := 0
	for _, l := range lines {
		if !l.Storable {
			continue
		}
		storable++
		require.Len(t, l.SaleLineIDs, 1)
		assert.Equal(t, saleLineByProduct[l.ProductID], l.SaleLineIDs[0])
	}
	assert.Equal(t, 2, storable)
}

func TestDuplicateDeliveryIsNoOp(t *testing.T) {
	table := testTable(t)
	store := seedOrder(t, table, map[string]string{"JR-ZS283": "198.83"})

	mock := erp.NewMock()
	mock.AddProduct("JR-ZS283", "")
	mock.AddSaleOrder(testOrderID.String(), "JR-ZS283")

	p := newTestProjector(t, store, mock)
	msg := messaging.NewParityVerified(testOrderID, "JR-ZS283",
		money.MustNew("149.96", "EGP"), 4001, testExec)

	require.NoError(t, p.Process(context.Background(), msg))
	require.NoError(t, p.Process(context.Background(), msg))

	assert.Len(t, mock.Invoices, 1)
	assert.Equal(t, 1, mock.PostedInvoiceCount())
	assert.Equal(t, int64(1), p.Stats.InvoicesPosted.Load())
	assert.Equal(t, int64(1), p.Stats.Skipped.Load())
}

func TestMissingProductSkipsRevenueLine(t *testing.T) {
	table := testTable(t)
	store := seedOrder(t, table, map[string]string{"JR-ZS283": "198.83"})

	mock := erp.NewMock() // no products seeded
	mock.AddSaleOrder(testOrderID.String(), "JR-ZS283")

	p := newTestProjector(t, store, mock)
	msg := messaging.NewParityVerified(testOrderID, "JR-ZS283",
		money.MustNew("149.96", "EGP"), 4001, testExec)

	require.NoError(t, p.Process(context.Background(), msg))

	inv, err := mock.FindInvoiceByOrigin(context.Background(), testOrderID.String())
	require.NoError(t, err)
	require.NotNil(t, inv)

	lines, err := mock.InvoiceLines(context.Background(), inv.ID)
	require.NoError(t, err)
	for _, l := range lines {
		assert.False(t, l.Storable, "no storable line expected without an ERP product")
	}
	require.Len(t, lines, 2) // fee codes only
}

func TestDuplicateStorableLinesHaltProjection(t *testing.T) {
	table := testTable(t)
	store := seedOrder(t, table, map[string]string{"JR-ZS283": "198.83"})

	mock := erp.NewMock()
	product := mock.AddProduct("JR-ZS283", "")

	// A corrupted draft left by an earlier run: two storable lines on one
	// product. The projector resumes the draft, posts, and must refuse it.
	draftID, err := mock.CreateCustomerInvoice(context.Background(), erp.InvoiceDraft{
		Origin:   testOrderID.String(),
		MoveType: erp.MoveTypeOutInvoice,
		Lines: []erp.InvoiceLine{
			{ProductID: product.ID, Storable: true, Quantity: decimal.NewFromInt(1), PriceUnit: decimal.RequireFromString("100.00")},
			{ProductID: product.ID, Storable: true, Quantity: decimal.NewFromInt(1), PriceUnit: decimal.RequireFromString("98.83")},
		},
	})
	require.NoError(t, err)
	require.NotZero(t, draftID)

	p := newTestProjector(t, store, mock)
	msg := messaging.NewParityVerified(testOrderID, "JR-ZS283",
		money.MustNew("149.96", "EGP"), 4001, testExec)

	err = p.Process(context.Background(), msg)
	require.ErrorIs(t, err, ErrDuplicateProductLine)
}

func TestERPRetryRecoversTransientFailure(t *testing.T) {
	table := testTable(t)
	store := seedOrder(t, table, map[string]string{"JR-ZS283": "198.83"})

	mock := erp.NewMock()
	mock.AddProduct("JR-ZS283", "")
	mock.AddSaleOrder(testOrderID.String(), "JR-ZS283")
	mock.FailNext["PostInvoice"] = assert.AnError

	p := newTestProjector(t, store, mock)
	msg := messaging.NewParityVerified(testOrderID, "JR-ZS283",
		money.MustNew("149.96", "EGP"), 4001, testExec)

	require.NoError(t, p.Process(context.Background(), msg))
	assert.Equal(t, 1, mock.PostedInvoiceCount())
}

func TestReimbursementEntryIdempotent(t *testing.T) {
	table := testTable(t)
	store := seedOrder(t, table, map[string]string{"JR-ZS283": "198.83"})

	mock := erp.NewMock()
	p := newTestProjector(t, store, mock)

	msg := messaging.NewReimbursement(testOrderID, money.MustNew("42.00", "EGP"), 6200, testExec)
	require.NoError(t, p.Process(context.Background(), msg))
	require.NoError(t, p.Process(context.Background(), msg))

	assert.Len(t, mock.Reimbursements, 1)
	assert.Equal(t, int64(2), p.Stats.Reimbursements.Load())
	assert.Empty(t, mock.Invoices)
}

func TestRunConsumesStream(t *testing.T) {
	table := testTable(t)
	store := seedOrder(t, table, map[string]string{"JR-ZS283": "198.83"})

	mock := erp.NewMock()
	mock.AddProduct("JR-ZS283", "")
	mock.AddSaleOrder(testOrderID.String(), "JR-ZS283")

	stream := messaging.NewMemoryStream()
	p := New(stream, mock, store, table, notification.NewService(), Config{
		JournalID:        7,
		GenericPartnerID: 99,
		Workers:          2,
		RetryDelay:       time.Millisecond,
		PullTimeout:      20 * time.Millisecond,
	})

	_, err := stream.Publish(context.Background(), messaging.TopicFinance,
		messaging.NewParityVerified(testOrderID, "JR-ZS283", money.MustNew("149.96", "EGP"), 4001, testExec))
	require.NoError(t, err)
	_, err = stream.Publish(context.Background(), messaging.TopicFinance,
		messaging.NewReimbursement(testOrderID, money.MustNew("42.00", "EGP"), 6200, testExec))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return p.Stats.Processed.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, mock.PostedInvoiceCount())
	assert.Len(t, mock.Reimbursements, 1)
}
