// Package projector consumes the finance hand-off stream and posts invoices
// to the ERP. Projection is idempotent: the origin lookup is the primary
// gate, so at-least-once delivery never double-posts.
package projector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"order_sync/application/aggregates"
	"order_sync/application/notification"
	"order_sync/domain/fees"
	"order_sync/domain/finance"
	"order_sync/domain/money"
	"order_sync/domain/order"
	"order_sync/infrastructure/erp"
	"order_sync/infrastructure/eventstore"
	"order_sync/infrastructure/messaging"
)

// ErrDuplicateProductLine reports two storable lines sharing one product id
// in a posted invoice. This should be impossible by construction; the pool
// halts on it.
var ErrDuplicateProductLine = errors.New("duplicate storable product line in posted invoice")

// placeholderPrefix marks synthetic SKUs that never match a sale line.
const placeholderPrefix = "AMZ-"

const erpRetryAttempts = 3

// Config carries the static ERP identifiers and pool sizing.
type Config struct {
	JournalID              int64
	WarehouseID            int64
	GenericPartnerID       int64
	InventoryLossAccountID int64

	// Source labels synthetic service products, e.g. "amazon".
	Source string

	Workers     int
	BatchSize   int
	PullTimeout time.Duration

	// RetryDelay is the base ERP retry delay; attempt n waits n×RetryDelay.
	RetryDelay time.Duration
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 2 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.Source == "" {
		c.Source = "amazon"
	}
}

// Stats are process-wide projection counters.
type Stats struct {
	Processed      atomic.Int64
	InvoicesPosted atomic.Int64
	Skipped        atomic.Int64
	Reimbursements atomic.Int64
}

// Projector is the long-running consumer pool. Workers share nothing mutable
// except the service-product cache.
type Projector struct {
	stream   messaging.Stream
	client   erp.Client
	orders   *aggregates.AggregateStore
	table    *fees.Table
	notifier *notification.Service
	cfg      Config

	Stats Stats

	mu       sync.Mutex
	services map[string]*erp.Product // (source|code) → service product
}

func New(
	stream messaging.Stream,
	client erp.Client,
	orders *aggregates.AggregateStore,
	table *fees.Table,
	notifier *notification.Service,
	cfg Config,
) *Projector {
	cfg.defaults()
	return &Projector{
		stream:   stream,
		client:   client,
		orders:   orders,
		table:    table,
		notifier: notifier,
		cfg:      cfg,
		services: make(map[string]*erp.Product),
	}
}

// Run starts the worker pool and blocks until the context is cancelled or a
// worker hits a fatal invariant violation.
func (p *Projector) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error { return p.runWorker(ctx, worker) })
	}

	return g.Wait()
}

func (p *Projector) runWorker(ctx context.Context, id int) error {
	consumer, err := p.stream.Subscribe(messaging.TopicFinance, messaging.GroupFinance)
	if err != nil {
		return fmt.Errorf("worker %d subscribe: %w", id, err)
	}
	defer consumer.Close()

	log.Printf("👂 projector worker %d consuming %s/%s", id, messaging.TopicFinance, messaging.GroupFinance)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		deliveries, err := consumer.Pull(ctx, p.cfg.BatchSize, p.cfg.PullTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("⚠️  worker %d pull failed: %v", id, err)
			continue
		}

		// Messages within a batch are processed sequentially to keep the
		// consumer-group ordering.
		for _, d := range deliveries {
			if err := p.Process(ctx, d.Msg); err != nil {
				_ = consumer.Nack(d.ID)

				if errors.Is(err, ErrDuplicateProductLine) {
					p.notifier.NotifyError(ctx,
						fmt.Sprintf("invariant violation, projector halting: %v", err))
					return err
				}

				log.Printf("⚠️  worker %d: %s for order %s left unacked: %v",
					id, d.Msg.EventType, d.Msg.OrderID, err)
				continue
			}

			if err := consumer.Ack(d.ID); err != nil {
				log.Printf("⚠️  worker %d ack %s failed: %v", id, d.ID, err)
			}
		}
	}
}

// Process handles one stream message. A nil return means the message may be
// acknowledged; any error leaves it pending for redelivery.
func (p *Projector) Process(ctx context.Context, msg messaging.Message) error {
	p.Stats.Processed.Add(1)

	switch msg.EventType {
	case messaging.EventParityVerified:
		return p.projectInvoice(ctx, msg)
	case messaging.EventReimbursement:
		return p.projectReimbursement(ctx, msg)
	default:
		// Unknown types are acked, not poisoned: the log is authoritative.
		log.Printf("⚠️  dropping message with unknown event type %q (order %s)",
			msg.EventType, msg.OrderID)
		p.Stats.Skipped.Add(1)
		return nil
	}
}

func (p *Projector) projectInvoice(ctx context.Context, msg messaging.Message) error {
	orderID := msg.OrderID

	// Step 1: idempotency gate.
	existing, err := p.client.FindInvoiceByOrigin(ctx, orderID)
	if err != nil {
		return fmt.Errorf("find invoice for %s: %w", orderID, err)
	}
	if existing != nil && existing.State == erp.StatePosted {
		log.Printf("✅ invoice %s already posted for %s, nothing to do", existing.Number, orderID)
		p.Stats.Skipped.Add(1)
		return nil
	}

	o, err := p.orders.LoadOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	if o.Breakdown == nil {
		return fmt.Errorf("order %s has no financial breakdown", orderID)
	}

	// Step 2: sale-order linkage indexes.
	saleLineBySKU, err := p.saleLineIndex(ctx, o)
	if err != nil {
		return err
	}

	// Step 3: partner.
	partnerID, err := p.resolvePartner(ctx, o)
	if err != nil {
		return fmt.Errorf("resolve partner for %s: %w", orderID, err)
	}

	// Step 4: lines.
	lines, err := p.buildLines(ctx, o, saleLineBySKU)
	if err != nil {
		return err
	}

	// Step 5: reject empty invoices.
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.PriceUnit.Mul(l.Quantity))
	}
	if total.IsZero() {
		log.Printf("⚠️  order %s produces a zero-total invoice, skipping", orderID)
		p.Stats.Skipped.Add(1)
		return nil
	}

	draft := erp.InvoiceDraft{
		PartnerID: partnerID,
		Origin:    orderID,
		Reference: orderID,
		Date:      p.invoiceDate(o),
		JournalID: p.cfg.JournalID,
		MoveType:  erp.MoveTypeOutInvoice,
		Lines:     lines,
	}

	var invoiceID int64
	if existing != nil {
		invoiceID = existing.ID // draft left over from an interrupted run
	} else {
		err = p.withRetry(ctx, "create invoice", func() error {
			invoiceID, err = p.client.CreateCustomerInvoice(ctx, draft)
			return err
		})
		if err != nil {
			return fmt.Errorf("create invoice for %s: %w", orderID, err)
		}
	}

	// Step 6: post.
	if err := p.withRetry(ctx, "post invoice", func() error {
		return p.client.PostInvoice(ctx, invoiceID)
	}); err != nil {
		return fmt.Errorf("post invoice %d for %s: %w", invoiceID, orderID, err)
	}

	// Step 7: validation pass over the posted lines.
	if err := p.validatePostedLines(ctx, invoiceID, orderID); err != nil {
		return err
	}

	p.Stats.InvoicesPosted.Add(1)
	log.Printf("✅ posted invoice %d for order %s (total %s)", invoiceID, orderID, total)

	p.recordSynced(ctx, o, invoiceID, msg.ExecutionID)
	return nil
}

// saleLineIndex loads (or creates) the sale order for the aggregate and
// indexes its lines by SKU.
func (p *Projector) saleLineIndex(ctx context.Context, o *order.Order) (map[string]int64, error) {
	so, err := p.client.FindSaleOrderByOrigin(ctx, o.ID)
	if err != nil {
		return nil, fmt.Errorf("find sale order for %s: %w", o.ID, err)
	}

	if so == nil && len(o.Items) > 0 {
		draft := erp.SaleOrderDraft{
			Origin:      o.ID,
			Date:        o.PurchaseDate,
			WarehouseID: p.cfg.WarehouseID,
			Metadata:    map[string]string{"marketplace": o.Marketplace},
		}
		for _, item := range o.Items {
			var productID int64
			if prod, perr := p.client.FindProductBySKUOrBarcode(ctx, item.SKU); perr == nil && prod != nil {
				productID = prod.ID
			}
			draft.Lines = append(draft.Lines, erp.SaleLine{ProductID: productID, SKU: item.SKU})
		}

		if _, err := p.client.CreateSaleOrder(ctx, draft); err != nil {
			return nil, fmt.Errorf("create sale order for %s: %w", o.ID, err)
		}
		if so, err = p.client.FindSaleOrderByOrigin(ctx, o.ID); err != nil {
			return nil, fmt.Errorf("reload sale order for %s: %w", o.ID, err)
		}
		log.Printf("📤 created sale order for %s with %d lines", o.ID, len(draft.Lines))
	}

	index := make(map[string]int64)
	if so == nil {
		log.Printf("⚠️  no sale order for %s, invoice lines will carry no linkage", o.ID)
		return index, nil
	}

	for _, line := range so.Lines {
		if strings.HasPrefix(line.SKU, placeholderPrefix) {
			log.Printf("⚠️  placeholder SKU %s on sale order %s, skipping linkage", line.SKU, o.ID)
			continue
		}
		index[line.SKU] = line.ID
	}
	return index, nil
}

func (p *Projector) resolvePartner(ctx context.Context, o *order.Order) (int64, error) {
	if o.BuyerEmail == "" {
		return p.cfg.GenericPartnerID, nil
	}

	partner, err := p.client.FindOrCreatePartner(ctx,
		"Marketplace buyer "+o.ID, o.BuyerEmail, o.ID)
	if err != nil {
		return 0, err
	}
	return partner.ID, nil
}

func (p *Projector) buildLines(ctx context.Context, o *order.Order, saleLineBySKU map[string]int64) ([]erp.InvoiceLine, error) {
	var lines []erp.InvoiceLine
	principal := p.table.Principal()

	// Product revenue lines, one per SKU, deterministic order.
	skus := make([]string, 0, len(o.PerSKU))
	for sku := range o.PerSKU {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	for _, sku := range skus {
		totals := o.PerSKU[sku]
		if totals.Principal.IsZero() {
			continue
		}

		product, err := p.client.FindProductBySKUOrBarcode(ctx, sku)
		if err != nil {
			return nil, fmt.Errorf("lookup product %s: %w", sku, err)
		}
		if product == nil {
			// Products are owned by a separate pipeline; absence is not ours
			// to fix.
			log.Printf("⚠️  product %s not found in ERP, skipping revenue line for %s", sku, o.ID)
			continue
		}

		qty := totals.Quantity
		if qty <= 0 {
			qty = 1
		}

		line := erp.InvoiceLine{
			ProductID:         product.ID,
			Storable:          product.Storable,
			Description:       sku,
			Quantity:          decimal.NewFromInt(qty),
			PriceUnit:         totals.Principal.Amount.Div(decimal.NewFromInt(qty)),
			AccountID:         principal.AccountID,
			AnalyticAccountID: principal.AnalyticAccountID,
		}

		if saleLineID, ok := saleLineBySKU[sku]; ok {
			line.SaleLineIDs = []int64{saleLineID}
		} else {
			log.Printf("⚠️  no sale line for SKU %s on %s, invoice line added without linkage", sku, o.ID)
		}

		lines = append(lines, line)
	}

	// Fee, charge and promo lines aggregated by code, sign preserved.
	type feeTotal struct {
		sum     decimal.Decimal
		account *fees.AccountMapping
	}
	byCode := make(map[string]*feeTotal)
	var codes []string

	for _, l := range o.Breakdown.Lines {
		if l.Type == finance.LinePrincipal {
			continue
		}
		code := l.FeeCode
		if code == "" {
			code = string(l.Type)
		}
		ft, ok := byCode[code]
		if !ok {
			ft = &feeTotal{sum: decimal.Zero, account: l.Account}
			byCode[code] = ft
			codes = append(codes, code)
		}
		ft.sum = ft.sum.Add(l.Amount.Amount)
	}
	sort.Strings(codes)

	for _, code := range codes {
		ft := byCode[code]
		if ft.sum.IsZero() {
			continue
		}

		service, err := p.serviceProduct(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("service product for %s: %w", code, err)
		}

		line := erp.InvoiceLine{
			ProductID:   service.ID,
			Storable:    false,
			Description: code,
			Quantity:    decimal.NewFromInt(1),
			PriceUnit:   ft.sum,
		}
		if ft.account != nil {
			line.AccountID = ft.account.AccountID
			line.AnalyticAccountID = ft.account.AnalyticAccountID
		}

		lines = append(lines, line)
	}

	return lines, nil
}

// serviceProduct is the cache-aside lookup of synthetic fee carriers. One
// mutex guards the process-wide cache.
func (p *Projector) serviceProduct(ctx context.Context, code string) (*erp.Product, error) {
	key := p.cfg.Source + "|" + code

	p.mu.Lock()
	if prod, ok := p.services[key]; ok {
		p.mu.Unlock()
		return prod, nil
	}
	p.mu.Unlock()

	prod, err := p.client.FindOrCreateServiceProduct(ctx, p.cfg.Source, code, code)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.services[key] = prod
	p.mu.Unlock()
	return prod, nil
}

func (p *Projector) invoiceDate(o *order.Order) time.Time {
	if o.Breakdown != nil && !o.Breakdown.PostedDate.IsZero() {
		return o.Breakdown.PostedDate
	}
	if !o.PurchaseDate.IsZero() {
		return o.PurchaseDate
	}
	log.Printf("⚠️  order %s has neither posted date nor purchase date, invoicing at now", o.ID)
	return time.Now().UTC()
}

func (p *Projector) validatePostedLines(ctx context.Context, invoiceID int64, orderID string) error {
	lines, err := p.client.InvoiceLines(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("read back lines of invoice %d: %w", invoiceID, err)
	}

	seen := make(map[int64]bool)
	for _, l := range lines {
		if !l.Storable {
			continue // service products may repeat
		}
		if seen[l.ProductID] {
			return fmt.Errorf("%w: invoice %d for %s, product %d",
				ErrDuplicateProductLine, invoiceID, orderID, l.ProductID)
		}
		seen[l.ProductID] = true
	}
	return nil
}

// recordSynced moves the aggregate to Synced in the event log. Best effort:
// the posted invoice is the idempotency truth, so a failed append only costs
// observability.
func (p *Projector) recordSynced(ctx context.Context, o *order.Order, invoiceID int64, executionID string) {
	execID, err := money.ParseExecutionID(executionID)
	if err != nil {
		log.Printf("⚠️  message for %s carries bad execution id %q: %v", o.ID, executionID, err)
		return
	}

	record := func() error {
		if err := o.RecordInvoice(invoiceID, "", execID); err != nil {
			return err
		}
		if err := o.MarkSynced(invoiceID, execID); err != nil {
			return err
		}
		_, err := p.orders.SaveOrder(ctx, o)
		return err
	}

	if err := record(); err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			// Someone else advanced the aggregate; re-read and retry once.
			if fresh, lerr := p.orders.LoadOrder(ctx, o.ID); lerr == nil {
				o = fresh
				err = record()
			}
		}
		if err != nil {
			log.Printf("⚠️  invoice %d posted but sync events for %s not recorded: %v",
				invoiceID, o.ID, err)
		}
	}
}

func (p *Projector) projectReimbursement(ctx context.Context, msg messaging.Message) error {
	amount, err := msg.Net()
	if err != nil {
		return fmt.Errorf("reimbursement for %s carries bad amount %q: %w",
			msg.OrderID, msg.NetProceeds, err)
	}

	creditAccount, err := strconv.ParseInt(msg.AccountID, 10, 64)
	if err != nil {
		return fmt.Errorf("reimbursement for %s carries bad account %q: %w",
			msg.OrderID, msg.AccountID, err)
	}

	currency := ""
	date := time.Now().UTC()
	if o, err := p.orders.LoadOrder(ctx, msg.OrderID); err == nil {
		currency = o.OrderTotal.Currency
		if o.Breakdown != nil && !o.Breakdown.PostedDate.IsZero() {
			date = o.Breakdown.PostedDate
		}
	}

	entry := erp.ReimbursementEntry{
		OrderID:         msg.OrderID,
		EventType:       msg.EventType,
		Amount:          amount,
		Currency:        currency,
		DebitAccountID:  p.cfg.InventoryLossAccountID,
		CreditAccountID: creditAccount,
		Date:            date,
	}

	var entryID int64
	if err := p.withRetry(ctx, "reimbursement entry", func() error {
		entryID, err = p.client.CreateReimbursementEntry(ctx, entry)
		return err
	}); err != nil {
		return fmt.Errorf("reimbursement entry for %s: %w", msg.OrderID, err)
	}

	p.Stats.Reimbursements.Add(1)
	log.Printf("✅ reimbursement entry %d recorded for %s (%s)", entryID, msg.OrderID, amount)
	return nil
}

// withRetry runs an ERP call with bounded linear backoff: attempt n waits
// n×RetryDelay, three attempts total.
func (p *Projector) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= erpRetryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == erpRetryAttempts {
			break
		}

		delay := time.Duration(attempt) * p.cfg.RetryDelay
		log.Printf("⏳ erp %s failed (attempt %d/%d), retrying in %s: %v",
			op, attempt, erpRetryAttempts, delay, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
