// Package syncorder orchestrates one order sync end to end: decompose the
// raw financial events, update the event-sourced aggregate, hand the
// verified result off to the ERP projector via the stream, and report.
package syncorder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"order_sync/application/aggregates"
	"order_sync/application/notification"
	"order_sync/domain/fees"
	"order_sync/domain/finance"
	"order_sync/domain/money"
	"order_sync/domain/order"
	"order_sync/infrastructure/eventstore"
	"order_sync/infrastructure/messaging"
)

// Error kinds carried in SyncResult and OrderFailed events.
const (
	KindMalformedPayload    = "MalformedPayload"
	KindBalanceViolation    = "BalanceViolation"
	KindConcurrencyConflict = "ConcurrencyConflict"
	KindUpstreamUnavailable = "UpstreamUnavailable"
	KindInternal            = "Internal"
)

// Pipeline step names used in OrderFailed events.
const (
	StepExtract = "extract"
	StepPersist = "persist"
	StepPublish = "publish"
)

// Request is one order to sync.
type Request struct {
	OrderID      money.OrderID
	Payload      map[string]any
	BuyerEmail   string
	PurchaseDate time.Time
	Marketplace  string
	DryRun       bool
}

// SyncResult is the outcome of one sync invocation.
type SyncResult struct {
	ExecutionID money.ExecutionID
	OrderID     string
	Success     bool
	DryRun      bool
	Principal   money.Money
	Net         money.Money
	Sequence    int64
	Published   int
	InvoiceID   int64
	ErrorKind   string
	Message     string
}

// Service is the sync use-case orchestrator. Per-request: no fan-out within
// one order, every I/O boundary honors the caller's context.
type Service struct {
	decomposer *finance.Decomposer
	store      *aggregates.AggregateStore
	runLog     eventstore.EventStore
	stream     messaging.Publisher
	table      *fees.Table
	notifier   *notification.Service
}

func NewService(
	decomposer *finance.Decomposer,
	store *aggregates.AggregateStore,
	runLog eventstore.EventStore,
	stream messaging.Publisher,
	table *fees.Table,
	notifier *notification.Service,
) *Service {
	return &Service{
		decomposer: decomposer,
		store:      store,
		runLog:     runLog,
		stream:     stream,
		table:      table,
		notifier:   notifier,
	}
}

// Sync runs the pipeline for one order. Errors are recovered into the result
// and the event log; Sync itself never returns an error.
func (s *Service) Sync(ctx context.Context, req Request) SyncResult {
	execID := money.NewExecutionID()
	run := &runScope{service: s, executionID: execID}

	result := SyncResult{
		ExecutionID: execID,
		OrderID:     req.OrderID.String(),
		DryRun:      req.DryRun,
	}

	log.Printf("👂 sync %s starting (execution %s, dry_run=%v)", req.OrderID, execID, req.DryRun)
	run.append(ctx, order.NewSyncStarted(execID, req.OrderID.String(), req.DryRun))

	s.run(ctx, req, execID, run, &result)

	run.append(ctx, order.NewSyncCompleted(execID, req.OrderID.String(), result.Success, result.Message))
	return result
}

func (s *Service) run(ctx context.Context, req Request, execID money.ExecutionID, run *runScope, result *SyncResult) {
	// Step 1: decomposition. CPU-only; failures never touch the order's own
	// event stream.
	breakdown, perSKU, err := s.decompose(req)
	if err != nil {
		result.ErrorKind = classifyExtract(err)
		result.Message = err.Error()
		run.append(ctx, order.NewRunOrderFailed(execID, req.OrderID.String(),
			StepExtract, result.ErrorKind, result.Message))
		s.notifyFailure(ctx, run, fmt.Sprintf("sync %s failed at extract: %v", req.OrderID, err))
		return
	}

	result.Principal = breakdown.Principal
	result.Net = breakdown.NetProceeds

	// Step 2: aggregate. Optimistic-lock conflicts are retried once after a
	// reload; a second conflict surfaces.
	var seq int64
	for attempt := 0; ; attempt++ {
		o, lerr := s.loadOrCreate(ctx, req, execID)
		if lerr != nil {
			result.ErrorKind = KindInternal
			result.Message = lerr.Error()
			run.append(ctx, order.NewRunOrderFailed(execID, req.OrderID.String(),
				StepPersist, result.ErrorKind, result.Message))
			s.notifyFailure(ctx, run, fmt.Sprintf("sync %s failed to load aggregate: %v", req.OrderID, lerr))
			return
		}

		if o.Status == order.StatusSynced {
			// Already through the whole pipeline; only the run-scope pair is
			// emitted.
			result.Success = true
			result.Message = "already synced"
			if o.Breakdown != nil {
				result.Principal = o.Breakdown.Principal
				result.Net = o.Breakdown.NetProceeds
			}
			log.Printf("✅ sync %s: already synced, nothing to do", req.OrderID)
			return
		}

		seq, lerr = s.applyAndSave(ctx, o, *breakdown, perSKU, execID)
		if lerr == nil {
			result.Sequence = seq
			break
		}

		if errors.Is(lerr, eventstore.ErrConcurrencyConflict) && attempt == 0 {
			log.Printf("⏳ sync %s lost the optimistic lock, reloading once", req.OrderID)
			continue
		}

		result.ErrorKind = classifyPersist(lerr)
		result.Message = lerr.Error()
		run.append(ctx, order.NewRunOrderFailed(execID, req.OrderID.String(),
			StepPersist, result.ErrorKind, result.Message))
		s.notifyFailure(ctx, run, fmt.Sprintf("sync %s failed to persist: %v", req.OrderID, lerr))
		return
	}

	if req.DryRun {
		result.Success = true
		result.Message = "dry run, no hand-off"
		log.Printf("✅ sync %s dry run complete at seq %d", req.OrderID, seq)
		return
	}

	// Step 3: hand-off. One message per (order, SKU, net) tuple. The stream
	// is an optimization; on failure the event log replays the state.
	published, perr := s.publish(ctx, req.OrderID, perSKU, execID)
	result.Published = published
	if perr != nil {
		result.ErrorKind = KindUpstreamUnavailable
		result.Message = perr.Error()
		run.append(ctx, order.NewRunOrderFailed(execID, req.OrderID.String(),
			StepPublish, result.ErrorKind, result.Message))
		s.notifyFailure(ctx, run, fmt.Sprintf("sync %s failed to publish hand-off: %v", req.OrderID, perr))
		return
	}

	s.recordSaved(ctx, req.OrderID.String(), seq, execID)

	result.Success = true
	msg := fmt.Sprintf("sync %s verified: principal %s, net %s, %d hand-off message(s)",
		req.OrderID, result.Principal, result.Net, published)
	s.notifier.NotifySuccess(ctx, msg)
	run.append(ctx, order.NewNotificationSent(execID, notification.SeverityInfo, msg))
	log.Printf("✅ %s", msg)
}

func (s *Service) decompose(req Request) (*finance.Breakdown, map[string]finance.SKUTotals, error) {
	breakdown, err := s.decomposer.Decompose(req.OrderID, req.Payload)
	if err != nil {
		return nil, nil, err
	}

	bySKU, err := s.decomposer.PerSKU(req.OrderID, req.Payload)
	if err != nil {
		return nil, nil, err
	}

	perSKU := make(map[string]finance.SKUTotals, len(bySKU))
	for sku, totals := range bySKU {
		perSKU[sku] = *totals
	}
	return breakdown, perSKU, nil
}

// loadOrCreate rehydrates the order or creates it from the per-SKU view of
// the payload.
func (s *Service) loadOrCreate(ctx context.Context, req Request, execID money.ExecutionID) (*order.Order, error) {
	o, err := s.store.LoadOrder(ctx, req.OrderID.String())
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, eventstore.ErrAggregateNotFound) {
		return nil, err
	}

	o = order.NewOrder()
	purchaseDate := req.PurchaseDate
	if purchaseDate.IsZero() {
		purchaseDate = time.Now().UTC()
	}
	if err := o.Create(req.OrderID, purchaseDate, req.BuyerEmail, req.Marketplace, execID); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) applyAndSave(
	ctx context.Context,
	o *order.Order,
	b finance.Breakdown,
	perSKU map[string]finance.SKUTotals,
	execID money.ExecutionID,
) (int64, error) {
	// Order lines mirror the per-SKU principal so the projector can create a
	// sale order when the ERP has none.
	if len(o.Items) == 0 {
		for _, sku := range sortedKeys(perSKU) {
			totals := perSKU[sku]
			qty := totals.Quantity
			if qty <= 0 || totals.Principal.IsZero() {
				continue
			}
			unit := totals.Principal.DivInt(qty)
			if err := o.AddItem(order.Item{
				SKU:       sku,
				Title:     sku,
				Quantity:  qty,
				UnitPrice: unit,
				Total:     unit.Mul(qty),
			}, execID); err != nil {
				return 0, err
			}
		}
	}

	if err := o.RecordFinancials(b, perSKU, execID); err != nil {
		return 0, err
	}
	if err := o.RecordValidation(true, b.Principal, b.NetProceeds, "parity verified", execID); err != nil {
		return 0, err
	}
	if o.Status == order.StatusPending {
		if err := o.MarkShipped(execID); err != nil {
			return 0, err
		}
	}

	return s.store.SaveOrder(ctx, o)
}

func (s *Service) publish(ctx context.Context, orderID money.OrderID, perSKU map[string]finance.SKUTotals, execID money.ExecutionID) (int, error) {
	account := s.table.Principal().AccountID
	published := 0

	for _, sku := range sortedKeys(perSKU) {
		totals := perSKU[sku]
		msg := messaging.NewParityVerified(orderID, sku, totals.Net, account, execID)
		if _, err := s.stream.Publish(ctx, messaging.TopicFinance, msg); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

// recordSaved appends the OrderSaved projection event. Best effort.
func (s *Service) recordSaved(ctx context.Context, orderID string, seq int64, execID money.ExecutionID) {
	o, err := s.store.LoadOrder(ctx, orderID)
	if err != nil {
		log.Printf("⚠️  could not reload %s for OrderSaved: %v", orderID, err)
		return
	}
	if err := o.RecordSaved(int(seq), seq, execID); err != nil {
		log.Printf("⚠️  could not record OrderSaved for %s: %v", orderID, err)
		return
	}
	if _, err := s.store.SaveOrder(ctx, o); err != nil {
		log.Printf("⚠️  could not append OrderSaved for %s: %v", orderID, err)
	}
}

func (s *Service) notifyFailure(ctx context.Context, run *runScope, msg string) {
	s.notifier.NotifyError(ctx, msg)
	run.append(ctx, order.NewNotificationSent(run.executionID, notification.SeverityCritical, msg))
}

func classifyExtract(err error) string {
	var malformed *finance.MalformedPayloadError
	var balance *finance.BalanceError

	switch {
	case errors.As(err, &malformed):
		return KindMalformedPayload
	case errors.As(err, &balance):
		return KindBalanceViolation
	default:
		return KindInternal
	}
}

func classifyPersist(err error) string {
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return KindConcurrencyConflict
	}
	return KindInternal
}

func sortedKeys(m map[string]finance.SKUTotals) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// runScope appends run-level events under the sync-<execution_id> aggregate.
// Appends are best effort: losing an audit event never fails a sync.
type runScope struct {
	service     *Service
	executionID money.ExecutionID
	seq         int64
}

func (r *runScope) append(ctx context.Context, event eventstore.BaseFieldsProvider) {
	seq, err := r.service.runLog.Append(ctx, event, r.seq+1)
	if err != nil {
		log.Printf("⚠️  could not append run event %T for %s: %v", event, r.executionID, err)
		return
	}
	r.seq = seq
}
