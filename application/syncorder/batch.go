package syncorder

import (
	"context"
	"fmt"
	"log"
	"sort"

	"order_sync/domain/money"
	"order_sync/infrastructure/erp"
	"order_sync/infrastructure/marketplace"
)

// BatchCounters summarize one batch run. Failed > 0 maps to a non-zero exit
// code in the CLI driver.
type BatchCounters struct {
	Total           int
	Succeeded       int
	Failed          int
	InvoicesCreated int
	InvoicesFailed  int
}

func (c BatchCounters) String() string {
	return fmt.Sprintf("%d total, %d succeeded, %d failed, %d invoices created, %d invoices failed",
		c.Total, c.Succeeded, c.Failed, c.InvoicesCreated, c.InvoicesFailed)
}

// InvoiceLookup is the slice of the ERP surface the batch runner needs to
// report invoice outcomes. Optional; without it the invoice counters stay
// zero.
type InvoiceLookup interface {
	FindInvoiceByOrigin(ctx context.Context, origin string) (*erp.Invoice, error)
}

// SyncBatch syncs each request in order and emits the end-of-run summary at
// summary severity. Orders fail independently; a batch never aborts early
// except on context cancellation.
func (s *Service) SyncBatch(ctx context.Context, requests []Request, invoices InvoiceLookup) (BatchCounters, []SyncResult) {
	counters, results := s.syncAll(ctx, requests, invoices)
	s.summarize(ctx, counters)
	return counters, results
}

func (s *Service) syncAll(ctx context.Context, requests []Request, invoices InvoiceLookup) (BatchCounters, []SyncResult) {
	counters := BatchCounters{Total: len(requests)}
	results := make([]SyncResult, 0, len(requests))

	for _, req := range requests {
		if ctx.Err() != nil {
			log.Printf("⚠️  batch cancelled after %d of %d orders", len(results), len(requests))
			break
		}

		result := s.Sync(ctx, req)
		results = append(results, result)

		if result.Success {
			counters.Succeeded++
		} else {
			counters.Failed++
		}
	}

	if invoices != nil {
		for i := range results {
			if !results[i].Success || results[i].DryRun {
				continue
			}

			inv, err := invoices.FindInvoiceByOrigin(ctx, results[i].OrderID)
			if err != nil {
				log.Printf("⚠️  could not check invoice for %s: %v", results[i].OrderID, err)
				counters.InvoicesFailed++
				continue
			}
			if inv != nil && inv.State == erp.StatePosted {
				counters.InvoicesCreated++
				results[i].InvoiceID = inv.ID
			} else {
				counters.InvoicesFailed++
			}
		}
	}

	return counters, results
}

func (s *Service) summarize(ctx context.Context, counters BatchCounters) {
	s.notifier.NotifySummary(ctx, "batch sync finished: "+counters.String())
	log.Printf("📤 batch sync finished: %s", counters)
}

// SyncWindow pulls every order with financial events in the window from the
// marketplace and syncs them as one batch. Orders whose id fails validation
// count as failed without entering the pipeline.
func (s *Service) SyncWindow(
	ctx context.Context,
	mkt *marketplace.Client,
	w marketplace.Window,
	dryRun bool,
	invoices InvoiceLookup,
) (BatchCounters, []SyncResult, error) {
	byOrder, err := mkt.FinancialEvents(ctx, w)
	if err != nil {
		return BatchCounters{}, nil, err
	}

	ids := make([]string, 0, len(byOrder))
	for id := range byOrder {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		requests []Request
		rejected []SyncResult
	)
	for _, raw := range ids {
		id, err := money.NewOrderID(raw)
		if err != nil {
			log.Printf("⚠️  skipping order with invalid id %q: %v", raw, err)
			rejected = append(rejected, SyncResult{
				OrderID:   raw,
				ErrorKind: KindMalformedPayload,
				Message:   err.Error(),
			})
			continue
		}
		requests = append(requests, Request{
			OrderID: id,
			Payload: byOrder[raw],
			DryRun:  dryRun,
		})
	}

	counters, results := s.syncAll(ctx, requests, invoices)
	counters.Total += len(rejected)
	counters.Failed += len(rejected)
	s.summarize(ctx, counters)
	return counters, append(results, rejected...), nil
}
