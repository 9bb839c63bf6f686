package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"order_sync/application/syncorder"
	"order_sync/domain/finance"
	"order_sync/domain/money"
	"order_sync/infrastructure/marketplace"
)

func newSyncCommand() *cobra.Command {
	var (
		orderID     string
		payload     string
		payloadDir  string
		eventsFile  string
		postedAfter string
		buyerEmail  string
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync one order from a payload file, or a batch from a directory",
		Long: `Sync runs the financial decomposition pipeline for marketplace orders.

With --payload, a single order is synced from one raw financial-events JSON
file. With --payload-dir, every <order-id>.json file in the directory becomes
one batch entry. With --events-file and --posted-after, a paginated
marketplace export is replayed through the adapter's window semantics. The
process exits non-zero when any order in the batch fails.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime(!dryRun)
			if err != nil {
				return err
			}
			defer rt.close()

			table, err := rt.cfg.FeeTable()
			if err != nil {
				return err
			}

			service := syncorder.NewService(
				finance.NewDecomposer(table, rt.cfg.Tolerance()),
				rt.store,
				rt.events,
				rt.stream,
				table,
				rt.notifier,
			)

			var counters syncorder.BatchCounters
			if eventsFile != "" {
				counters, err = syncWindow(cmd.Context(), service, eventsFile, postedAfter, dryRun)
			} else {
				counters, err = syncFiles(cmd.Context(), service,
					orderID, payload, payloadDir, buyerEmail, rt.cfg.Marketplace, dryRun)
			}
			if err != nil {
				return err
			}

			if counters.Failed > 0 {
				return fmt.Errorf("%d of %d orders failed", counters.Failed, counters.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&orderID, "order-id", "", "marketplace order id (single-order mode)")
	cmd.Flags().StringVar(&payload, "payload", "", "raw financial-events JSON file (single-order mode)")
	cmd.Flags().StringVar(&payloadDir, "payload-dir", "", "directory of <order-id>.json payload files (batch mode)")
	cmd.Flags().StringVar(&eventsFile, "events-file", "", "paginated marketplace export (window mode)")
	cmd.Flags().StringVar(&postedAfter, "posted-after", "", "window lower bound, RFC3339 (required in window mode)")
	cmd.Flags().StringVar(&buyerEmail, "buyer-email", "", "buyer email for partner resolution")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "append events but skip the ERP hand-off")
	return cmd
}

func syncFiles(
	ctx context.Context,
	service *syncorder.Service,
	orderID, payload, payloadDir, buyerEmail, marketplaceName string,
	dryRun bool,
) (syncorder.BatchCounters, error) {
	requests, err := collectRequests(orderID, payload, payloadDir, buyerEmail, dryRun)
	if err != nil {
		return syncorder.BatchCounters{}, err
	}
	for i := range requests {
		requests[i].Marketplace = marketplaceName
	}

	counters, _ := service.SyncBatch(ctx, requests, nil)
	return counters, nil
}

// syncWindow replays a paginated export file through the marketplace
// adapter, so window clamping and pagination behave exactly as against the
// live API.
func syncWindow(
	ctx context.Context,
	service *syncorder.Service,
	eventsFile, postedAfter string,
	dryRun bool,
) (syncorder.BatchCounters, error) {
	var window marketplace.Window
	if postedAfter != "" {
		after, err := time.Parse(time.RFC3339, postedAfter)
		if err != nil {
			return syncorder.BatchCounters{}, fmt.Errorf("invalid --posted-after: %w", err)
		}
		window.PostedAfter = after
	}

	raw, err := os.ReadFile(eventsFile)
	if err != nil {
		return syncorder.BatchCounters{}, fmt.Errorf("read events file: %w", err)
	}

	var pages []marketplace.Page
	if err := json.Unmarshal(raw, &pages); err != nil {
		return syncorder.BatchCounters{}, fmt.Errorf("parse events file: %w", err)
	}

	next := 0
	client := marketplace.NewClient(func(_ context.Context, _ marketplace.Query) (*marketplace.Page, error) {
		if next >= len(pages) {
			return &marketplace.Page{}, nil
		}
		page := pages[next]
		next++
		return &page, nil
	}, marketplace.WithRate(rate.Inf, 1))

	counters, _, err := service.SyncWindow(ctx, client, window, dryRun, nil)
	return counters, err
}

func collectRequests(orderID, payload, payloadDir, buyerEmail string, dryRun bool) ([]syncorder.Request, error) {
	switch {
	case payload != "" && payloadDir != "":
		return nil, fmt.Errorf("--payload and --payload-dir are mutually exclusive")

	case payload != "":
		if orderID == "" {
			return nil, fmt.Errorf("--order-id is required with --payload")
		}
		req, err := readRequest(orderID, payload, buyerEmail, dryRun)
		if err != nil {
			return nil, err
		}
		return []syncorder.Request{req}, nil

	case payloadDir != "":
		entries, err := os.ReadDir(payloadDir)
		if err != nil {
			return nil, fmt.Errorf("read payload dir: %w", err)
		}

		var requests []syncorder.Request
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			id := strings.TrimSuffix(entry.Name(), ".json")
			req, err := readRequest(id, filepath.Join(payloadDir, entry.Name()), buyerEmail, dryRun)
			if err != nil {
				return nil, err
			}
			requests = append(requests, req)
		}

		if len(requests) == 0 {
			return nil, fmt.Errorf("no payload files in %s", payloadDir)
		}
		return requests, nil

	default:
		return nil, fmt.Errorf("one of --payload or --payload-dir is required")
	}
}

func readRequest(rawID, path, buyerEmail string, dryRun bool) (syncorder.Request, error) {
	id, err := money.NewOrderID(rawID)
	if err != nil {
		return syncorder.Request{}, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return syncorder.Request{}, fmt.Errorf("read payload %s: %w", path, err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return syncorder.Request{}, fmt.Errorf("parse payload %s: %w", path, err)
	}

	return syncorder.Request{
		OrderID:    id,
		Payload:    payload,
		BuyerEmail: buyerEmail,
		DryRun:     dryRun,
	}, nil
}
