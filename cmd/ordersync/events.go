package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"order_sync/infrastructure/eventstore"
)

func newEventsCommand() *cobra.Command {
	var (
		aggregateID string
		executionID string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the event log by aggregate or execution id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (aggregateID == "") == (executionID == "") {
				return fmt.Errorf("exactly one of --aggregate or --execution is required")
			}

			rt, err := buildRuntime(false)
			if err != nil {
				return err
			}
			defer rt.close()

			var events []eventstore.Event
			if aggregateID != "" {
				events, err = rt.events.Load(cmd.Context(), aggregateID)
			} else {
				events, err = rt.events.LoadByExecution(cmd.Context(), executionID)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			for _, evt := range events {
				line := map[string]any{
					"sequence":     evt.SequenceNumber,
					"event_type":   evt.EventType,
					"aggregate_id": evt.AggregateID,
					"execution_id": evt.ExecutionID,
					"occurred_at":  evt.OccurredAt,
					"data":         json.RawMessage(evt.EventData),
				}
				if err := enc.Encode(line); err != nil {
					return err
				}
			}

			fmt.Fprintf(os.Stderr, "%d event(s)\n", len(events))
			return nil
		},
	}

	cmd.Flags().StringVar(&aggregateID, "aggregate", "", "aggregate id (order id or sync-<execution_id>)")
	cmd.Flags().StringVar(&executionID, "execution", "", "execution id")
	return cmd
}
