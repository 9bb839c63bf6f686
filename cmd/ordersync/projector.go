package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"order_sync/application/projector"
	"order_sync/infrastructure/erp"
)

func newProjectorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "projector",
		Short: "Run the ERP invoice projector until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime(true)
			if err != nil {
				return err
			}
			defer rt.close()

			table, err := rt.cfg.FeeTable()
			if err != nil {
				return err
			}

			// The ERP transport is swapped in behind erp.Client; the
			// in-memory variant serves local runs and demos.
			client := erp.NewMock()
			log.Println("✅ ERP client initialized (in-memory)")

			p := projector.New(rt.stream, client, rt.store, table, rt.notifier, projector.Config{
				JournalID:              rt.cfg.ERP.JournalID,
				WarehouseID:            rt.cfg.ERP.WarehouseID,
				GenericPartnerID:       rt.cfg.ERP.GenericPartnerID,
				InventoryLossAccountID: rt.cfg.ERP.InventoryLossAccountID,
				Source:                 rt.cfg.ERP.Source,
				Workers:                rt.cfg.Projector.Workers,
				BatchSize:              rt.cfg.Projector.BatchSize,
			})

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- p.Run(ctx) }()
			log.Println("🔄 Projector running, press Ctrl+C to stop")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-done:
				return err
			case <-sigChan:
			}

			log.Println("🛑 Shutting down gracefully...")
			cancel()

			select {
			case err := <-done:
				return err
			case <-time.After(10 * time.Second):
				log.Println("⚠️  workers did not stop in time")
				return nil
			}
		},
	}
}
