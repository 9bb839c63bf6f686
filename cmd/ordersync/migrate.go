package main

import (
	"log"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the event and snapshot tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime(false)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := cmd.Context()
			if err := rt.events.Migrate(ctx); err != nil {
				return err
			}
			if err := rt.snaps.Migrate(ctx); err != nil {
				return err
			}

			log.Println("✅ Schema is up to date")
			return nil
		},
	}
}
