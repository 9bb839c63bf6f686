package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"order_sync/application/aggregates"
	"order_sync/application/notification"
	"order_sync/config"
	"order_sync/domain/order"
	"order_sync/infrastructure/eventstore"
	"order_sync/infrastructure/messaging"
	"order_sync/infrastructure/snapshot"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "ordersync",
		Short:         "Marketplace order sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")

	root.AddCommand(newMigrateCommand())
	root.AddCommand(newSyncCommand())
	root.AddCommand(newProjectorCommand())
	root.AddCommand(newEventsCommand())

	if err := root.Execute(); err != nil {
		log.Printf("❌ %v", err)
		os.Exit(1)
	}
}

// runtime bundles everything the commands wire up from configuration.
type runtime struct {
	cfg      *config.Config
	db       *sql.DB
	events   *eventstore.PostgresEventStore
	snaps    *snapshot.PostgresStore
	store    *aggregates.AggregateStore
	stream   *messaging.RabbitStream
	notifier *notification.Service
}

func (rt *runtime) close() {
	if rt.stream != nil {
		rt.stream.Close()
	}
	if rt.db != nil {
		rt.db.Close()
	}
}

// buildRuntime connects to every backing service. Both connections retry:
// in container setups the engine often starts before its dependencies.
func buildRuntime(needStream bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:    cfg,
		db:     db,
		events: eventstore.NewPostgresEventStore(db),
		snaps:  snapshot.NewPostgresStore(db),
		notifier: notification.NewService(
			&notification.LogNotifier{Min: notification.SeverityInfo},
		),
	}
	rt.store = aggregates.NewAggregateStore(
		rt.events, rt.snaps, cfg.SnapshotStrategy(), order.NewEventRegistry())

	if needStream {
		rt.stream = messaging.NewRabbitStream(cfg.AMQPURL)
		if err := rt.stream.Connect(10); err != nil {
			rt.close()
			return nil, err
		}
	}

	return rt, nil
}

func openDatabase(url string) (*sql.DB, error) {
	var db *sql.DB
	var err error

	for attempt := 1; attempt <= 10; attempt++ {
		db, err = sql.Open("postgres", url)
		if err == nil {
			if err = db.Ping(); err == nil {
				log.Println("✅ Connected to PostgreSQL")
				return db, nil
			}
			db.Close()
		}

		log.Printf("⏳ Attempt %d/10: database not ready: %v", attempt, err)
		time.Sleep(2 * time.Second)
	}

	return nil, fmt.Errorf("connect to database after 10 attempts: %w", err)
}
