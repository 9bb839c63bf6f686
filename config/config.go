// Package config loads the process configuration: connection strings, the
// frozen fee→account table and the static ERP identifiers. Everything is
// immutable after load; a bad configuration is fatal at startup, never at
// runtime for a single order.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"order_sync/domain/fees"
	"order_sync/domain/finance"
	"order_sync/infrastructure/snapshot"
)

// Snapshot strategy names accepted in the config file.
const (
	StrategyEveryN    = "every_n"
	StrategyOlderThan = "older_than"
	StrategyHybrid    = "hybrid"
	StrategyNever     = "never"
)

// AccountPair is one ledger destination.
type AccountPair struct {
	AccountID         int64 `yaml:"account_id"`
	AnalyticAccountID int64 `yaml:"analytic_account_id"`
}

// Accounts is the frozen fee→account table as configured.
type Accounts struct {
	Principal        AccountPair `yaml:"principal"`
	FBAFulfillment   AccountPair `yaml:"fba_fulfillment"`
	Commission       AccountPair `yaml:"commission"`
	RefundCommission AccountPair `yaml:"refund_commission"`
	Shipping         AccountPair `yaml:"shipping"`
	PromoRebate      AccountPair `yaml:"promo_rebate"`
	Storage          AccountPair `yaml:"storage"`
}

// ERP holds the static ERP identifiers.
type ERP struct {
	JournalID              int64  `yaml:"journal_id"`
	WarehouseID            int64  `yaml:"warehouse_id"`
	GenericPartnerID       int64  `yaml:"generic_partner_id"`
	InventoryLossAccountID int64  `yaml:"inventory_loss_account_id"`
	Source                 string `yaml:"source"`
}

// Duration parses Go duration strings like "30m" from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Snapshots selects the snapshot strategy.
type Snapshots struct {
	Strategy string   `yaml:"strategy"`
	EveryN   int64    `yaml:"every_n"`
	MaxAge   Duration `yaml:"max_age"`
}

// Projector sizes the consumer pool.
type Projector struct {
	Workers   int `yaml:"workers"`
	BatchSize int `yaml:"batch_size"`
}

// Config is the full process configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	AMQPURL     string `yaml:"amqp_url"`

	Marketplace string `yaml:"marketplace"`

	// BalanceTolerance is a decimal string in the major currency unit.
	// Empty means the default of 0.01.
	BalanceTolerance string `yaml:"balance_tolerance"`

	Accounts  Accounts  `yaml:"accounts"`
	ERP       ERP       `yaml:"erp"`
	Snapshots Snapshots `yaml:"snapshots"`
	Projector Projector `yaml:"projector"`
}

// ValidationError lists everything wrong with a configuration at once.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Load reads the YAML file, applies environment overrides and validates.
// DATABASE_URL and AMQP_URL override their file counterparts.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		c.AMQPURL = v
	}
}

// Validate checks the invariants the rest of the system assumes. All
// problems are reported together.
func (c *Config) Validate() error {
	var problems []string

	if c.DatabaseURL == "" {
		problems = append(problems, "database_url is required")
	}
	if c.AMQPURL == "" {
		problems = append(problems, "amqp_url is required")
	}

	accounts := map[string]AccountPair{
		"accounts.principal":         c.Accounts.Principal,
		"accounts.fba_fulfillment":   c.Accounts.FBAFulfillment,
		"accounts.commission":        c.Accounts.Commission,
		"accounts.refund_commission": c.Accounts.RefundCommission,
		"accounts.shipping":          c.Accounts.Shipping,
		"accounts.promo_rebate":      c.Accounts.PromoRebate,
		"accounts.storage":           c.Accounts.Storage,
	}
	for name, pair := range accounts {
		if pair.AccountID == 0 {
			problems = append(problems, name+".account_id is required")
		}
	}

	if c.ERP.JournalID == 0 {
		problems = append(problems, "erp.journal_id is required")
	}
	if c.ERP.WarehouseID == 0 {
		problems = append(problems, "erp.warehouse_id is required")
	}
	if c.ERP.GenericPartnerID == 0 {
		problems = append(problems, "erp.generic_partner_id is required")
	}

	if c.BalanceTolerance != "" {
		if _, err := decimal.NewFromString(c.BalanceTolerance); err != nil {
			problems = append(problems, fmt.Sprintf("balance_tolerance %q is not a decimal", c.BalanceTolerance))
		}
	}

	switch c.Snapshots.Strategy {
	case "", StrategyNever:
	case StrategyEveryN:
		if c.Snapshots.EveryN <= 0 {
			problems = append(problems, "snapshots.every_n must be positive")
		}
	case StrategyOlderThan:
		if c.Snapshots.MaxAge <= 0 {
			problems = append(problems, "snapshots.max_age must be positive")
		}
	case StrategyHybrid:
		if c.Snapshots.EveryN <= 0 || c.Snapshots.MaxAge <= 0 {
			problems = append(problems, "snapshots.hybrid needs every_n and max_age")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown snapshot strategy %q", c.Snapshots.Strategy))
	}

	sort.Strings(problems)
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// FeeTable builds the immutable fee→account table.
func (c *Config) FeeTable() (*fees.Table, error) {
	mapping := func(p AccountPair) fees.AccountMapping {
		return fees.AccountMapping{AccountID: p.AccountID, AnalyticAccountID: p.AnalyticAccountID}
	}

	return fees.NewTable(map[fees.Kind]fees.AccountMapping{
		fees.KindFulfillment:      mapping(c.Accounts.FBAFulfillment),
		fees.KindCommission:       mapping(c.Accounts.Commission),
		fees.KindRefundCommission: mapping(c.Accounts.RefundCommission),
		fees.KindShipping:         mapping(c.Accounts.Shipping),
		fees.KindPromoRebate:      mapping(c.Accounts.PromoRebate),
		fees.KindStorage:          mapping(c.Accounts.Storage),
	}, mapping(c.Accounts.Principal))
}

// Tolerance returns the configured balance tolerance.
func (c *Config) Tolerance() decimal.Decimal {
	if c.BalanceTolerance == "" {
		return finance.DefaultTolerance
	}
	d, err := decimal.NewFromString(c.BalanceTolerance)
	if err != nil {
		return finance.DefaultTolerance
	}
	return d
}

// SnapshotStrategy builds the configured snapshot strategy.
func (c *Config) SnapshotStrategy() snapshot.Strategy {
	switch c.Snapshots.Strategy {
	case StrategyEveryN:
		return snapshot.EveryN{N: c.Snapshots.EveryN}
	case StrategyOlderThan:
		return snapshot.NewOlderThan(time.Duration(c.Snapshots.MaxAge))
	case StrategyHybrid:
		return snapshot.Hybrid{Strategies: []snapshot.Strategy{
			snapshot.EveryN{N: c.Snapshots.EveryN},
			snapshot.NewOlderThan(time.Duration(c.Snapshots.MaxAge)),
		}}
	default:
		return snapshot.Never{}
	}
}
