/*
Package factory provides TOML to Go policy-table conversion.

PURPOSE:
  Converts TOML policy files into a credit.PolicyTable. This enables
  policy configuration without code changes - operators can adjust
  draw-down priority, transfer rules and retention in a config file.

WHY TOML?
  - Non-developers can modify priority and transfer rules
  - Version control for policy definitions
  - Comments are first-class, unlike JSON

TOML SCHEMA:
  [priority]
  order = ["subscription", "purchased", "bonus", "referral", "pay_as_you_go"]

  [transfers]
  allowed_types = ["purchased", "bonus"]
  expiry_mode = "inherit"       # or "fixed_ttl"
  fixed_ttl_days = 30

  [consumption]
  fallback_pay_as_you_go = false
  commit_retries = 3
  retry_backoff_ms = 20

  [sweeper]
  batch_size = 200

  [retention]
  days = 365

  [notifications]
  low_balance_threshold = 0
  expiring_soon_window_days = 7

KEY FEATURES:
  - Validates the parsed table (priority must rank every credit type)
  - Omitted sections fall back to the built-in defaults

USAGE:
  policy, err := factory.LoadPolicyTable("./config/policies.toml")
  if err != nil {
      log.Fatal(err)
  }
  engine, err := credit.NewEngine(store, policy)

SEE ALSO:
  - credit/policy.go: PolicyTable definition and defaults
  - cmd/server/main.go: Wiring
*/
package factory

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// TOML SCHEMA TYPES
// =============================================================================

// PolicyTOML is the TOML representation of a policy table.
type PolicyTOML struct {
	Priority      *PriorityTOML      `toml:"priority"`
	Transfers     *TransfersTOML     `toml:"transfers"`
	Consumption   *ConsumptionTOML   `toml:"consumption"`
	Sweeper       *SweeperTOML       `toml:"sweeper"`
	Retention     *RetentionTOML     `toml:"retention"`
	Notifications *NotificationsTOML `toml:"notifications"`
}

type PriorityTOML struct {
	Order []string `toml:"order"`
}

type TransfersTOML struct {
	AllowedTypes []string `toml:"allowed_types"`
	ExpiryMode   string   `toml:"expiry_mode"` // inherit, fixed_ttl
	FixedTTLDays int      `toml:"fixed_ttl_days"`
}

type ConsumptionTOML struct {
	FallbackPayAsYouGo *bool `toml:"fallback_pay_as_you_go"`
	CommitRetries      int   `toml:"commit_retries"`
	RetryBackoffMs     int   `toml:"retry_backoff_ms"`
}

type SweeperTOML struct {
	BatchSize int `toml:"batch_size"`
}

type RetentionTOML struct {
	Days int `toml:"days"`
}

type NotificationsTOML struct {
	LowBalanceThreshold    int64 `toml:"low_balance_threshold"`
	ExpiringSoonWindowDays int   `toml:"expiring_soon_window_days"`
}

// =============================================================================
// LOADING
// =============================================================================

// LoadPolicyTable reads a TOML policy file and returns the merged table.
// A missing path returns the built-in defaults.
func LoadPolicyTable(path string) (*credit.PolicyTable, error) {
	if path == "" {
		return credit.DefaultPolicyTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicyTable(data)
}

// ParsePolicyTable parses TOML bytes into a policy table. Omitted
// sections keep their defaults.
func ParsePolicyTable(data []byte) (*credit.PolicyTable, error) {
	var pt PolicyTOML
	if err := toml.Unmarshal(data, &pt); err != nil {
		return nil, fmt.Errorf("failed to parse policy TOML: %w", err)
	}
	return fromTOML(pt)
}

func fromTOML(pt PolicyTOML) (*credit.PolicyTable, error) {
	table := credit.DefaultPolicyTable()

	if pt.Priority != nil && len(pt.Priority.Order) > 0 {
		order, err := parseCreditTypes(pt.Priority.Order)
		if err != nil {
			return nil, fmt.Errorf("priority.order: %w", err)
		}
		table.Priority = order
	}

	if pt.Transfers != nil {
		if len(pt.Transfers.AllowedTypes) > 0 {
			types, err := parseCreditTypes(pt.Transfers.AllowedTypes)
			if err != nil {
				return nil, fmt.Errorf("transfers.allowed_types: %w", err)
			}
			allowed := make(map[credit.CreditType]bool, len(types))
			for _, ct := range types {
				allowed[ct] = true
			}
			table.Transferable = allowed
		}
		switch pt.Transfers.ExpiryMode {
		case "":
		case "inherit":
			table.TransferExpiry = credit.TransferExpiryRule{Mode: credit.TransferExpiryInherit}
		case "fixed_ttl":
			if pt.Transfers.FixedTTLDays <= 0 {
				return nil, fmt.Errorf("transfers.fixed_ttl_days must be positive for fixed_ttl mode")
			}
			table.TransferExpiry = credit.TransferExpiryRule{
				Mode: credit.TransferExpiryFixedTTL,
				TTL:  time.Duration(pt.Transfers.FixedTTLDays) * 24 * time.Hour,
			}
		default:
			return nil, fmt.Errorf("unknown transfers.expiry_mode: %s", pt.Transfers.ExpiryMode)
		}
	}

	if pt.Consumption != nil {
		if pt.Consumption.FallbackPayAsYouGo != nil {
			table.FallbackPayAsYouGo = *pt.Consumption.FallbackPayAsYouGo
		}
		if pt.Consumption.CommitRetries > 0 {
			table.CommitRetries = pt.Consumption.CommitRetries
		}
		if pt.Consumption.RetryBackoffMs > 0 {
			table.RetryBackoff = time.Duration(pt.Consumption.RetryBackoffMs) * time.Millisecond
		}
	}

	if pt.Sweeper != nil && pt.Sweeper.BatchSize > 0 {
		table.SweepBatchSize = pt.Sweeper.BatchSize
	}

	if pt.Retention != nil && pt.Retention.Days > 0 {
		table.RetentionDays = pt.Retention.Days
	}

	if pt.Notifications != nil {
		if pt.Notifications.LowBalanceThreshold > 0 {
			table.LowBalanceThreshold = pt.Notifications.LowBalanceThreshold
		}
		if pt.Notifications.ExpiringSoonWindowDays > 0 {
			table.ExpiringSoonWindow = time.Duration(pt.Notifications.ExpiringSoonWindowDays) * 24 * time.Hour
		}
	}

	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy table: %w", err)
	}
	return table, nil
}

func parseCreditTypes(names []string) ([]credit.CreditType, error) {
	types := make([]credit.CreditType, 0, len(names))
	for _, name := range names {
		ct := credit.CreditType(name)
		if !ct.Valid() {
			return nil, fmt.Errorf("unknown credit type: %s", name)
		}
		types = append(types, ct)
	}
	return types, nil
}
