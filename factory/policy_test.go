package factory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/warp/credit-engine/credit"
)

func TestParsePolicyTable_FullDocument(t *testing.T) {
	doc := []byte(`
[priority]
order = ["bonus", "referral", "subscription", "purchased", "pay_as_you_go"]

[transfers]
allowed_types = ["purchased"]
expiry_mode = "fixed_ttl"
fixed_ttl_days = 30

[consumption]
fallback_pay_as_you_go = true
commit_retries = 5
retry_backoff_ms = 50

[sweeper]
batch_size = 500

[retention]
days = 90

[notifications]
low_balance_threshold = 1000
expiring_soon_window_days = 14
`)

	table, err := ParsePolicyTable(doc)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if table.Priority[0] != credit.TypeBonus || table.Priority[2] != credit.TypeSubscription {
		t.Errorf("priority order not applied: %v", table.Priority)
	}
	if !table.IsTransferable(credit.TypePurchased) || table.IsTransferable(credit.TypeBonus) {
		t.Errorf("transferability table not applied: %v", table.Transferable)
	}
	if table.TransferExpiry.Mode != credit.TransferExpiryFixedTTL || table.TransferExpiry.TTL != 30*24*time.Hour {
		t.Errorf("transfer expiry not applied: %+v", table.TransferExpiry)
	}
	if !table.FallbackPayAsYouGo {
		t.Error("expected fallback_pay_as_you_go true")
	}
	if table.CommitRetries != 5 || table.RetryBackoff != 50*time.Millisecond {
		t.Errorf("consumption tuning not applied: retries=%d backoff=%v", table.CommitRetries, table.RetryBackoff)
	}
	if table.SweepBatchSize != 500 {
		t.Errorf("expected batch size 500, got %d", table.SweepBatchSize)
	}
	if table.RetentionDays != 90 {
		t.Errorf("expected retention 90 days, got %d", table.RetentionDays)
	}
	if table.LowBalanceThreshold != 1000 || table.ExpiringSoonWindow != 14*24*time.Hour {
		t.Errorf("notifications not applied: threshold=%d window=%v",
			table.LowBalanceThreshold, table.ExpiringSoonWindow)
	}
}

func TestParsePolicyTable_OmittedSectionsKeepDefaults(t *testing.T) {
	table, err := ParsePolicyTable([]byte(`
[sweeper]
batch_size = 50
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	defaults := credit.DefaultPolicyTable()
	if table.SweepBatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", table.SweepBatchSize)
	}
	if len(table.Priority) != len(defaults.Priority) || table.Priority[0] != defaults.Priority[0] {
		t.Errorf("priority should keep defaults, got %v", table.Priority)
	}
	if table.CommitRetries != defaults.CommitRetries {
		t.Errorf("commit retries should keep default %d, got %d", defaults.CommitRetries, table.CommitRetries)
	}
	if table.TransferExpiry.Mode != credit.TransferExpiryInherit {
		t.Errorf("transfer expiry should default to inherit, got %s", table.TransferExpiry.Mode)
	}
}

func TestParsePolicyTable_Rejections(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"unknown credit type", `
[priority]
order = ["gold", "purchased", "bonus", "referral", "pay_as_you_go"]
`},
		{"incomplete priority", `
[priority]
order = ["subscription", "purchased"]
`},
		{"unknown expiry mode", `
[transfers]
expiry_mode = "decay"
`},
		{"fixed ttl without days", `
[transfers]
expiry_mode = "fixed_ttl"
`},
		{"malformed toml", `[priority`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParsePolicyTable([]byte(tc.doc)); err == nil {
				t.Error("expected parse to fail")
			}
		})
	}
}

func TestLoadPolicyTable_EmptyPathUsesDefaults(t *testing.T) {
	table, err := LoadPolicyTable("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	defaults := credit.DefaultPolicyTable()
	if table.SweepBatchSize != defaults.SweepBatchSize || table.RetentionDays != defaults.RetentionDays {
		t.Errorf("expected built-in defaults, got %+v", table)
	}
}

func TestLoadPolicyTable_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.toml")
	if err := os.WriteFile(path, []byte("[retention]\ndays = 30\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	table, err := LoadPolicyTable(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if table.RetentionDays != 30 {
		t.Errorf("expected retention 30, got %d", table.RetentionDays)
	}

	if _, err := LoadPolicyTable(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}
