package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  poll_timeout: "15s"
logging:
  level: debug
storage:
  driver: sqlite
  path: ./data/tickbot.db
scheduler:
  lock_lease: "3m"
  bootstrap_rate: 50
ai:
  base_url: "https://ai.example"
  model: "small-1"
payments:
  base_url: "https://pay.example"
  api_key: "k"
`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Scheduler.LockLease != "3m" || cfg.Scheduler.BootstrapRate != 50 {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.AI.Model != "small-1" || cfg.Payments.APIKey != "k" {
		t.Errorf("providers = %+v / %+v", cfg.AI, cfg.Payments)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
  "telegram": {"token": "123:abc"},
  "ai": {"base_url": "https://ai.example"},
  "payments": {"base_url": "https://pay.example"}
}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Payments.BaseURL != "https://pay.example" {
		t.Errorf("payments base_url = %q", cfg.Payments.BaseURL)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  tokne_typo: "oops"
ai:
  base_url: "x"
payments:
  base_url: "y"
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown field should be rejected")
	}
}

func TestParseRequiresToken(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "  "
ai:
  base_url: "x"
payments:
  base_url: "y"
`)
	_, err := NewManager(path).Parse()
	if err == nil || !strings.Contains(err.Error(), "telegram.token") {
		t.Fatalf("err = %v, want missing-token error", err)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json",
		`{"telegram":{"token":"t"},"ai":{"base_url":"x"},"payments":{"base_url":"y"}}{"extra":1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("trailing data should be rejected")
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"", time.Minute, time.Minute, false},
		{"30s", time.Minute, 30 * time.Second, false},
		{"2m30s", 0, 2*time.Minute + 30*time.Second, false},
		{"banana", time.Minute, 0, true},
		{"-5s", time.Minute, 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationOrDefault("test.field", tc.raw, tc.def)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: want error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("%q: got %v, %v; want %v", tc.raw, got, err, tc.want)
		}
	}
}
