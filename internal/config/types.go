package config

// Config is the on-disk configuration. YAML and JSON are both accepted;
// decoding is strict (unknown fields are rejected).
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "2m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	AI        ProviderConfig  `json:"ai"`
	Payments  ProviderConfig  `json:"payments"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// PollTimeout is the long-poll timeout (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"` // trace|debug|info|warn|error
	Console *bool  `json:"console,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled,omitempty"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "memory"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the schedule runner.
//
// Defaults (when omitted/zero):
//   - lock_lease: "2m"
//   - sweep_interval: "1m"
//   - bootstrap_rate: 20 (registrations per second during recovery)
//   - bootstrap_jitter: "15s" (max extra delay for due-now records)
type SchedulerConfig struct {
	LockLease        string `json:"lock_lease,omitempty"`
	SweepInterval    string `json:"sweep_interval,omitempty"`
	BootstrapRate    int    `json:"bootstrap_rate,omitempty"`
	BootstrapJitter  string `json:"bootstrap_jitter,omitempty"`
	ExecutionTimeout string `json:"execution_timeout,omitempty"`
}

// ProviderConfig points at an external HTTP collaborator
// (AI completion provider, payment rail).
type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
	Model   string `json:"model,omitempty"` // AI only
	Timeout string `json:"timeout,omitempty"`
}
