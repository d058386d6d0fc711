package config

// Config is the root configuration file schema.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Store   StoreConfig   `json:"store"`

	HTTP HTTPConfig  `json:"http,omitempty"`
	AMQP *AMQPConfig `json:"amqp,omitempty"`

	Publisher   PublisherConfig  `json:"publisher"`
	Credentials CredentialConfig `json:"credentials"`
	Dispatch    DispatchConfig   `json:"dispatch"`
	Sweeps      SweepConfig      `json:"sweeps"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StoreConfig selects the queue store backend.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./gramq.db" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// HTTPConfig controls the operational HTTP API (webhook ingress + stats).
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8385"
}

// AMQPConfig enables the queue-based ContentApproved ingress.
type AMQPConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue,omitempty"` // default "content.approved"
}

type PublisherConfig struct {
	// BaseURL overrides the Graph endpoint (tests, staging proxies).
	BaseURL      string `json:"base_url,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	PollTimeout  string `json:"poll_timeout,omitempty"`
	HTTPTimeout  string `json:"http_timeout,omitempty"`
}

type CredentialConfig struct {
	RefreshBaseURL string `json:"refresh_base_url,omitempty"`
	RefreshBuffer  string `json:"refresh_buffer,omitempty"` // default "168h"
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
}

// DispatchConfig controls the publish worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 3
//   - queue_size: 64
//   - min_spacing: "1s"
//   - retry_base: "500ms", retry_max_delay: "15s", retry_jitter: 0.2
//   - max_retries: 3
type DispatchConfig struct {
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	MinSpacing    string  `json:"min_spacing,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
	MaxRetries    int     `json:"max_retries,omitempty"`
	SweepLimit    int     `json:"sweep_limit,omitempty"`
}

// SweepConfig holds the cron specs driving the periodic sweeps.
// Specs accept 5-field and 6-field (seconds) cron expressions plus the
// "@every 30s" descriptor form.
type SweepConfig struct {
	Render     string `json:"render,omitempty"`     // default "@every 15s"
	Group      string `json:"group,omitempty"`      // default "@every 30s"
	Dispatch   string `json:"dispatch,omitempty"`   // default "@every 30s"
	Credential string `json:"credential,omitempty"` // default "@every 6h"
}
