package config

// Config is the dispatchcheck configuration file.
//
// Durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Broker   BrokerConfig   `json:"broker"`
	Verifier VerifierConfig `json:"verifier"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
	Daemon   DaemonConfig   `json:"daemon,omitempty"`
}

// BrokerConfig selects the broker driver and the nodes to consume from.
//
// Endpoints may embed credentials (redis://:pass@host). They are never logged.
type BrokerConfig struct {
	Driver    string   `json:"driver"`
	Endpoints []string `json:"endpoints"`
	Queue     string   `json:"queue,omitempty"`
	Group     string   `json:"group,omitempty"`
	Codec     string   `json:"codec,omitempty"`

	// ProducerEndpoint is an index into Endpoints. Omitted means the last one.
	ProducerEndpoint *int `json:"producer_endpoint,omitempty"`

	ConnectTimeout string `json:"connect_timeout,omitempty"`

	// MemoryNodes sizes the in-process cluster when driver is memory and
	// no endpoints are listed.
	MemoryNodes int `json:"memory_nodes,omitempty"`
	// MemoryDelay makes the in-process cluster deliver from a background
	// goroutine after this long, like a network broker would.
	MemoryDelay string `json:"memory_delay,omitempty"`
}

// VerifierConfig controls one verification run.
//
// Defaults (when fields are omitted/zero):
//   - items: 20
//   - payload_prefix: "This is text message "
//   - poll_timeout: "1s"
//   - max_rounds: items + 10
type VerifierConfig struct {
	Items          int    `json:"items,omitempty"`
	PayloadPrefix  string `json:"payload_prefix,omitempty"`
	PollTimeout    string `json:"poll_timeout,omitempty"`
	MaxRounds      int    `json:"max_rounds,omitempty"`
	LingerRounds   int    `json:"linger_rounds,omitempty"`
	SendRatePerSec int    `json:"send_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional run history.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./dispatchcheck.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MetricsConfig controls the Prometheus /metrics listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
}

// DaemonConfig controls repeated runs in daemon mode.
//
// Schedule accepts the same forms as internal/schedule: "every:30s",
// "interval:5m", "cron:*/5 * * * *", "HH:MM" or a bare cron expression.
type DaemonConfig struct {
	Schedule    string `json:"schedule,omitempty"`
	WatchConfig bool   `json:"watch_config,omitempty"`
}
