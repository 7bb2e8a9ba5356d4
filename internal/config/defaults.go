package config

import (
	"fmt"
	"strings"

	"dispatchcheck/internal/broker"
	"dispatchcheck/internal/broker/drivers"
	"dispatchcheck/internal/schedule"
	logx "dispatchcheck/pkg/logx"
)

const (
	DefaultItems         = 20
	DefaultPayloadPrefix = "This is text message "
	DefaultPollTimeout   = "1s"
	DefaultQueue         = "exampleQueue"
	DefaultGroup         = "dispatchcheck"
	DefaultMetricsAddr   = "127.0.0.1:9464"
	DefaultMemoryNodes   = 4
)

// Default returns the configuration used when no file is given: four
// in-process nodes, twenty items.
func Default() *Config {
	cfg := &Config{
		Broker:  BrokerConfig{Driver: "memory"},
		Logging: LoggingConfig{Level: "info", Console: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills omitted fields in place.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	b := &c.Broker
	b.Driver = strings.ToLower(strings.TrimSpace(b.Driver))
	if b.Driver == "" {
		b.Driver = "memory"
	}
	if b.Queue == "" {
		b.Queue = DefaultQueue
	}
	if b.Group == "" {
		b.Group = DefaultGroup
	}
	if b.Codec == "" {
		b.Codec = "json"
	}
	if b.Driver == "memory" && b.MemoryNodes <= 0 && len(b.Endpoints) == 0 {
		b.MemoryNodes = DefaultMemoryNodes
	}

	v := &c.Verifier
	if v.Items == 0 {
		v.Items = DefaultItems
	}
	if v.PayloadPrefix == "" {
		v.PayloadPrefix = DefaultPayloadPrefix
	}
	if strings.TrimSpace(v.PollTimeout) == "" {
		v.PollTimeout = DefaultPollTimeout
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	b := c.Broker
	if !drivers.Known(b.Driver) {
		return fmt.Errorf("broker.driver: unknown driver %q (want one of %s)", b.Driver, strings.Join(drivers.Names(), ", "))
	}
	if b.Driver != "memory" && len(b.Endpoints) == 0 {
		return fmt.Errorf("broker.endpoints: at least one endpoint is required for driver %q", b.Driver)
	}
	if b.Driver == "memory" && len(b.Endpoints) == 0 && b.MemoryNodes < 1 {
		return fmt.Errorf("broker.memory_nodes: need at least 1 node")
	}
	for i, ep := range b.Endpoints {
		if strings.TrimSpace(ep) == "" {
			return fmt.Errorf("broker.endpoints[%d]: empty address", i)
		}
	}
	if _, err := broker.GetCodec(b.Codec); err != nil {
		return fmt.Errorf("broker.codec: %w", err)
	}
	if b.ProducerEndpoint != nil {
		n := c.EndpointCount()
		if *b.ProducerEndpoint < 0 || *b.ProducerEndpoint >= n {
			return fmt.Errorf("broker.producer_endpoint: index %d out of range [0,%d)", *b.ProducerEndpoint, n)
		}
	}
	if _, err := ParseDurationField("broker.connect_timeout", b.ConnectTimeout); err != nil {
		return err
	}
	if _, err := b.MemoryDelayDuration(); err != nil {
		return err
	}

	v := c.Verifier
	if v.Items < 0 {
		return fmt.Errorf("verifier.items: must be >= 0")
	}
	if _, err := ParseDurationField("verifier.poll_timeout", v.PollTimeout); err != nil {
		return err
	}
	if v.MaxRounds < 0 {
		return fmt.Errorf("verifier.max_rounds: must be >= 0")
	}
	if v.LingerRounds < 0 {
		return fmt.Errorf("verifier.linger_rounds: must be >= 0")
	}
	if v.SendRatePerSec < 0 {
		return fmt.Errorf("verifier.send_rate_per_sec: must be >= 0")
	}

	if c.Logging.Level != "" && !logx.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}

	if sched := strings.TrimSpace(c.Daemon.Schedule); sched != "" {
		if _, err := schedule.Parse(sched); err != nil {
			return fmt.Errorf("daemon.schedule: %w", err)
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("storage.path: required for driver %q", s.Driver)
			}
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

// EndpointCount is the number of consumer endpoints a run opens.
func (c *Config) EndpointCount() int {
	if len(c.Broker.Endpoints) > 0 {
		return len(c.Broker.Endpoints)
	}
	if c.Broker.Driver == "memory" {
		return c.Broker.MemoryNodes
	}
	return 0
}
