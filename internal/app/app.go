// Package app wires configuration, logging, the broker driver, the
// verifier, run history and metrics into the run, daemon and history
// commands.
package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"dispatchcheck/internal/broker"
	"dispatchcheck/internal/broker/drivers"
	"dispatchcheck/internal/config"
	"dispatchcheck/internal/metrics"
	"dispatchcheck/internal/storage"
	"dispatchcheck/internal/verifier"
	logx "dispatchcheck/pkg/logx"
)

// Overrides are command-line values that win over the config file. They
// are re-applied on every hot reload.
type Overrides struct {
	Driver      string
	Endpoints   []string
	Items       *int
	PollTimeout *time.Duration
	MaxRounds   *int
	Schedule    string
}

// DriverFactory builds the broker driver for cfg and returns the endpoint
// addresses a run consumes from.
type DriverFactory func(cfg *config.Config) (broker.Driver, []string, error)

type Options struct {
	// ConfigPath is a JSON or YAML file. Empty runs on built-in defaults.
	ConfigPath string
	Overrides  Overrides

	// LogWriter replaces the configured sinks with a JSON writer.
	LogWriter io.Writer
	// OpenDriver replaces drivers.Open.
	OpenDriver DriverFactory
	// Notify replaces systemd notification.
	Notify func(state string)
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	mu   sync.RWMutex
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	metrics *metrics.Metrics
	msrv    *metrics.Server
}

// New loads configuration and opens the run history. A configuration
// problem is reported wrapped in verifier.ErrConfiguration.
func New(opts Options) (*App, error) {
	a := &App{opts: opts}
	if a.opts.OpenDriver == nil {
		a.opts.OpenDriver = openDriver
	}
	if a.opts.Notify == nil {
		a.opts.Notify = sdNotify
	}

	var cfg *config.Config
	if strings.TrimSpace(opts.ConfigPath) != "" {
		a.cfgm = config.NewConfigManager(opts.ConfigPath)
		parsed, err := a.cfgm.Load()
		if err != nil {
			return nil, configErr(err)
		}
		cfg = parsed
	} else {
		cfg = config.Default()
	}
	cfg, err := a.withOverrides(cfg)
	if err != nil {
		return nil, configErr(err)
	}
	a.cfg = cfg

	logCfg := mapLogConfig(cfg)
	if opts.LogWriter != nil {
		a.log = logx.NewWriter(opts.LogWriter, logCfg.Level)
	} else {
		a.logs, a.log = logx.New(logCfg)
	}
	a.log = a.log.With(logx.String("comp", "app"))
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	}

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, configErr(err)
	}
	if enabled {
		st, err := storage.Open(sc, a.log)
		if err != nil {
			if a.logs != nil {
				_ = a.logs.Close()
			}
			return nil, fmt.Errorf("open run history: %w", err)
		}
		a.store = st
		a.log.Debug("run history enabled", logx.String("driver", sc.Driver))
	}

	a.metrics = metrics.New()
	a.msrv = metrics.NewServer(a.metrics, a.log)
	return a, nil
}

// withOverrides returns a copy of cfg with the command-line overrides
// applied and re-validated.
func (a *App) withOverrides(in *config.Config) (*config.Config, error) {
	cfg := *in
	o := a.opts.Overrides
	if o.Driver != "" {
		cfg.Broker.Driver = o.Driver
	}
	if len(o.Endpoints) > 0 {
		cfg.Broker.Endpoints = append([]string(nil), o.Endpoints...)
	}
	if o.PollTimeout != nil {
		cfg.Verifier.PollTimeout = o.PollTimeout.String()
	}
	if o.MaxRounds != nil {
		cfg.Verifier.MaxRounds = *o.MaxRounds
	}
	if o.Schedule != "" {
		cfg.Daemon.Schedule = o.Schedule
	}
	cfg.ApplyDefaults()
	// Applied after defaults so an explicit 0 survives.
	if o.Items != nil {
		cfg.Verifier.Items = *o.Items
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Config returns the configuration the next run will use.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

func (a *App) setConfig(cfg *config.Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Close releases the run history, the metrics listener and log files.
func (a *App) Close() error {
	a.msrv.Stop(context.Background())
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func configErr(err error) error {
	return fmt.Errorf("%w: %v", verifier.ErrConfiguration, err)
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func openDriver(cfg *config.Config) (broker.Driver, []string, error) {
	connectTimeout, err := cfg.Broker.ConnectTimeoutDuration(5 * time.Second)
	if err != nil {
		return nil, nil, err
	}
	memoryDelay, err := cfg.Broker.MemoryDelayDuration()
	if err != nil {
		return nil, nil, err
	}
	drv, cluster, err := drivers.Open(drivers.Config{
		Driver:         cfg.Broker.Driver,
		Group:          cfg.Broker.Group,
		Codec:          cfg.Broker.Codec,
		ConnectTimeout: connectTimeout,
		MemoryNodes:    cfg.Broker.MemoryNodes,
		MemoryDelay:    memoryDelay,
	})
	if err != nil {
		return nil, nil, err
	}
	endpoints := cfg.Broker.Endpoints
	if len(endpoints) == 0 && cluster != nil {
		endpoints = cluster.Addrs()
	}
	return drv, endpoints, nil
}

func sdNotify(state string) {
	// No NOTIFY_SOCKET (not under systemd) is reported as (false, nil).
	_, _ = daemon.SdNotify(false, state)
}
