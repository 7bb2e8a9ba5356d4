package config

import (
	"reflect"
	"strings"

	logx "dispatchcheck/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Endpoint addresses may carry credentials, so only
// their count is reported.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	ob, nb := oldCfg.Broker, newCfg.Broker
	if ob.Driver != nb.Driver ||
		!reflect.DeepEqual(ob.Endpoints, nb.Endpoints) ||
		ob.Queue != nb.Queue ||
		ob.Group != nb.Group ||
		ob.Codec != nb.Codec ||
		!reflect.DeepEqual(ob.ProducerEndpoint, nb.ProducerEndpoint) ||
		strings.TrimSpace(ob.ConnectTimeout) != strings.TrimSpace(nb.ConnectTimeout) ||
		ob.MemoryNodes != nb.MemoryNodes ||
		strings.TrimSpace(ob.MemoryDelay) != strings.TrimSpace(nb.MemoryDelay) {
		changed = append(changed, "broker")
		attrs = append(attrs,
			logx.String("broker.driver", nb.Driver),
			logx.Int("broker.endpoints", len(nb.Endpoints)),
			logx.String("broker.queue", nb.Queue),
			logx.String("broker.codec", nb.Codec),
		)
	}

	if oldCfg.Verifier != newCfg.Verifier {
		v := newCfg.Verifier
		changed = append(changed, "verifier")
		attrs = append(attrs,
			logx.Int("verifier.items", v.Items),
			logx.String("verifier.poll_timeout", strings.TrimSpace(v.PollTimeout)),
			logx.Int("verifier.max_rounds", v.MaxRounds),
			logx.Int("verifier.linger_rounds", v.LingerRounds),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		drv := ""
		if newCfg.Storage != nil {
			drv = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", drv))
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
		)
	}

	if oldCfg.Daemon != newCfg.Daemon {
		changed = append(changed, "daemon")
		attrs = append(attrs, logx.String("daemon.schedule", newCfg.Daemon.Schedule))
	}

	return changed, attrs
}

// RestartRequired reports sections that only take effect on process restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "metrics":
			out = append(out, s)
		}
	}
	return out
}
