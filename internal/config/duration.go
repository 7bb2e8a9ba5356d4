package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string; empty yields 0. path names
// the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// PollTimeoutDuration returns verifier.poll_timeout, DefaultPollTimeout when unset.
// An explicit "0s" means non-blocking polls.
func (v VerifierConfig) PollTimeoutDuration() (time.Duration, error) {
	if strings.TrimSpace(v.PollTimeout) == "" {
		return time.Second, nil
	}
	return ParseDurationField("verifier.poll_timeout", v.PollTimeout)
}

// ConnectTimeoutDuration returns broker.connect_timeout or def when unset.
func (b BrokerConfig) ConnectTimeoutDuration(def time.Duration) (time.Duration, error) {
	return ParseDurationOrDefault("broker.connect_timeout", b.ConnectTimeout, def)
}

// MemoryDelayDuration returns broker.memory_delay; unset means synchronous delivery.
func (b BrokerConfig) MemoryDelayDuration() (time.Duration, error) {
	return ParseDurationField("broker.memory_delay", b.MemoryDelay)
}

// BusyTimeoutDuration returns storage.busy_timeout or def when unset.
func (s StorageConfig) BusyTimeoutDuration(def time.Duration) (time.Duration, error) {
	return ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, def)
}
