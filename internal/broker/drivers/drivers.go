// Package drivers maps a driver name from config onto a broker.Driver.
package drivers

import (
	"errors"
	"strings"
	"time"

	"dispatchcheck/internal/broker"
	"dispatchcheck/internal/broker/kafkaq"
	"dispatchcheck/internal/broker/memory"
	"dispatchcheck/internal/broker/natsq"
	"dispatchcheck/internal/broker/redisq"
)

// Config selects and tunes a driver.
type Config struct {
	Driver         string
	Group          string
	Codec          string
	ConnectTimeout time.Duration

	// MemoryNodes sizes the in-process cluster for the memory driver.
	MemoryNodes int
	// MemoryDelay delays in-process delivery (memory driver only).
	MemoryDelay time.Duration
}

// Names lists the supported driver names.
func Names() []string {
	return []string{memory.DriverName, natsq.DriverName, redisq.DriverName, kafkaq.DriverName}
}

// Known reports whether name is a supported driver.
func Known(name string) bool {
	n := normalize(name)
	for _, k := range Names() {
		if n == k {
			return true
		}
	}
	return false
}

func normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return memory.DriverName
	}
	return n
}

// Open builds the driver. For the memory driver the returned cluster is
// non-nil so callers can address its nodes; it is nil otherwise.
func Open(cfg Config) (broker.Driver, *memory.Cluster, error) {
	codec, err := broker.GetCodec(cfg.Codec)
	if err != nil {
		return nil, nil, err
	}
	switch normalize(cfg.Driver) {
	case memory.DriverName:
		n := cfg.MemoryNodes
		if n <= 0 {
			n = 4
		}
		var opts []memory.Option
		if cfg.MemoryDelay > 0 {
			opts = append(opts, memory.WithDeliveryDelay(cfg.MemoryDelay))
		}
		c := memory.NewCluster(n, opts...)
		return c.Driver(), c, nil
	case natsq.DriverName:
		return natsq.New(natsq.Config{Group: cfg.Group, Codec: codec, ConnectTimeout: cfg.ConnectTimeout}), nil, nil
	case redisq.DriverName:
		return redisq.New(redisq.Config{Codec: codec, ConnectTimeout: cfg.ConnectTimeout}), nil, nil
	case kafkaq.DriverName:
		return kafkaq.New(kafkaq.Config{GroupID: cfg.Group, Codec: codec, ConnectTimeout: cfg.ConnectTimeout}), nil, nil
	default:
		return nil, nil, errors.New("unknown broker driver: " + cfg.Driver)
	}
}
