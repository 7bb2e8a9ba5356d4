// Package redisq uses a Redis list as the shared queue.
//
// Each endpoint owns its own client. Producers LPUSH, consumers BRPOP, and
// Redis hands every element to exactly one blocked consumer.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatchcheck/internal/broker"
)

const DriverName = "redis"

type Config struct {
	KeyPrefix      string
	Codec          broker.Codec
	ConnectTimeout time.Duration
}

type Driver struct{ cfg Config }

func New(cfg Config) *Driver {
	if cfg.Codec == nil {
		cfg.Codec = broker.JSONCodec{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "dispatchcheck:"
	}
	return &Driver{cfg: cfg}
}

func (d *Driver) Name() string { return DriverName }

// Options builds client options from either a redis:// URL or host:port.
func Options(addr string, dialTimeout time.Duration) (*redis.Options, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis address required")
	}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opt.DialTimeout = dialTimeout
		return opt, nil
	}
	return &redis.Options{Addr: addr, DialTimeout: dialTimeout}, nil
}

func (d *Driver) Connect(ctx context.Context, addr string) (broker.Conn, error) {
	opt, err := Options(addr, d.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis %s: %w", opt.Addr, err)
	}
	return &conn{client: client, addr: opt.Addr, cfg: d.cfg}, nil
}

type conn struct {
	client *redis.Client
	addr   string
	cfg    Config
}

func (c *conn) Addr() string { return c.addr }

func (c *conn) OpenChannel(ctx context.Context, queue string) (broker.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &channel{conn: c, key: c.cfg.KeyPrefix + queue}, nil
}

func (c *conn) Close() error { return c.client.Close() }

type channel struct {
	conn *conn
	key  string
}

func (ch *channel) Send(ctx context.Context, m broker.Message) error {
	data, err := ch.conn.cfg.Codec.Encode(m)
	if err != nil {
		return err
	}
	return mapErr(ch.conn.client.LPush(ctx, ch.key, data).Err())
}

func (ch *channel) Poll(ctx context.Context, timeout time.Duration) (broker.Message, bool, error) {
	var (
		raw string
		err error
	)
	if timeout <= 0 {
		// BRPOP with 0 blocks forever; use the non-blocking form instead.
		raw, err = ch.conn.client.RPop(ctx, ch.key).Result()
	} else {
		var kv []string
		kv, err = ch.conn.client.BRPop(ctx, timeout, ch.key).Result()
		if err == nil && len(kv) == 2 {
			raw = kv[1]
		}
	}
	if errors.Is(err, redis.Nil) {
		return broker.Message{}, false, nil
	}
	if err != nil {
		return broker.Message{}, false, mapErr(err)
	}
	m, err := ch.conn.cfg.Codec.Decode([]byte(raw))
	if err != nil {
		return broker.Message{}, false, err
	}
	return m, true, nil
}

func mapErr(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", broker.ErrClosed, err)
	}
	return err
}
