// Package natsq drives a NATS cluster through queue groups.
//
// Every endpoint subscribes to the queue subject with the same queue group,
// so the NATS servers spread published messages across the endpoints and
// each message reaches exactly one of them.
package natsq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"dispatchcheck/internal/broker"
)

const DriverName = "nats"

type Config struct {
	Group          string
	Codec          broker.Codec
	ConnectTimeout time.Duration
	FlushTimeout   time.Duration
	ClientName     string
}

type Driver struct{ cfg Config }

func New(cfg Config) *Driver {
	if cfg.Codec == nil {
		cfg.Codec = broker.JSONCodec{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "dispatchcheck"
	}
	return &Driver{cfg: cfg}
}

func (d *Driver) Name() string { return DriverName }

func (d *Driver) Connect(ctx context.Context, addr string) (broker.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nc, err := nats.Connect(addr,
		nats.Name(d.cfg.ClientName),
		nats.Timeout(d.cfg.ConnectTimeout),
		// A verification run must not silently fail over to another node.
		nats.NoReconnect(),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", addr, err)
	}
	return &conn{nc: nc, addr: addr, cfg: d.cfg}, nil
}

type conn struct {
	nc   *nats.Conn
	addr string
	cfg  Config
}

func (c *conn) Addr() string {
	// ConnectedUrl names the server actually reached, which may differ
	// from the seed address when the seed lists several servers.
	if u := c.nc.ConnectedUrl(); u != "" {
		return u
	}
	return c.addr
}

func (c *conn) OpenChannel(ctx context.Context, queue string) (broker.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := c.nc.QueueSubscribeSync(queue, c.cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("nats queue subscribe %s/%s: %w", queue, c.cfg.Group, err)
	}
	// Make sure the server knows about the subscription before anything is published.
	if err := c.nc.FlushTimeout(c.cfg.FlushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	return &channel{conn: c, subject: queue, sub: sub}, nil
}

func (c *conn) Close() error {
	c.nc.Close()
	return nil
}

type channel struct {
	conn    *conn
	subject string
	sub     *nats.Subscription
}

func (ch *channel) Send(ctx context.Context, m broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := ch.conn.cfg.Codec.Encode(m)
	if err != nil {
		return err
	}
	if err := ch.conn.nc.Publish(ch.subject, data); err != nil {
		return mapErr(err)
	}
	return mapErr(ch.conn.nc.FlushTimeout(ch.conn.cfg.FlushTimeout))
}

func (ch *channel) Poll(ctx context.Context, timeout time.Duration) (broker.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return broker.Message{}, false, err
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	msg, err := ch.sub.NextMsg(timeout)
	if errors.Is(err, nats.ErrTimeout) {
		return broker.Message{}, false, nil
	}
	if err != nil {
		return broker.Message{}, false, mapErr(err)
	}
	m, err := ch.conn.cfg.Codec.Decode(msg.Data)
	if err != nil {
		return broker.Message{}, false, err
	}
	return m, true, nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("%w: %v", broker.ErrClosed, err)
	}
	return err
}
