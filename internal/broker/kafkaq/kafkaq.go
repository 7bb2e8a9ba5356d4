// Package kafkaq maps the shared queue onto a Kafka topic consumed by one
// consumer group. Each endpoint is a group member bootstrapped from its own
// broker address; partition assignment spreads messages across members.
package kafkaq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"dispatchcheck/internal/broker"
)

const DriverName = "kafka"

type Config struct {
	GroupID        string
	Codec          broker.Codec
	ConnectTimeout time.Duration
	// StartLatest skips whatever the group has not committed yet.
	StartLatest bool
}

type Driver struct{ cfg Config }

func New(cfg Config) *Driver {
	if cfg.Codec == nil {
		cfg.Codec = broker.JSONCodec{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "dispatchcheck"
	}
	return &Driver{cfg: cfg}
}

func (d *Driver) Name() string { return DriverName }

// BrokerAddr strips an optional kafka:// scheme.
func BrokerAddr(addr string) string {
	return strings.TrimPrefix(strings.TrimSpace(addr), "kafka://")
}

func (d *Driver) Connect(ctx context.Context, addr string) (broker.Conn, error) {
	host := BrokerAddr(addr)
	if host == "" {
		return nil, errors.New("kafka broker address required")
	}
	dialer := &kafka.Dialer{Timeout: d.cfg.ConnectTimeout, DualStack: true}
	// Dial once so an unreachable node fails at connect time, not on first poll.
	kc, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("kafka dial %s: %w", host, err)
	}
	_ = kc.Close()
	return &conn{addr: host, dialer: dialer, cfg: d.cfg}, nil
}

type conn struct {
	addr   string
	dialer *kafka.Dialer
	cfg    Config

	mu     sync.Mutex
	closed bool
	chans  []*channel
}

func (c *conn) Addr() string { return c.addr }

func (c *conn) OpenChannel(ctx context.Context, queue string) (broker.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.ErrClosed
	}
	start := kafka.FirstOffset
	if c.cfg.StartLatest {
		start = kafka.LastOffset
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{c.addr},
		Topic:       queue,
		GroupID:     c.cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
		Dialer:      c.dialer,
		StartOffset: start,
	})
	ch := &channel{conn: c, topic: queue, reader: r}
	c.chans = append(c.chans, ch)
	return ch, nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	chans := c.chans
	c.chans = nil
	c.mu.Unlock()

	var errs []error
	for _, ch := range chans {
		if err := ch.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type channel struct {
	conn   *conn
	topic  string
	reader *kafka.Reader

	wmu    sync.Mutex
	writer *kafka.Writer
}

func (ch *channel) producer() *kafka.Writer {
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	if ch.writer == nil {
		ch.writer = &kafka.Writer{
			Addr:                   kafka.TCP(ch.conn.addr),
			Topic:                  ch.topic,
			Balancer:               &kafka.RoundRobin{},
			MaxAttempts:            5,
			RequiredAcks:           kafka.RequireAll,
			WriteTimeout:           10 * time.Second,
			AllowAutoTopicCreation: true,
		}
	}
	return ch.writer
}

func (ch *channel) Send(ctx context.Context, m broker.Message) error {
	data, err := ch.conn.cfg.Codec.Encode(m)
	if err != nil {
		return err
	}
	err = ch.producer().WriteMessages(ctx, kafka.Message{
		Key:   []byte(fmt.Sprintf("%s/%d", m.Run, m.Seq)),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("failed to write message: %w", mapErr(err))
	}
	return nil
}

func (ch *channel) Poll(ctx context.Context, timeout time.Duration) (broker.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return broker.Message{}, false, err
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	km, err := ch.reader.FetchMessage(fctx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return broker.Message{}, false, nil
		}
		return broker.Message{}, false, mapErr(err)
	}
	m, err := ch.conn.cfg.Codec.Decode(km.Value)
	if err != nil {
		return broker.Message{}, false, err
	}
	if err := ch.reader.CommitMessages(ctx, km); err != nil {
		return broker.Message{}, false, fmt.Errorf("commit offset %d: %w", km.Offset, mapErr(err))
	}
	return m, true, nil
}

func (ch *channel) close() error {
	var errs []error
	if err := ch.reader.Close(); err != nil {
		errs = append(errs, err)
	}
	ch.wmu.Lock()
	w := ch.writer
	ch.writer = nil
	ch.wmu.Unlock()
	if w != nil {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func mapErr(err error) error {
	if errors.Is(err, kafka.ErrGroupClosed) || errors.Is(err, kafka.ErrGenerationEnded) {
		return fmt.Errorf("%w: %v", broker.ErrClosed, err)
	}
	return err
}
