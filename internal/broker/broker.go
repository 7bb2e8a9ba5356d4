package broker

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by channels whose connection has been closed.
var ErrClosed = errors.New("broker: connection closed")

// Message is the unit travelling through the queue.
//
// Run scopes a message to one verification run so leftovers from earlier
// runs can be told apart from the current batch.
type Message struct {
	Run     string `json:"run" msgpack:"run"`
	Seq     int64  `json:"seq" msgpack:"seq"`
	Payload string `json:"payload" msgpack:"payload"`
}

// Driver opens connections to broker nodes.
type Driver interface {
	Name() string
	Connect(ctx context.Context, addr string) (Conn, error)
}

// Conn is one client connection to one broker node.
type Conn interface {
	// Addr returns the address the connection is bound to.
	Addr() string
	OpenChannel(ctx context.Context, queue string) (Channel, error)
	Close() error
}

// Channel is a consumer/producer position on a queue.
//
// Poll returns (Message{}, false, nil) when nothing arrived within timeout.
// Implementations must tolerate the broker delivering into the channel
// concurrently with Poll.
type Channel interface {
	Send(ctx context.Context, m Message) error
	Poll(ctx context.Context, timeout time.Duration) (Message, bool, error)
}
