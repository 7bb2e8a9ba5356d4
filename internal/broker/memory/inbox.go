package memory

import (
	"context"
	"sync"
	"time"

	"dispatchcheck/internal/broker"
)

// inbox is an unbounded FIFO safe for one concurrent producer set and poller.
type inbox struct {
	mu     sync.Mutex
	items  []broker.Message
	closed bool
	signal chan struct{} // cap 1; pinged on push/close
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (in *inbox) push(m broker.Message) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.items = append(in.items, m)
	in.mu.Unlock()
	in.ping()
}

func (in *inbox) close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	in.ping()
}

func (in *inbox) ping() {
	select {
	case in.signal <- struct{}{}:
	default:
	}
}

func (in *inbox) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.items)
}

func (in *inbox) tryPop() (broker.Message, bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.items) > 0 {
		m := in.items[0]
		in.items[0] = broker.Message{}
		in.items = in.items[1:]
		return m, true, nil
	}
	if in.closed {
		return broker.Message{}, false, broker.ErrClosed
	}
	return broker.Message{}, false, nil
}

func (in *inbox) pop(ctx context.Context, timeout time.Duration) (broker.Message, bool, error) {
	if m, ok, err := in.tryPop(); ok || err != nil {
		return m, ok, err
	}
	if timeout <= 0 {
		return broker.Message{}, false, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return broker.Message{}, false, ctx.Err()
		case <-timer.C:
			return in.tryPop()
		case <-in.signal:
			if m, ok, err := in.tryPop(); ok || err != nil {
				return m, ok, err
			}
		}
	}
}
