// Package memory is an in-process broker cluster.
//
// Every node shares one set of queues. A message sent through any node is
// handed to the consumers registered on that queue in round-robin order,
// the way a clustered broker balances a point-to-point queue across nodes.
// Fault hooks let tests inject duplicate deliveries, drops and poll failures.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dispatchcheck/internal/broker"
)

// DriverName is the name the memory driver registers under.
const DriverName = "memory"

// Cluster is a set of in-process broker nodes.
type Cluster struct {
	mu     sync.Mutex
	nodes  map[string]bool
	order  []string
	queues map[string]*queueState

	delay time.Duration

	dupSeq      map[int64]bool
	dropSeq     map[int64]bool
	failPoll    map[string]error
	failConnect map[string]error
}

type queueState struct {
	consumers []*inbox
	next      int
	backlog   []broker.Message
}

// Option configures a Cluster.
type Option func(*Cluster)

// WithDeliveryDelay delivers messages from a background goroutine after d,
// so consumers observe concurrent enqueue the way a network client does.
func WithDeliveryDelay(d time.Duration) Option {
	return func(c *Cluster) { c.delay = d }
}

// NewCluster creates n nodes addressed mem://node-0 .. mem://node-(n-1).
func NewCluster(n int, opts ...Option) *Cluster {
	c := &Cluster{
		nodes:       map[string]bool{},
		queues:      map[string]*queueState{},
		dupSeq:      map[int64]bool{},
		dropSeq:     map[int64]bool{},
		failPoll:    map[string]error{},
		failConnect: map[string]error{},
	}
	for i := 0; i < n; i++ {
		addr := NodeAddr(i)
		c.nodes[addr] = true
		c.order = append(c.order, addr)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NodeAddr returns the address of node i.
func NodeAddr(i int) string { return fmt.Sprintf("mem://node-%d", i) }

// Addrs returns the node addresses in creation order.
func (c *Cluster) Addrs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// DuplicateSeq makes the cluster deliver seq twice to the same consumer.
func (c *Cluster) DuplicateSeq(seq int64) {
	c.mu.Lock()
	c.dupSeq[seq] = true
	c.mu.Unlock()
}

// DropSeq makes the cluster silently lose seq.
func (c *Cluster) DropSeq(seq int64) {
	c.mu.Lock()
	c.dropSeq[seq] = true
	c.mu.Unlock()
}

// FailPolls makes every poll on channels of addr return err.
func (c *Cluster) FailPolls(addr string, err error) {
	c.mu.Lock()
	c.failPoll[addr] = err
	c.mu.Unlock()
}

// FailConnect makes Connect(addr) return err.
func (c *Cluster) FailConnect(addr string, err error) {
	c.mu.Lock()
	c.failConnect[addr] = err
	c.mu.Unlock()
}

// Pending returns the number of undelivered messages held for queue.
func (c *Cluster) Pending(queue string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[queue]
	if q == nil {
		return 0
	}
	n := len(q.backlog)
	for _, in := range q.consumers {
		n += in.len()
	}
	return n
}

// Driver returns a broker.Driver bound to this cluster.
func (c *Cluster) Driver() broker.Driver { return driver{c: c} }

type driver struct{ c *Cluster }

func (d driver) Name() string { return DriverName }

func (d driver) Connect(ctx context.Context, addr string) (broker.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := d.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failConnect[addr]; err != nil {
		return nil, err
	}
	if !c.nodes[addr] {
		return nil, fmt.Errorf("memory: unknown node %q", addr)
	}
	return &conn{cluster: c, addr: addr}, nil
}

func (c *Cluster) register(queue string, in *inbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue(queue)
	q.consumers = append(q.consumers, in)
	backlog := q.backlog
	q.backlog = nil
	for _, m := range backlog {
		c.routeLocked(q, m)
	}
}

func (c *Cluster) unregister(queue string, in *inbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[queue]
	if q == nil {
		return
	}
	for i, cur := range q.consumers {
		if cur == in {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if len(q.consumers) > 0 {
		q.next %= len(q.consumers)
	} else {
		q.next = 0
	}
}

func (c *Cluster) queue(name string) *queueState {
	q := c.queues[name]
	if q == nil {
		q = &queueState{}
		c.queues[name] = q
	}
	return q
}

func (c *Cluster) send(queue string, m broker.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropSeq[m.Seq] {
		return
	}
	c.routeLocked(c.queue(queue), m)
}

// routeLocked picks the next consumer round-robin. c.mu must be held.
func (c *Cluster) routeLocked(q *queueState, m broker.Message) {
	if len(q.consumers) == 0 {
		q.backlog = append(q.backlog, m)
		return
	}
	in := q.consumers[q.next%len(q.consumers)]
	q.next = (q.next + 1) % len(q.consumers)

	copies := 1
	if c.dupSeq[m.Seq] {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		if c.delay > 0 {
			time.AfterFunc(c.delay, func() { in.push(m) })
		} else {
			in.push(m)
		}
	}
}

func (c *Cluster) pollErr(addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failPoll[addr]
}

type conn struct {
	cluster *Cluster
	addr    string

	mu     sync.Mutex
	closed bool
	chans  []*channel
}

func (cn *conn) Addr() string { return cn.addr }

func (cn *conn) OpenChannel(ctx context.Context, queue string) (broker.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return nil, broker.ErrClosed
	}
	ch := &channel{conn: cn, queue: queue, in: newInbox()}
	cn.cluster.register(queue, ch.in)
	cn.chans = append(cn.chans, ch)
	return ch, nil
}

func (cn *conn) Close() error {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return nil
	}
	cn.closed = true
	chans := cn.chans
	cn.chans = nil
	cn.mu.Unlock()

	for _, ch := range chans {
		cn.cluster.unregister(ch.queue, ch.in)
		ch.in.close()
	}
	return nil
}

func (cn *conn) isClosed() bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.closed
}

type channel struct {
	conn  *conn
	queue string
	in    *inbox
}

func (ch *channel) Send(ctx context.Context, m broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.conn.isClosed() {
		return broker.ErrClosed
	}
	ch.conn.cluster.send(ch.queue, m)
	return nil
}

func (ch *channel) Poll(ctx context.Context, timeout time.Duration) (broker.Message, bool, error) {
	if err := ch.conn.cluster.pollErr(ch.conn.addr); err != nil {
		return broker.Message{}, false, err
	}
	return ch.in.pop(ctx, timeout)
}
