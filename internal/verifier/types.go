package verifier

import (
	"fmt"
	"time"
)

// State is the verifier lifecycle.
//
//	Unconfigured -> Configured -> Sending -> Draining -> Verified | Failed
//
// Draining may also be entered straight from Configured (nothing sent).
type State int

const (
	Unconfigured State = iota
	Configured
	Sending
	Draining
	Verified
	Failed
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	case Sending:
		return "sending"
	case Draining:
		return "draining"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Verified || s == Failed }

const (
	DefaultQueue       = "exampleQueue"
	DefaultPollTimeout = time.Second
	// DefaultSlackRounds is added to the item count when MaxRounds is unset.
	DefaultSlackRounds = 10
	// ProducerLast selects the last endpoint as producer.
	ProducerLast = -1
)

// Config configures a Verifier.
type Config struct {
	// Endpoints are broker node addresses, one consumer endpoint each.
	Endpoints []string
	Queue     string

	// PollTimeout bounds each single poll. 0 polls without waiting.
	PollTimeout time.Duration

	// MaxRounds is the drain round budget. <= 0 means items sent + DefaultSlackRounds.
	MaxRounds int

	// LingerRounds keeps polling after the expected count is reached so
	// late duplicates are observed.
	LingerRounds int

	// ProducerEndpoint is the endpoint index whose channel sends.
	// Negative selects the last endpoint.
	ProducerEndpoint int

	// SendRatePerSec paces Send. 0 disables pacing.
	SendRatePerSec int

	// RunID tags every message of this run. Empty generates a UUID.
	RunID string

	Observer Observer
}

// Observer receives drain progress. Calls happen on the draining goroutine.
type Observer interface {
	OnPoll(endpoint, round int)
	OnReceive(endpoint int, item WorkItem)
}

// WorkItem is one dispatched payload with its send-time sequence number.
type WorkItem struct {
	Seq     int64
	Payload string
}

// EndpointInfo is a read-only view of one endpoint.
type EndpointInfo struct {
	ID       int
	Addr     string
	Consumed int
}

// EndpointResult holds what one endpoint received, in receipt order.
type EndpointResult struct {
	ID    int
	Addr  string
	Items []WorkItem
}

// DispatchResult is the outcome of DrainAll.
type DispatchResult struct {
	RunID     string
	Sent      int
	Rounds    int
	Endpoints []EndpointResult
	// Ignored counts messages that belonged to another run.
	Ignored int
}

// Total returns the number of items received across all endpoints.
func (r *DispatchResult) Total() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, ep := range r.Endpoints {
		n += len(ep.Items)
	}
	return n
}

// Counts returns per-endpoint received counts indexed by endpoint id.
func (r *DispatchResult) Counts() []int {
	if r == nil {
		return nil
	}
	out := make([]int, len(r.Endpoints))
	for i, ep := range r.Endpoints {
		out[i] = len(ep.Items)
	}
	return out
}

// Labels builds n payloads "<prefix><i>".
func Labels(prefix string, n int) []string {
	if n <= 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}
