// Package feed streams run lifecycle events between tern nodes over gRPC.
//
// A node publishes one event when a machine boots and one when the run
// reaches a terminal state; runs that park on an unhandled trap get their
// own kind so trap supervisors can watch for work. Messages travel as
// encoding/gob over a single server-streaming Subscribe method that is
// registered by hand, so the package carries no generated stubs.
//
// The client side keeps the subscription alive across failures: it
// redials with exponential backoff and resumes from the last sequence
// number it saw, which the server honors out of a bounded replay window.
package feed

import (
	"fmt"
	"time"

	"github.com/ternvm/tern/internal/types"
	"github.com/ternvm/tern/pkg/vm"
)

// EventKind says which lifecycle edge an event marks.
type EventKind int32

const (
	// EventRunStarted is published when a machine boots, before the
	// first step executes.
	EventRunStarted EventKind = iota

	// EventRunCompleted is published when a run ends by halting or
	// faulting.
	EventRunCompleted

	// EventRunTrapped is published when a run parks on a trap code no
	// host service claims.
	EventRunTrapped

	// EventHeartbeat keeps idle streams warm. The client consumes
	// heartbeats internally; they never reach the Events channel.
	EventHeartbeat
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventRunStarted:
		return "started"
	case EventRunCompleted:
		return "completed"
	case EventRunTrapped:
		return "trapped"
	case EventHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

// Event is one entry in the run event stream.
type Event struct {
	// Seq is the server-assigned sequence number. It is monotone for
	// the lifetime of one server and restarts with it.
	Seq uint64

	// Kind says what happened to the run.
	Kind EventKind

	// RunID identifies the run.
	RunID types.RunID

	// ImageID identifies the program the run executed.
	ImageID types.ImageID

	// State is the terminal machine state. Meaningful for completed
	// and trapped events; started events carry the running state.
	State vm.State

	// ExitCode is the halt argument when State is halted.
	ExitCode int32

	// TrapCode is the unclaimed trap code when State is trapped.
	TrapCode uint32

	// Fault describes the fault when State is faulted.
	Fault string

	// Steps is the number of instructions the run executed.
	Steps uint64

	// At is when the node recorded the event.
	At time.Time
}

// String renders a compact one-line form for logs.
func (e *Event) String() string {
	switch e.Kind {
	case EventRunStarted:
		return fmt.Sprintf("run %s started image %s", e.RunID.Short(), e.ImageID.Short())
	case EventRunCompleted:
		if e.State == vm.StateFaulted {
			return fmt.Sprintf("run %s faulted after %d steps: %s", e.RunID.Short(), e.Steps, e.Fault)
		}
		return fmt.Sprintf("run %s halted with exit %d in %d steps", e.RunID.Short(), e.ExitCode, e.Steps)
	case EventRunTrapped:
		return fmt.Sprintf("run %s trapped on code %d after %d steps", e.RunID.Short(), e.TrapCode, e.Steps)
	default:
		return e.Kind.String()
	}
}

// SubscribeRequest opens an event subscription. It is the single client
// message on the Subscribe stream.
type SubscribeRequest struct {
	// FromSeq asks for replay of retained events with Seq >= FromSeq.
	// Zero subscribes live only.
	FromSeq uint64

	// Kinds limits delivery to the listed kinds. Empty means all.
	Kinds []EventKind
}

// ClientHealth is a snapshot of the subscription state.
type ClientHealth struct {
	// Connected indicates if the client currently holds a stream.
	Connected bool

	// LastSeq is the sequence number of the last delivered event.
	LastSeq uint64

	// LastUpdate is when the last message arrived, heartbeats included.
	LastUpdate time.Time

	// Endpoint is the server address the client dials.
	Endpoint string

	// Latency is the time since the last message, capped at the stale
	// timeout while connected.
	Latency time.Duration

	// ReconnectCount is the number of reconnection attempts since start.
	ReconnectCount int

	// LastError is the last error encountered, if any.
	LastError error
}

// ServerStats is a snapshot of the feed server counters.
type ServerStats struct {
	// Subscribers is the number of open subscriptions.
	Subscribers int

	// Published is the total number of events published.
	Published uint64

	// Dropped counts events evicted from slow subscriber queues.
	Dropped uint64

	// LastSeq is the most recently assigned sequence number.
	LastSeq uint64
}
