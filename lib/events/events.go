// Package events delivers ordered lifecycle events for a single VM run to
// exactly one observer, and provides the bounded wait used by run-to-finish
// helpers.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	infinity "github.com/Code-Hex/go-infinity-channel"
)

// ErrTimeout is returned when a bounded wait elapses before the run's
// terminal event arrives.
var ErrTimeout = errors.New("timed out waiting for the VM to stop")

// StopReason explains why a run reached its terminal event. The set is
// open-ended; consumers must treat unknown values as non-specific abnormal
// stops.
type StopReason string

const (
	// ReasonShutdown is a clean, requested shutdown.
	ReasonShutdown StopReason = "shutdown"
	// ReasonKilled is a forced stop.
	ReasonKilled StopReason = "killed"
	// ReasonHangup means the guest stopped responding; low-memory boots
	// surface here.
	ReasonHangup StopReason = "hangup"
	// ReasonIntegrityViolation means a measured partition failed
	// verification before the payload was allowed to start.
	ReasonIntegrityViolation StopReason = "integrity-violation"
	// ReasonInvalidPayloadConfig means the declarative payload descriptor
	// was malformed or carried no entry task.
	ReasonInvalidPayloadConfig StopReason = "invalid-payload-config"
	// ReasonUnknownRuntimeError means the guest runtime failed to launch the
	// payload, e.g. the entry binary does not exist.
	ReasonUnknownRuntimeError StopReason = "unknown-runtime-error"
)

// Kind discriminates the event variants of one run.
type Kind string

const (
	// PayloadStarted fires when the guest has launched the payload.
	PayloadStarted Kind = "payload-started"
	// PayloadReady fires when the payload reports readiness.
	PayloadReady Kind = "payload-ready"
	// PayloadFinished fires when the payload exits on its own.
	PayloadFinished Kind = "payload-finished"
	// Stopped is the terminal event; exactly one per run.
	Stopped Kind = "stopped"
)

// Event is one lifecycle event of a run. ExitCode is meaningful only for
// PayloadFinished, Reason only for Stopped.
type Event struct {
	Kind     Kind
	ExitCode int
	Reason   StopReason
}

// Channel carries the ordered events of exactly one run. The producer is the
// boot session; the consumer is the single observer of that run. Publishing
// never blocks the producer.
type Channel struct {
	ch   *infinity.Channel[Event]
	done chan struct{}

	mu     sync.Mutex
	closed bool
	reason StopReason
}

// NewChannel returns an open channel for one run.
func NewChannel() *Channel {
	return &Channel{
		ch:   infinity.NewChannel[Event](),
		done: make(chan struct{}),
	}
}

// Publish delivers an event in order. The Stopped event closes the channel;
// events published after it are dropped.
func (c *Channel) Publish(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.ch.In() <- e
	if e.Kind == Stopped {
		c.closed = true
		c.reason = e.Reason
		c.ch.Close()
		close(c.done)
	}
}

// Events returns the observer side. It drains remaining buffered events and
// then closes once the terminal event has been published.
func (c *Channel) Events() <-chan Event {
	return c.ch.Out()
}

// Done is closed once the terminal event has been published.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// RunToFinish blocks until the run's terminal event, the timeout, or ctx
// cancellation, whichever comes first, and returns the stop reason.
func (c *Channel) RunToFinish(ctx context.Context, timeout time.Duration) (StopReason, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.reason, nil
	case <-timer.C:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
