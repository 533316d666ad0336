// Package runtime wires the twelve CORE components into one running
// instance and provides the observability glue the components themselves
// stay deliberately blind to. This file implements the event stream
// supplement (SPEC_FULL.md §8): every LLM retry/final-failure, tool
// dispatch, agent status transition, and termination cascade is published
// on an in-process stream, grounded on the teacher's atomic-sequence
// emit-to-sink pattern (internal/agent/event_emitter.go, event_sink.go).
package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentsociety/orchestrator/internal/llmclient"
)

// EventKind names one of the four CORE subsystems this stream tracks.
type EventKind string

const (
	EventLLMRetry         EventKind = "llm_retry"
	EventLLMFailure       EventKind = "llm_failure"
	EventToolDispatch     EventKind = "tool_dispatch"
	EventAgentStatus      EventKind = "agent_status"
	EventTerminationCascade EventKind = "termination_cascade"
)

// Event is one published observability record. Seq is assigned by the
// stream itself and is strictly increasing, letting a subscriber detect
// gaps if its channel is ever dropped under backpressure.
type Event struct {
	Seq       uint64
	Kind      EventKind
	AgentID   string
	Data      map[string]any
	Err       error
	Timestamp time.Time
}

// Sink receives published events. A Sink must not block for long: the
// stream calls sinks synchronously under its own goroutine, matching the
// teacher's event_sink.go contract that sinks are fire-and-forget
// observers, never part of the request's control flow.
type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Notify(e Event) { f(e) }

// Stream is the in-process event bus. now is overridable for deterministic
// tests, the same seam bus.Bus uses for its clock.
type Stream struct {
	mu    sync.RWMutex
	sinks []Sink
	seq   atomic.Uint64
	now   func() time.Time
}

// NewStream creates an empty Stream.
func NewStream() *Stream {
	return &Stream{now: time.Now}
}

// Subscribe registers a sink to receive every subsequently published
// event. It returns an unsubscribe function.
func (s *Stream) Subscribe(sink Sink) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
	idx := len(s.sinks) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.sinks) {
			s.sinks[idx] = nil
		}
	}
}

// Publish assigns the next sequence number and timestamp, then fans out
// to every live subscriber.
func (s *Stream) Publish(kind EventKind, agentID string, data map[string]any, err error) {
	ev := Event{
		Seq:       s.seq.Add(1),
		Kind:      kind,
		AgentID:   agentID,
		Data:      data,
		Err:       err,
		Timestamp: s.now(),
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sink := range s.sinks {
		if sink != nil {
			sink.Notify(ev)
		}
	}
}

// bridgeLLMEvents drains an llmclient.Event channel and republishes each
// one as a Stream event, stopping when ctx is cancelled or the channel is
// closed. Retries are EventLLMRetry; the Final attempt's failure is
// EventLLMFailure.
func (s *Stream) bridgeLLMEvents(ctx context.Context, events <-chan llmclient.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			kind := EventLLMRetry
			if ev.Final {
				kind = EventLLMFailure
			}
			s.Publish(kind, "", map[string]any{
				"service_id": ev.ServiceID,
				"attempt":    ev.Attempt,
			}, ev.Err)
		}
	}
}
