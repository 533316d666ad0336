package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsociety/orchestrator/internal/llmclient"
)

func TestStreamPublishAssignsIncreasingSeq(t *testing.T) {
	s := NewStream()
	var got []Event
	s.Subscribe(SinkFunc(func(e Event) { got = append(got, e) }))

	s.Publish(EventToolDispatch, "a1", map[string]any{"tool": "send_message"}, nil)
	s.Publish(EventAgentStatus, "a1", map[string]any{"status": "idle"}, nil)

	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)
	assert.Equal(t, EventToolDispatch, got[0].Kind)
}

func TestStreamUnsubscribeStopsDelivery(t *testing.T) {
	s := NewStream()
	count := 0
	unsub := s.Subscribe(SinkFunc(func(Event) { count++ }))
	s.Publish(EventAgentStatus, "a1", nil, nil)
	unsub()
	s.Publish(EventAgentStatus, "a1", nil, nil)

	assert.Equal(t, 1, count)
}

func TestStreamFanOutToMultipleSinks(t *testing.T) {
	s := NewStream()
	var countA, countB int
	s.Subscribe(SinkFunc(func(Event) { countA++ }))
	s.Subscribe(SinkFunc(func(Event) { countB++ }))

	s.Publish(EventTerminationCascade, "root", map[string]any{"count": 3}, nil)

	assert.Equal(t, 1, countA)
	assert.Equal(t, 1, countB)
}

func TestBridgeLLMEventsRetryVsFailure(t *testing.T) {
	s := NewStream()
	var kinds []EventKind
	s.Subscribe(SinkFunc(func(e Event) { kinds = append(kinds, e.Kind) }))

	ch := make(chan llmclient.Event, 2)
	ch <- llmclient.Event{ServiceID: "primary", Attempt: 1, Err: errors.New("timeout")}
	ch <- llmclient.Event{ServiceID: "primary", Attempt: 3, Err: errors.New("exhausted"), Final: true}
	close(ch)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.bridgeLLMEvents(ctx, ch)

	require.Len(t, kinds, 2)
	assert.Equal(t, EventLLMRetry, kinds[0])
	assert.Equal(t, EventLLMFailure, kinds[1])
}

func TestBridgeLLMEventsStopsOnContextCancel(t *testing.T) {
	s := NewStream()
	ch := make(chan llmclient.Event)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		s.bridgeLLMEvents(ctx, ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridgeLLMEvents did not stop after context cancellation")
	}
}
