package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsociety/orchestrator/internal/domain"
)

type fakeOrg struct {
	mu     sync.Mutex
	agents []*domain.Agent
}

func (f *fakeOrg) ListAgents() []*domain.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Agent, len(f.agents))
	copy(out, f.agents)
	return out
}

type fakeBus struct {
	mu    sync.Mutex
	queue map[string][]*domain.Message
}

func newFakeBus() *fakeBus { return &fakeBus{queue: map[string][]*domain.Message{}} }

func (f *fakeBus) enqueue(agentID string, msg *domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue[agentID] = append(f.queue[agentID], msg)
}

func (f *fakeBus) PeekQueueDepth(recipientID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue[recipientID])
}

func (f *fakeBus) ReceiveNext(recipientID string) *domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queue[recipientID]
	if len(q) == 0 {
		return nil
	}
	msg := q[0]
	f.queue[recipientID] = q[1:]
	return msg
}

type fakeStatus struct {
	mu     sync.Mutex
	status map[string]domain.ComputeStatus
}

func newFakeStatus() *fakeStatus { return &fakeStatus{status: map[string]domain.ComputeStatus{}} }

func (f *fakeStatus) SetStatus(agentID string, status domain.ComputeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[agentID] = status
	return nil
}

func (f *fakeStatus) GetStatus(agentID string) (domain.ComputeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[agentID], nil
}

type recordingHandler struct {
	mu       sync.Mutex
	handled  []string
	block    chan struct{}
	panicOn  string
}

func (h *recordingHandler) Handle(ctx context.Context, agentID string, msg *domain.Message) {
	if h.block != nil {
		<-h.block
	}
	if agentID == h.panicOn {
		panic("boom")
	}
	h.mu.Lock()
	h.handled = append(h.handled, agentID)
	h.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSchedulerDispatchesIdleAgentWithDeliverableHead(t *testing.T) {
	org := &fakeOrg{agents: []*domain.Agent{{ID: "a1", Status: domain.LifecycleActive}}}
	bus := newFakeBus()
	bus.enqueue("a1", &domain.Message{ID: "m1", To: "a1"})
	status := newFakeStatus()
	status.SetStatus("a1", domain.ComputeIdle)
	handler := &recordingHandler{}

	sched := New(Config{Org: org, Bus: bus, Status: status, Handler: handler, PollInterval: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go sched.Run(ctx)

	waitFor(t, 150*time.Millisecond, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.handled) == 1
	})

	waitFor(t, 150*time.Millisecond, func() bool {
		s, _ := status.GetStatus("a1")
		return s == domain.ComputeIdle
	})
}

func TestSchedulerSkipsNonIdleAgent(t *testing.T) {
	org := &fakeOrg{agents: []*domain.Agent{{ID: "a1", Status: domain.LifecycleActive}}}
	bus := newFakeBus()
	bus.enqueue("a1", &domain.Message{ID: "m1", To: "a1"})
	status := newFakeStatus()
	status.SetStatus("a1", domain.ComputeWaitingLLM)
	handler := &recordingHandler{}

	sched := New(Config{Org: org, Bus: bus, Status: status, Handler: handler, PollInterval: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Empty(t, handler.handled)
}

func TestSchedulerSingleInFlightPerAgent(t *testing.T) {
	org := &fakeOrg{agents: []*domain.Agent{{ID: "a1", Status: domain.LifecycleActive}}}
	bus := newFakeBus()
	bus.enqueue("a1", &domain.Message{ID: "m1", To: "a1"})
	bus.enqueue("a1", &domain.Message{ID: "m2", To: "a1"})
	status := newFakeStatus()
	status.SetStatus("a1", domain.ComputeIdle)
	block := make(chan struct{})
	handler := &recordingHandler{block: block}

	sched := New(Config{Org: org, Bus: bus, Status: status, Handler: handler, PollInterval: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go sched.Run(ctx)

	waitFor(t, 100*time.Millisecond, func() bool {
		s, _ := status.GetStatus("a1")
		return s == domain.ComputeProcessing
	})
	// second message stays queued while the first is in flight
	assert.Equal(t, 1, bus.PeekQueueDepth("a1"))
	close(block)

	waitFor(t, 200*time.Millisecond, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.handled) >= 1
	})
}

func TestSchedulerRecoversFromHandlerPanic(t *testing.T) {
	org := &fakeOrg{agents: []*domain.Agent{{ID: "a1", Status: domain.LifecycleActive}}}
	bus := newFakeBus()
	bus.enqueue("a1", &domain.Message{ID: "m1", To: "a1"})
	status := newFakeStatus()
	status.SetStatus("a1", domain.ComputeIdle)
	handler := &recordingHandler{panicOn: "a1"}

	sched := New(Config{Org: org, Bus: bus, Status: status, Handler: handler, PollInterval: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	s, err := status.GetStatus("a1")
	require.NoError(t, err)
	assert.Equal(t, domain.ComputeIdle, s, "agent must return to idle after a panicking handler")
}

func TestSchedulerIgnoresTerminatedAgents(t *testing.T) {
	org := &fakeOrg{agents: []*domain.Agent{{ID: "a1", Status: domain.LifecycleTerminated}}}
	bus := newFakeBus()
	bus.enqueue("a1", &domain.Message{ID: "m1", To: "a1"})
	status := newFakeStatus()
	handler := &recordingHandler{}

	sched := New(Config{Org: org, Bus: bus, Status: status, Handler: handler, PollInterval: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Empty(t, handler.handled)
}
