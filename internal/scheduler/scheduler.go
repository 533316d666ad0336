// Package scheduler implements the MessageProcessor component: a single
// logical loop that scans idle agents with deliverable queue heads and
// dispatches at most one in-flight handler per agent, bounded by a pool
// capacity, grounded on the teacher's semaphore-gated worker pattern
// (internal/agent/executor.go's Executor.Execute) applied at the
// agent-dispatch level instead of the tool-call level.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentsociety/orchestrator/internal/domain"
)

// AgentLister is the slice of OrgPrimitives the scheduler needs to find
// candidate agents.
type AgentLister interface {
	ListAgents() []*domain.Agent
}

// ComputeStatusSetter is the slice of AgentManager the scheduler needs to
// gate the idle->processing transition.
type ComputeStatusSetter interface {
	SetStatus(agentID string, status domain.ComputeStatus) error
	GetStatus(agentID string) (domain.ComputeStatus, error)
}

// Mailbox is the slice of MessageBus the scheduler needs to find and claim
// deliverable work.
type Mailbox interface {
	PeekQueueDepth(recipientID string) int
	ReceiveNext(recipientID string) *domain.Message
}

// Handler processes exactly one inbound message for one agent; this is
// LlmHandler's per-message entrypoint.
type Handler interface {
	Handle(ctx context.Context, agentID string, msg *domain.Message)
}

// Config bundles the scheduler's collaborators and tunables.
type Config struct {
	Org                 AgentLister
	Bus                 Mailbox
	Status              ComputeStatusSetter
	Handler             Handler
	MaxConcurrentAgents int
	PollInterval        time.Duration
	Logger              *slog.Logger
}

const (
	defaultMaxConcurrentAgents = 8
	defaultPollInterval        = 20 * time.Millisecond
)

// Scheduler is the MessageProcessor implementation.
type Scheduler struct {
	org     AgentLister
	bus     Mailbox
	status  ComputeStatusSetter
	handler Handler
	logger  *slog.Logger

	sem          chan struct{}
	pollInterval time.Duration

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a Scheduler wired to cfg's collaborators, applying defaults
// for MaxConcurrentAgents and PollInterval when zero.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cap := cfg.MaxConcurrentAgents
	if cap <= 0 {
		cap = defaultMaxConcurrentAgents
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Scheduler{
		org: cfg.Org, bus: cfg.Bus, status: cfg.Status, handler: cfg.Handler,
		logger: logger, sem: make(chan struct{}, cap), pollInterval: interval,
		inFlight: make(map[string]bool),
	}
}

// Run drives the scheduler loop until ctx is cancelled. It is safe to call
// exactly once per Scheduler instance.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick scans for idle agents with a deliverable queue head and dispatches
// a worker for each one the pool has capacity for.
func (s *Scheduler) tick(ctx context.Context) {
	for _, agent := range s.org.ListAgents() {
		if agent.Status != domain.LifecycleActive {
			continue
		}
		if s.claimed(agent.ID) {
			continue
		}
		status, err := s.status.GetStatus(agent.ID)
		if err != nil || status != domain.ComputeIdle {
			continue
		}
		if s.bus.PeekQueueDepth(agent.ID) == 0 {
			continue
		}
		select {
		case s.sem <- struct{}{}:
		default:
			return // pool at capacity this tick
		}
		s.dispatch(ctx, agent.ID)
	}
}

func (s *Scheduler) claimed(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[agentID]
}

// dispatch transitions agentID to processing and runs its handler on a
// background goroutine, returning the agent to idle (or leaving it in
// whatever terminal state the handler produced) when done. A panic inside
// Handler is recovered so one agent's failure never stops the scheduler.
func (s *Scheduler) dispatch(ctx context.Context, agentID string) {
	s.mu.Lock()
	s.inFlight[agentID] = true
	s.mu.Unlock()

	msg := s.bus.ReceiveNext(agentID)
	if msg == nil {
		// Queue head was not yet deliverable (delayed message); release
		// the slot without transitioning state.
		s.release(agentID)
		return
	}

	if err := s.status.SetStatus(agentID, domain.ComputeProcessing); err != nil {
		s.logger.Error("failed to mark agent processing", "agentId", agentID, "error", err)
		s.release(agentID)
		return
	}

	go func() {
		defer s.release(agentID)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("agent handler panicked", "agentId", agentID, "panic", r)
			}
			if status, err := s.status.GetStatus(agentID); err == nil && status == domain.ComputeProcessing {
				_ = s.status.SetStatus(agentID, domain.ComputeIdle)
			}
		}()
		s.handler.Handle(ctx, agentID, msg)
	}()
}

func (s *Scheduler) release(agentID string) {
	s.mu.Lock()
	delete(s.inFlight, agentID)
	s.mu.Unlock()
	<-s.sem
}
