// Package bus implements the MessageBus component: unbounded per-recipient
// FIFO queues with delayed delivery and in-flight abort. Queue state is
// protected by one mutex per recipient (never a single global lock), the
// same fine-grained-locking idiom the teacher uses for its subagent
// registry (internal/multiagent/subagent_registry.go) and capability
// router (internal/multiagent/capability_router.go).
package bus

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentsociety/orchestrator/internal/domain"
	"github.com/agentsociety/orchestrator/internal/orcherr"
)

// queue is one recipient's FIFO mailbox.
type queue struct {
	mu   sync.Mutex
	msgs *list.List // of *domain.Message
}

// Bus is the MessageBus implementation.
type Bus struct {
	mu     sync.RWMutex // protects the recipients map itself, not queue contents
	queues map[string]*queue
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithClock overrides the bus's time source; used by tests to make
// deliverAt assertions deterministic.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates an empty Bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		queues: make(map[string]*queue),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterRecipient opens a mailbox for id, if one doesn't already exist.
func (b *Bus) RegisterRecipient(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[id]; !ok {
		b.queues[id] = &queue{msgs: list.New()}
	}
}

// UnregisterRecipient removes id's mailbox entirely, dropping any queued
// messages.
func (b *Bus) UnregisterRecipient(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, id)
}

func (b *Bus) queueFor(id string) (*queue, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[id]
	return q, ok
}

// SendInput is the argument shape accepted by Send.
type SendInput struct {
	From        string
	To          string
	Payload     domain.Payload
	TaskID      string
	DeliverAt   *time.Time
	MessageType *domain.MessageType
}

// Send validates and enqueues a message, returning its generated id.
func (b *Bus) Send(in SendInput) (string, error) {
	if in.From == domain.AgentIDUser && in.To == domain.AgentIDUser {
		return "", orcherr.New(orcherr.CodeInvalidRoute, "user cannot send to itself")
	}
	q, ok := b.queueFor(in.To)
	if !ok {
		return "", orcherr.New(orcherr.CodeUnknownRecipient, in.To)
	}
	if err := domain.ValidatePayload(in.MessageType, in.Payload); err != nil {
		return "", err
	}

	now := b.now()
	deliverAt := in.DeliverAt
	if deliverAt != nil && deliverAt.Before(now) {
		clamped := now
		deliverAt = &clamped
	}

	msg := &domain.Message{
		ID:          uuid.NewString(),
		From:        in.From,
		To:          in.To,
		Payload:     in.Payload,
		TaskID:      in.TaskID,
		CreatedAt:   now,
		DeliverAt:   deliverAt,
		MessageType: in.MessageType,
	}

	q.mu.Lock()
	q.msgs.PushBack(msg)
	q.mu.Unlock()

	b.logger.Debug("message enqueued", "id", msg.ID, "from", msg.From, "to", msg.To)
	return msg.ID, nil
}

// ReceiveNext returns the oldest deliverable message for recipientId, or
// nil if none is ready. A delayed message at the head of the queue blocks
// the whole queue until its deliverAt passes (head-of-line blocking, per
// the design decision recorded for the delayed-delivery open question).
func (b *Bus) ReceiveNext(recipientID string) *domain.Message {
	q, ok := b.queueFor(recipientID)
	if !ok {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.msgs.Front()
	if front == nil {
		return nil
	}
	msg := front.Value.(*domain.Message)
	if !msg.Deliverable(b.now()) {
		return nil
	}
	q.msgs.Remove(front)
	return msg
}

// PeekQueueDepth reports the number of messages currently queued for
// recipientID, including not-yet-deliverable ones.
func (b *Bus) PeekQueueDepth(recipientID string) int {
	q, ok := b.queueFor(recipientID)
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.msgs.Len()
}

// AbortPending drops every pending message for recipientID, used during
// agent termination.
func (b *Bus) AbortPending(recipientID string) {
	q, ok := b.queueFor(recipientID)
	if !ok {
		return
	}
	q.mu.Lock()
	q.msgs.Init()
	q.mu.Unlock()
}
