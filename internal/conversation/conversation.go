// Package conversation implements the ConversationManager component: each
// agent's chat history, kept within its model's context window through
// token estimation and periodic compression. The compression trigger is
// grounded on the teacher's CompactionManager (internal/agent/compaction.go,
// threshold-percent state machine) and the budget-based message selection
// on its context Packer (internal/agent/context/packer.go); tool-call
// adjacency repair is grounded on internal/agent/transcript_repair.go.
package conversation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentsociety/orchestrator/internal/domain"
)

// perMessageOverhead is added per turn to the length/4 character heuristic
// to account for role/field framing, matching the "fixed per-message
// overhead" the contract calls for.
const perMessageOverhead = 4

// DefaultCompressionThreshold is the usage ratio above which history is
// compacted (Design Note: configuration, not contract; chosen per the
// runtime specification's stated example value).
const DefaultCompressionThreshold = 0.7

// DefaultRetainedTurns is the number of most-recent turns kept verbatim
// across a compression pass.
const DefaultRetainedTurns = 10

// Summarizer produces a one-paragraph summary of the turns being dropped.
// The default implementation is a deterministic, LLM-free placeholder;
// LlmHandler may inject a real summarizing LlmClient call via WithSummarizer.
type Summarizer func(dropped []domain.Turn) string

func defaultSummarizer(dropped []domain.Turn) string {
	return fmt.Sprintf("[compacted %d earlier turns]", len(dropped))
}

type conversationState struct {
	mu    sync.Mutex
	turns []domain.Turn
	limit int
}

// Manager owns every agent's conversation state and its on-disk snapshots.
type Manager struct {
	mu           sync.RWMutex
	conversations map[string]*conversationState
	snapshotDir  string
	logger       *slog.Logger
	threshold    float64
	retainedK    int
	summarize    Summarizer
}

// Option configures a Manager at construction.
type Option func(*Manager)

func WithThreshold(t float64) Option        { return func(m *Manager) { m.threshold = t } }
func WithRetainedTurns(k int) Option        { return func(m *Manager) { m.retainedK = k } }
func WithSummarizer(s Summarizer) Option    { return func(m *Manager) { m.summarize = s } }

// New creates a Manager; snapshotDir may be empty to disable persistence.
func New(snapshotDir string, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if snapshotDir != "" {
		if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
			return nil, err
		}
	}
	m := &Manager{
		conversations: make(map[string]*conversationState),
		snapshotDir:   snapshotDir,
		logger:        logger,
		threshold:     DefaultCompressionThreshold,
		retainedK:     DefaultRetainedTurns,
		summarize:     defaultSummarizer,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) stateFor(agentID string, defaultLimit int) *conversationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.conversations[agentID]
	if !ok {
		st = &conversationState{limit: defaultLimit}
		if m.snapshotDir != "" {
			if restored, err := m.loadSnapshot(agentID); err == nil && restored != nil {
				st.turns = restored
			}
		}
		m.conversations[agentID] = st
	}
	if st.limit == 0 {
		st.limit = defaultLimit
	}
	return st
}

// SetSystemPrompt installs or replaces the single leading system turn.
func (m *Manager) SetSystemPrompt(agentID, content string, contextLimit int) {
	st := m.stateFor(agentID, contextLimit)
	st.mu.Lock()
	defer st.mu.Unlock()
	sys := domain.Turn{Role: domain.RoleSystem, Content: content}
	if len(st.turns) > 0 && st.turns[0].Role == domain.RoleSystem {
		st.turns[0] = sys
	} else {
		st.turns = append([]domain.Turn{sys}, st.turns...)
	}
	m.snapshot(agentID, st)
}

// AppendUser appends a user turn.
func (m *Manager) AppendUser(agentID, content string) {
	m.append(agentID, domain.Turn{Role: domain.RoleUser, Content: content})
}

// AppendAssistant appends an assistant turn, optionally carrying tool
// calls. All tool-result turns for this assistant turn must be appended
// (via AppendToolResult) before any other assistant/user turn, preserving
// the tool-call/tool-result adjacency invariant.
func (m *Manager) AppendAssistant(agentID, content string, toolCalls []domain.ToolCall) {
	m.append(agentID, domain.Turn{Role: domain.RoleAssistant, Content: content, ToolCalls: toolCalls})
}

// AppendToolResult appends one tool-result turn referencing an earlier
// assistant tool call by id.
func (m *Manager) AppendToolResult(agentID, toolCallID, name, content string) {
	m.append(agentID, domain.Turn{Role: domain.RoleTool, Content: content, ToolCallID: toolCallID, Name: name})
}

func (m *Manager) append(agentID string, t domain.Turn) {
	st := m.stateFor(agentID, 0)
	st.mu.Lock()
	st.turns = append(st.turns, t)
	ratio := m.ratioLocked(st)
	if ratio > m.threshold {
		m.compressLocked(st)
	}
	m.snapshot(agentID, st)
	st.mu.Unlock()
}

// GetMessages returns the ordered turn list for agentID.
func (m *Manager) GetMessages(agentID string) []domain.Turn {
	st := m.stateFor(agentID, 0)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]domain.Turn, len(st.turns))
	copy(out, st.turns)
	return out
}

// estimateTokens applies the length/4-plus-overhead heuristic over every
// turn's content, tool-call payload, and name.
func estimateTokens(turns []domain.Turn) int {
	total := 0
	for _, t := range turns {
		total += len(t.Content)/4 + perMessageOverhead
		for _, tc := range t.ToolCalls {
			total += (len(tc.Name)+len(tc.Arguments))/4 + perMessageOverhead
		}
	}
	return total
}

func (m *Manager) ratioLocked(st *conversationState) float64 {
	if st.limit <= 0 {
		return 0
	}
	return float64(estimateTokens(st.turns)) / float64(st.limit)
}

// GetStatus returns the agent's token-budget summary.
func (m *Manager) GetStatus(agentID string) domain.ContextStatus {
	st := m.stateFor(agentID, 0)
	st.mu.Lock()
	defer st.mu.Unlock()
	est := estimateTokens(st.turns)
	ratio := 0.0
	if st.limit > 0 {
		ratio = float64(est) / float64(st.limit)
	}
	return domain.ContextStatus{EstimatedTokens: est, Limit: st.limit, Ratio: ratio}
}

// compressLocked summarizes the oldest turns into a single system summary
// turn, keeping the leading system prompt, the most recent retainedK
// turns, and never splitting a tool-call/tool-result pair.
func (m *Manager) compressLocked(st *conversationState) {
	turns := st.turns
	if len(turns) <= m.retainedK+1 {
		return
	}

	leadingSystem := 0
	if len(turns) > 0 && turns[0].Role == domain.RoleSystem {
		leadingSystem = 1
	}

	cut := len(turns) - m.retainedK
	if cut <= leadingSystem {
		return
	}
	// Never start the retained window in the middle of a tool-call/result
	// pairing: walk the cut point back to a safe boundary (a non-tool turn,
	// or a tool turn whose assistant owner is also excluded).
	for cut > leadingSystem && turns[cut].Role == domain.RoleTool {
		cut--
	}

	dropped := make([]domain.Turn, len(turns[leadingSystem:cut]))
	copy(dropped, turns[leadingSystem:cut])
	summary := domain.Turn{Role: domain.RoleSystem, Content: m.summarize(dropped)}

	compacted := make([]domain.Turn, 0, leadingSystem+1+len(turns)-cut)
	if leadingSystem == 1 {
		compacted = append(compacted, turns[0])
	}
	compacted = append(compacted, summary)
	compacted = append(compacted, turns[cut:]...)
	st.turns = compacted
}

func (m *Manager) snapshot(agentID string, st *conversationState) {
	if m.snapshotDir == "" {
		return
	}
	data, err := json.MarshalIndent(st.turns, "", "  ")
	if err != nil {
		m.logger.Warn("snapshot marshal failed", "agentId", agentID, "error", err)
		return
	}
	path := filepath.Join(m.snapshotDir, agentID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		m.logger.Warn("snapshot write failed", "agentId", agentID, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		m.logger.Warn("snapshot rename failed", "agentId", agentID, "error", err)
	}
}

func (m *Manager) loadSnapshot(agentID string) ([]domain.Turn, error) {
	path := filepath.Join(m.snapshotDir, agentID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var turns []domain.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, err
	}
	return RepairAdjacency(turns), nil
}

// RepairAdjacency drops any tool turn whose referenced assistant tool_call
// id is not present among the preceding turns' tool calls, restoring the
// invariant after an ungraceful shutdown left a half-written snapshot.
func RepairAdjacency(turns []domain.Turn) []domain.Turn {
	known := make(map[string]bool)
	out := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == domain.RoleTool {
			if !known[t.ToolCallID] {
				continue
			}
		}
		if t.Role == domain.RoleAssistant {
			for _, tc := range t.ToolCalls {
				known[tc.ID] = true
			}
		}
		out = append(out, t)
	}
	return out
}
