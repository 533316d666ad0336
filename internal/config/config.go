package config

import "time"

// Config is the runtime's top-level configuration, trimmed to the fields
// ArtifactStore, WorkspaceManager, LlmClient, Scheduler, ConversationManager,
// and ToolExecutor actually read.
type Config struct {
	// DataDir is the root for artifact and org-state persistence.
	DataDir string `yaml:"dataDir"`
	// WorkspacesDir is the root under which per-task workspace trees live.
	WorkspacesDir string `yaml:"workspacesDir"`

	// LLMServices maps a service id to its backend configuration. Roles
	// reference one of these ids via PreferredLLMSvc.
	LLMServices map[string]LLMServiceConfig `yaml:"llmServices"`
	// DefaultLLMService is used when a role declares no preference.
	DefaultLLMService string `yaml:"defaultLlmService"`
	// LLMConcurrency bounds in-flight chat-completion calls across all
	// services.
	LLMConcurrency int `yaml:"llmConcurrency"`

	// MaxConcurrentAgents bounds the scheduler's in-flight handler pool.
	MaxConcurrentAgents int `yaml:"maxConcurrentAgents"`
	// SchedulerPollInterval is how often the scheduler scans for
	// deliverable work.
	SchedulerPollInterval time.Duration `yaml:"schedulerPollInterval"`

	// MaxToolRounds bounds LlmHandler's per-message tool-calling loop.
	MaxToolRounds int `yaml:"maxToolRounds"`

	// Compaction configures ConversationManager's token-budget compaction.
	Compaction CompactionConfig `yaml:"compaction"`

	// ToolGroups maps a group name to the tool names (or other group names,
	// prefixed "group:") it expands to; see toolexecutor.Allowed.
	ToolGroups map[string][]string `yaml:"toolGroups"`

	// ShutdownGracePeriod bounds how long Run waits for in-flight handlers
	// to finish after a SIGINT/SIGTERM before forcing exit.
	ShutdownGracePeriod time.Duration `yaml:"shutdownGracePeriod"`
}

// LLMServiceConfig describes one configured chat-completion backend.
type LLMServiceConfig struct {
	BaseURL            string   `yaml:"baseUrl"`
	Model              string   `yaml:"model"`
	APIKey             string   `yaml:"apiKey"`
	Capabilities       []string `yaml:"capabilities"`
	ContextSize        int      `yaml:"contextSize"`
	RateLimitPerSecond float64  `yaml:"rateLimitPerSecond"`
}

// CompactionConfig configures when and how much of an agent's conversation
// history ConversationManager compacts once the token estimate crosses
// ThresholdRatio of the service's context window.
type CompactionConfig struct {
	ThresholdRatio  float64 `yaml:"thresholdRatio"`
	KeepRecentTurns int     `yaml:"keepRecentTurns"`
}
