package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentsociety/orchestrator/internal/agentmanager"
	"github.com/agentsociety/orchestrator/internal/artifacts"
	"github.com/agentsociety/orchestrator/internal/bus"
	"github.com/agentsociety/orchestrator/internal/config"
	"github.com/agentsociety/orchestrator/internal/conversation"
	"github.com/agentsociety/orchestrator/internal/domain"
	"github.com/agentsociety/orchestrator/internal/llmclient"
	"github.com/agentsociety/orchestrator/internal/llmhandler"
	"github.com/agentsociety/orchestrator/internal/modelwindow"
	"github.com/agentsociety/orchestrator/internal/observability"
	"github.com/agentsociety/orchestrator/internal/org"
	"github.com/agentsociety/orchestrator/internal/scheduler"
	"github.com/agentsociety/orchestrator/internal/toolexecutor"
	"github.com/agentsociety/orchestrator/internal/workspace"
)

// Metrics re-exports observability.Metrics so callers building a Runtime
// don't need a second import just to read Runtime.Metrics()'s return type.
type Metrics = observability.Metrics

// Runtime wires the twelve CORE components plus the ambient config,
// logging, metrics, and event-stream stack into one running instance.
// Each field is exported for direct inspection (by cmd/orchestrator, by
// tests), but components only ever reach each other through the narrow
// interfaces declared in their own packages -- Runtime is where the
// concrete types meet, nowhere else.
type Runtime struct {
	cfg      *config.Config
	logger   *observability.Logger
	metrics  *Metrics
	registry *prometheus.Registry
	stream   *Stream

	Artifacts     *artifacts.Store
	Workspaces    *workspace.Manager
	Bus           *bus.Bus
	Org           *org.Store
	Conversations *conversation.Manager
	LLM           *llmclient.Client
	Agents        *agentmanager.Manager
	Tools         *toolexecutor.Executor
	Handler       *llmhandler.Handler
	Scheduler     *scheduler.Scheduler

	llmEvents   chan llmclient.Event
	gracePeriod time.Duration
}

// New builds every CORE component from cfg, wires their narrow interface
// dependencies to one another via the adapters in adapters.go, and
// returns a Runtime ready for Run.
func New(cfg *config.Config, logger *observability.Logger) (*Runtime, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	slogger := logger.Slog()
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	stream := NewStream()

	artifactStore, err := artifacts.New(filepath.Join(cfg.DataDir, "artifacts"), slogger)
	if err != nil {
		return nil, fmt.Errorf("init artifact store: %w", err)
	}
	workspaceMgr, err := workspace.New(cfg.WorkspacesDir, slogger)
	if err != nil {
		return nil, fmt.Errorf("init workspace manager: %w", err)
	}
	orgStore, err := org.New(filepath.Join(cfg.DataDir, "org"), slogger)
	if err != nil {
		return nil, fmt.Errorf("init org store: %w", err)
	}
	convMgr, err := conversation.New(filepath.Join(cfg.DataDir, "conversations"), slogger,
		conversation.WithThreshold(cfg.Compaction.ThresholdRatio),
		conversation.WithRetainedTurns(cfg.Compaction.KeepRecentTurns),
	)
	if err != nil {
		return nil, fmt.Errorf("init conversation manager: %w", err)
	}

	messageBus := bus.New(slogger)
	messageBus.RegisterRecipient(domain.AgentIDUser)
	messageBus.RegisterRecipient(domain.AgentIDRoot)

	llmEvents := make(chan llmclient.Event, 64)
	llm := llmclient.New(slogger,
		llmclient.WithConcurrency(cfg.LLMConcurrency),
		llmclient.WithEventsChannel(llmEvents),
	)
	for id, svc := range cfg.LLMServices {
		caps := map[llmclient.Capability]bool{}
		for _, c := range svc.Capabilities {
			caps[llmclient.Capability(c)] = true
		}
		contextSize := svc.ContextSize
		if contextSize <= 0 {
			contextSize = modelwindow.For(svc.Model)
		}
		llm.RegisterService(llmclient.ServiceConfig{
			ID: id, BaseURL: svc.BaseURL, Model: svc.Model, APIKey: svc.APIKey,
			Capabilities: caps, ContextSize: contextSize, RateLimitPerSecond: svc.RateLimitPerSecond,
		})
	}

	// Custom tool-group names from the config file extend the
	// toolexecutor's built-in "group:*" bundles, resolved the same way the
	// teacher expands named capability groups (groups.go/ExpandGroups).
	for name, items := range cfg.ToolGroups {
		toolexecutor.ToolGroups["group:"+name] = toolexecutor.ExpandGroups(items)
	}

	briefs := agentmanager.NewBriefStore()
	bus1 := busSender{messageBus}

	agents := agentmanager.New(agentmanager.Config{
		Org:       orgStore,
		Bus:       bus1,
		Briefs:    briefs,
		Workspace: workspaceMgr,
		Namer:     defaultNamer(llm, orgStore, cfg.DefaultLLMService),
		Logger:    slogger,
	})

	lifecycle := instrumentedLifecycle{mgr: agents, stream: stream, metrics: metrics}
	tools := toolexecutor.New(toolexecutor.Config{
		Roles:     orgStore,
		Agents:    orgStore,
		Lifecycle: lifecycle,
		Bus:       bus1,
		Artifacts: artifactStore,
		Workspace: workspaceMgr,
		Context:   convMgr,
		Route:     contentRouterFn(artifactStore, orgStore, llm, cfg.DefaultLLMService),
		Logger:    slogger,
	})
	instTools := instrumentedTools{exec: tools, stream: stream, metrics: metrics}

	handler := llmhandler.New(llmhandler.Config{
		Conversations:    convMgr,
		Agents:           orgStore,
		Briefs:           briefs,
		Contacts:         contactProvider{orgStore},
		Status:           instrumentedStatus{mgr: agents, stream: stream},
		LLM:              llm,
		Tools:            instTools,
		Artifacts:        artifactStore,
		Bus:              bus1,
		DefaultServiceID: cfg.DefaultLLMService,
		MaxToolRounds:    cfg.MaxToolRounds,
		Logger:           slogger,
	})

	sched := scheduler.New(scheduler.Config{
		Org:                 orgStore,
		Bus:                 messageBus,
		Status:              instrumentedStatus{mgr: agents, stream: stream},
		Handler:             handler,
		MaxConcurrentAgents: cfg.MaxConcurrentAgents,
		PollInterval:        cfg.SchedulerPollInterval,
		Logger:              slogger,
	})

	return &Runtime{
		cfg: cfg, logger: logger, metrics: metrics, registry: registry, stream: stream,
		Artifacts: artifactStore, Workspaces: workspaceMgr, Bus: messageBus,
		Org: orgStore, Conversations: convMgr, LLM: llm, Agents: agents,
		Tools: tools, Handler: handler, Scheduler: sched,
		llmEvents: llmEvents, gracePeriod: cfg.ShutdownGracePeriod,
	}, nil
}

// Metrics returns the CORE subsystem counters/gauges.
func (r *Runtime) Metrics() *Metrics { return r.metrics }

// Registry returns the Prometheus registry Metrics collects against, for
// mounting a promhttp.HandlerFor(registry, ...) /metrics endpoint.
func (r *Runtime) Registry() *prometheus.Registry { return r.registry }

// Events returns the observability event stream; callers subscribe a
// Sink to receive tool-dispatch, LLM retry/failure, status-transition,
// and termination-cascade events.
func (r *Runtime) Events() *Stream { return r.stream }

// Run drives the scheduler loop until ctx is cancelled, bridging
// LlmClient's retry/failure events onto the event stream for the
// duration. It blocks until ctx is done.
func (r *Runtime) Run(ctx context.Context) {
	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.stream.bridgeLLMEvents(bridgeCtx, r.llmEvents)
	r.Scheduler.Run(ctx)
}
