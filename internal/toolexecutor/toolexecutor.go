// Package toolexecutor implements the ToolExecutor component: declares the
// fixed tool catalogue visible to the LLM and dispatches tool calls from
// the assistant, applying tool-group permission checks. Dispatch never
// throws to the caller — every tool returns a structured {error, message}
// result on failure, grounded on the teacher's tool dispatch idiom
// (internal/agent/tool_exec.go, internal/agent/tool_registry.go) and its
// Name/Description/Schema/Execute tool shape
// (internal/tools/subagent/spawn.go's SpawnTool/StatusTool/CancelTool).
package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agentsociety/orchestrator/internal/domain"
	"github.com/agentsociety/orchestrator/internal/orcherr"
)

// Stable tool names, matching the catalogue in the runtime specification.
const (
	ToolFindRoleByName     = "find_role_by_name"
	ToolCreateRole         = "create_role"
	ToolSpawnAgentWithTask = "spawn_agent_with_task"
	ToolSendMessage        = "send_message"
	ToolPutArtifact        = "put_artifact"
	ToolGetArtifact        = "get_artifact"
	ToolTerminateAgent     = "terminate_agent"
	ToolGetOrgStructure    = "get_org_structure"
	ToolGetContextStatus   = "get_context_status"
	ToolRunJavascript      = "run_javascript"
	ToolLocalLLMChat       = "localllm_chat"
)

// RoleStore is the slice of OrgPrimitives that role-related tools need.
type RoleStore interface {
	CreateRole(name, rolePrompt, orgPrompt string, toolGroups []string, preferredSvc, creatorAgentID string) (*domain.Role, error)
	GetRole(id string) (*domain.Role, error)
	FindRoleByName(name string) *domain.Role
	ListRoles() []*domain.Role
}

// AgentQuery is the slice of OrgPrimitives/AgentManager that org-query
// tools need.
type AgentQuery interface {
	GetAgent(id string) (*domain.Agent, error)
	GetOrgTree() *domain.OrgTreeNode
}

// AgentLifecycle is the slice of AgentManager that spawn/terminate tools
// need, kept interface-segregated so ToolExecutor never reaches into
// AgentManager's internal state directly.
type AgentLifecycle interface {
	Spawn(ctx context.Context, parentID, roleID, customName string, brief domain.TaskBrief, initialMessage string) (*domain.Agent, error)
	IsDescendant(ancestorID, targetID string) bool
	Terminate(ctx context.Context, requesterID, targetID, reason string) (domain.TerminationSummary, error)
}

// MessageSender is the slice of MessageBus that send_message needs.
type MessageSender interface {
	Send(from, to string, payload domain.Payload, taskID string) (string, error)
}

// ArtifactStore is the slice of ArtifactStore that put/get_artifact need.
type ArtifactStore interface {
	Put(artifactType string, content any, meta map[string]any, messageID string) (string, error)
	Get(ref string) (*domain.ArtifactContent, error)
}

// ContextStatusProvider is the slice of ConversationManager that
// get_context_status needs.
type ContextStatusProvider interface {
	GetStatus(agentID string) domain.ContextStatus
}

// Sandbox executes run_javascript's payload under the security contract:
// no process/filesystem/network access, with a getCanvas(w,h) primitive
// whose output is auto-persisted as an image artifact. The concrete
// isolation mechanism is out of scope for this runtime; only the contract
// is implemented here (see SPEC_FULL.md §1 out-of-scope notes).
type Sandbox interface {
	Run(ctx context.Context, code string, input any) (result any, artifactRefs []string, err error)
}

// ContentRouterFn resolves an artifact reference into a routed result for
// get_artifact, given the caller agent's declared capabilities.
type ContentRouterFn func(agentID, ref string) (any, error)

// Executor dispatches tool calls against its configured collaborators.
type Executor struct {
	roles     RoleStore
	agents    AgentQuery
	lifecycle AgentLifecycle
	bus       MessageSender
	artifacts ArtifactStore
	workspace WorkspaceIO
	context   ContextStatusProvider
	sandbox   Sandbox
	route     ContentRouterFn
	logger    *slog.Logger
	localLLMReady bool
}

// WorkspaceIO is the slice of WorkspaceManager exposed for tool use; the
// tool catalogue names no workspace operation and no tool handler calls
// it (put_artifact/get_artifact go through ArtifactStore), but the seam
// is kept here so a future module can register file tools without
// reaching into WorkspaceManager's internals.
type WorkspaceIO interface {
	ReadFile(taskID, relPath string) ([]byte, error)
	WriteFile(taskID, relPath string, content []byte) error
	ListFiles(taskID, relPath string) ([]string, error)
}

// Config bundles Executor's collaborators for New.
type Config struct {
	Roles         RoleStore
	Agents        AgentQuery
	Lifecycle     AgentLifecycle
	Bus           MessageSender
	Artifacts     ArtifactStore
	Workspace     WorkspaceIO
	Context       ContextStatusProvider
	Sandbox       Sandbox
	Route         ContentRouterFn
	Logger        *slog.Logger
	LocalLLMReady bool
}

// New creates an Executor wired to cfg's collaborators.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		roles: cfg.Roles, agents: cfg.Agents, lifecycle: cfg.Lifecycle,
		bus: cfg.Bus, artifacts: cfg.Artifacts, workspace: cfg.Workspace,
		context: cfg.Context, sandbox: cfg.Sandbox, route: cfg.Route,
		logger: logger, localLLMReady: cfg.LocalLLMReady,
	}
}

// Definition is one catalogue entry's OpenAI-style tool schema.
type Definition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Catalogue returns every tool definition, regardless of per-role
// permission; callers filter with Allowed before exposing the list to an
// LLM call.
func (e *Executor) Catalogue() []Definition {
	return []Definition{
		{ToolFindRoleByName, "Find a role by its display name.", schema(obj(props{"name": strSchema()}, "name"))},
		{ToolCreateRole, "Create and persist a new role.", schema(obj(props{
			"name": strSchema(), "rolePrompt": strSchema(), "orgPrompt": strSchema(), "toolGroups": arrOfStr(),
		}, "name", "rolePrompt"))},
		{ToolSpawnAgentWithTask, "Spawn a child agent bound to a task brief.", schema(obj(props{
			"roleId":        strSchema(),
			"taskBrief":     obj(props{"objective": strSchema(), "constraints": arrOfStr(), "inputs": strSchema(), "outputs": strSchema(), "completion_criteria": strSchema()}, "objective"),
			"initialMessage": strSchema(),
		}, "roleId", "taskBrief", "initialMessage"))},
		{ToolSendMessage, "Send a message to another agent.", schema(obj(props{
			"to": strSchema(), "payload": obj(props{"text": strSchema(), "quickReplies": arrOfStr()}, "text"),
		}, "to", "payload"))},
		{ToolPutArtifact, "Store content as a new artifact.", schema(obj(props{
			"type": strSchema(), "content": map[string]any{}, "name": strSchema(), "meta": map[string]any{},
		}, "type", "content"))},
		{ToolGetArtifact, "Retrieve a stored artifact's content.", schema(obj(props{"ref": strSchema()}, "ref"))},
		{ToolTerminateAgent, "Terminate a descendant agent and cascade.", schema(obj(props{"agentId": strSchema(), "reason": strSchema()}, "agentId"))},
		{ToolGetOrgStructure, "Return the roles and agent org tree.", schema(obj(props{}))},
		{ToolGetContextStatus, "Return the caller's conversation context status.", schema(obj(props{}))},
		{ToolRunJavascript, "Execute sandboxed JavaScript.", schema(obj(props{"code": strSchema(), "input": map[string]any{}}, "code"))},
		{ToolLocalLLMChat, "Invoke the optional local inference path.", schema(obj(props{"messages": map[string]any{}}, "messages"))},
	}
}

// Dispatch executes one tool call by name, returning a JSON-serializable
// result. Errors are always returned as orcherr's structured JSON shape
// rather than a raw Go error escaping to the LLM boundary; unexpected
// internal panics are recovered and surfaced as CodeAgentProcessingFailed.
func (e *Executor) Dispatch(ctx context.Context, callerID, name string, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool dispatch panic", "tool", name, "panic", r)
			result = orcherr.New(orcherr.CodeAgentProcessingFailed, fmt.Sprintf("panic in tool %s", name)).JSON()
			err = nil
		}
	}()

	if !e.toolAllowed(callerID, name) {
		return orcherr.New(orcherr.CodeAccessDenied, name+" is not permitted for this agent's role").JSON(), nil
	}

	var raw map[string]any
	if len(args) > 0 {
		if jerr := json.Unmarshal(args, &raw); jerr != nil {
			return orcherr.New(orcherr.CodeMissingParameter, "arguments must be a JSON object").JSON(), nil
		}
	}
	if verr := e.validateArgs(name, raw); verr != nil {
		return schemaValidationError(name, verr), nil
	}

	switch name {
	case ToolFindRoleByName:
		return e.findRoleByName(raw)
	case ToolCreateRole:
		return e.createRole(callerID, raw)
	case ToolSpawnAgentWithTask:
		return e.spawnAgentWithTask(ctx, callerID, raw)
	case ToolSendMessage:
		return e.sendMessage(callerID, raw)
	case ToolPutArtifact:
		return e.putArtifact(raw)
	case ToolGetArtifact:
		return e.getArtifact(callerID, raw)
	case ToolTerminateAgent:
		return e.terminateAgent(ctx, callerID, raw)
	case ToolGetOrgStructure:
		return e.getOrgStructure()
	case ToolGetContextStatus:
		return e.getContextStatus(callerID)
	case ToolRunJavascript:
		return e.runJavascript(ctx, raw)
	case ToolLocalLLMChat:
		return e.localLLMChat(raw)
	default:
		return orcherr.New(orcherr.CodeUnknownTool, name).JSON(), nil
	}
}

// toolAllowed gates dispatch by the caller's role's tool-groups, defaulting
// open when the role cannot be resolved (e.g. the user/root sentinels).
func (e *Executor) toolAllowed(callerID, toolName string) bool {
	role, err := e.callerRole(callerID)
	if err != nil || role == nil {
		return true
	}
	return Allowed(role.ToolGroups, toolName)
}

func missing(field string) map[string]any {
	return orcherr.New(orcherr.CodeMissingParameter, field+" is required").JSON()
}

func str(raw map[string]any, field string) (string, bool) {
	v, ok := raw[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (e *Executor) findRoleByName(raw map[string]any) (any, error) {
	name, ok := str(raw, "name")
	if !ok || name == "" {
		return missing("name"), nil
	}
	role := e.roles.FindRoleByName(name)
	if role == nil {
		return map[string]any{"role": nil}, nil
	}
	return map[string]any{"role": role}, nil
}

func (e *Executor) createRole(callerID string, raw map[string]any) (any, error) {
	name, ok := str(raw, "name")
	if !ok || name == "" {
		return missing("name"), nil
	}
	rolePrompt, ok := str(raw, "rolePrompt")
	if !ok || rolePrompt == "" {
		return missing("rolePrompt"), nil
	}
	orgPrompt, _ := str(raw, "orgPrompt")
	var toolGroups []string
	if tg, ok := raw["toolGroups"].([]any); ok {
		for _, v := range tg {
			if s, ok := v.(string); ok {
				toolGroups = append(toolGroups, s)
			}
		}
	}
	if orgPrompt == "" {
		if callerRole, err := e.callerRole(callerID); err == nil && callerRole != nil {
			orgPrompt = callerRole.OrgPrompt
		}
	}
	role, err := e.roles.CreateRole(name, rolePrompt, orgPrompt, toolGroups, "", callerID)
	if err != nil {
		return errJSON(err), nil
	}
	return map[string]any{"role": role}, nil
}

func (e *Executor) callerRole(callerID string) (*domain.Role, error) {
	agent, err := e.agents.GetAgent(callerID)
	if err != nil {
		return nil, err
	}
	return e.roles.GetRole(agent.RoleID)
}

func (e *Executor) spawnAgentWithTask(ctx context.Context, callerID string, raw map[string]any) (any, error) {
	roleID, ok := str(raw, "roleId")
	if !ok || roleID == "" {
		return missing("roleId"), nil
	}
	briefRaw, ok := raw["taskBrief"].(map[string]any)
	if !ok {
		return orcherr.New(orcherr.CodeInvalidTaskBrief, "taskBrief is required").JSON(), nil
	}
	objective, _ := str(briefRaw, "objective")
	if objective == "" {
		return orcherr.New(orcherr.CodeInvalidTaskBrief, "taskBrief.objective is required").JSON(), nil
	}
	brief := domain.TaskBrief{Objective: objective}
	if inputs, ok := str(briefRaw, "inputs"); ok {
		brief.Inputs = inputs
	}
	if outputs, ok := str(briefRaw, "outputs"); ok {
		brief.Outputs = outputs
	}
	if crit, ok := str(briefRaw, "completion_criteria"); ok {
		brief.CompletionCriteria = crit
	}
	if cs, ok := briefRaw["constraints"].([]any); ok {
		for _, v := range cs {
			if s, ok := v.(string); ok {
				brief.Constraints = append(brief.Constraints, s)
			}
		}
	}
	initialMessage, _ := str(raw, "initialMessage")

	agent, err := e.lifecycle.Spawn(ctx, callerID, roleID, "", brief, initialMessage)
	if err != nil {
		return errJSON(err), nil
	}
	return map[string]any{"agentId": agent.ID}, nil
}

func (e *Executor) sendMessage(callerID string, raw map[string]any) (any, error) {
	to, ok := str(raw, "to")
	if !ok || to == "" {
		return missing("to"), nil
	}
	payloadRaw, ok := raw["payload"].(map[string]any)
	if !ok {
		return missing("payload"), nil
	}
	payload := domain.Payload{}
	if text, ok := str(payloadRaw, "text"); ok {
		payload.Text = text
	}
	if qr, ok := payloadRaw["quickReplies"]; ok {
		list, isList := qr.([]any)
		if !isList {
			return orcherr.New(orcherr.CodeQuickRepliesInvalid, "quickReplies must be an array of strings").JSON(), nil
		}
		for _, v := range list {
			s, isStr := v.(string)
			if !isStr {
				return orcherr.New(orcherr.CodeQuickRepliesInvalid, "quickReplies elements must be strings").JSON(), nil
			}
			payload.QuickReplies = append(payload.QuickReplies, s)
		}
		if err := domain.ValidateQuickReplies(payload.QuickReplies); err != nil {
			return errJSON(err), nil
		}
	}
	id, err := e.bus.Send(callerID, to, payload, "")
	if err != nil {
		return errJSON(err), nil
	}
	return map[string]any{"messageId": id}, nil
}

func (e *Executor) putArtifact(raw map[string]any) (any, error) {
	artifactType, ok := str(raw, "type")
	if !ok || artifactType == "" {
		return missing("type"), nil
	}
	content, ok := raw["content"]
	if !ok {
		return missing("content"), nil
	}
	meta := map[string]any{}
	if m, ok := raw["meta"].(map[string]any); ok {
		meta = m
	}
	if name, ok := str(raw, "name"); ok && name != "" {
		meta["filename"] = name
	}
	ref, err := e.artifacts.Put(artifactType, content, meta, "")
	if err != nil {
		return errJSON(err), nil
	}
	return map[string]any{"artifactIds": []string{ref}}, nil
}

func (e *Executor) getArtifact(callerID string, raw map[string]any) (any, error) {
	ref, ok := str(raw, "ref")
	if !ok || ref == "" {
		return missing("ref"), nil
	}
	if e.route != nil {
		routed, err := e.route(callerID, ref)
		if err != nil {
			return errJSON(err), nil
		}
		return routed, nil
	}
	art, err := e.artifacts.Get(ref)
	if err != nil {
		return errJSON(err), nil
	}
	return art, nil
}

func (e *Executor) terminateAgent(ctx context.Context, callerID string, raw map[string]any) (any, error) {
	agentID, ok := str(raw, "agentId")
	if !ok || agentID == "" {
		return missing("agentId"), nil
	}
	reason, _ := str(raw, "reason")
	if !e.lifecycle.IsDescendant(callerID, agentID) {
		return orcherr.New(orcherr.CodeNotChildAgent, agentID).JSON(), nil
	}
	summary, err := e.lifecycle.Terminate(ctx, callerID, agentID, reason)
	if err != nil {
		return errJSON(err), nil
	}
	return summary, nil
}

func (e *Executor) getOrgStructure() (any, error) {
	return map[string]any{"roles": e.roles.ListRoles(), "tree": e.agents.GetOrgTree()}, nil
}

func (e *Executor) getContextStatus(callerID string) (any, error) {
	return e.context.GetStatus(callerID), nil
}

func (e *Executor) runJavascript(ctx context.Context, raw map[string]any) (any, error) {
	code, ok := str(raw, "code")
	if !ok || code == "" {
		return missing("code"), nil
	}
	if e.sandbox == nil {
		return orcherr.New(orcherr.CodeBlockedCode, "sandbox not configured").JSON(), nil
	}
	result, artifactRefs, err := e.sandbox.Run(ctx, code, raw["input"])
	if err != nil {
		return errJSON(err), nil
	}
	return map[string]any{"result": result, "artifactIds": artifactRefs}, nil
}

func (e *Executor) localLLMChat(raw map[string]any) (any, error) {
	if !e.localLLMReady {
		return orcherr.New(orcherr.CodeLocalLLMNotReady, "local inference is disabled").JSON(), nil
	}
	// A real local-inference backend would be wired here; none is
	// configured by this runtime's default deployment.
	return orcherr.New(orcherr.CodeLocalLLMNotReady, "local inference backend not configured").JSON(), nil
}

func errJSON(err error) map[string]any {
	if e, ok := orcherr.As(err); ok {
		return e.JSON()
	}
	return orcherr.New(orcherr.CodeAgentProcessingFailed, err.Error()).JSON()
}

type props map[string]any

func obj(p props, required ...string) map[string]any {
	m := map[string]any{"type": "object", "properties": p}
	if len(required) > 0 {
		m["required"] = required
	}
	return m
}

func schema(m map[string]any) json.RawMessage {
	b, _ := json.Marshal(m)
	return b
}

func arrOfStr() map[string]any { return map[string]any{"type": "array", "items": map[string]any{"type": "string"}} }

func strSchema() map[string]any { return map[string]any{"type": "string"} }
