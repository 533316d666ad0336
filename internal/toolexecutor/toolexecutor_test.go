package toolexecutor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsociety/orchestrator/internal/domain"
	"github.com/agentsociety/orchestrator/internal/orcherr"
)

type fakeRoles struct {
	roles map[string]*domain.Role
}

func newFakeRoles() *fakeRoles { return &fakeRoles{roles: map[string]*domain.Role{}} }

func (f *fakeRoles) CreateRole(name, rolePrompt, orgPrompt string, toolGroups []string, preferredSvc, creatorAgentID string) (*domain.Role, error) {
	r := &domain.Role{ID: "role-" + name, Name: name, RolePrompt: rolePrompt, OrgPrompt: orgPrompt, ToolGroups: toolGroups, CreatorAgentID: creatorAgentID}
	f.roles[r.ID] = r
	return r, nil
}

func (f *fakeRoles) GetRole(id string) (*domain.Role, error) {
	r, ok := f.roles[id]
	if !ok {
		return nil, orcherr.New(orcherr.CodeRoleNotFound, id)
	}
	return r, nil
}

func (f *fakeRoles) FindRoleByName(name string) *domain.Role {
	for _, r := range f.roles {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func (f *fakeRoles) ListRoles() []*domain.Role {
	var out []*domain.Role
	for _, r := range f.roles {
		out = append(out, r)
	}
	return out
}

type fakeAgents struct {
	agents map[string]*domain.Agent
}

func newFakeAgents() *fakeAgents { return &fakeAgents{agents: map[string]*domain.Agent{}} }

func (f *fakeAgents) GetAgent(id string) (*domain.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, orcherr.New(orcherr.CodeAgentNotFound, id)
	}
	return a, nil
}

func (f *fakeAgents) GetOrgTree() *domain.OrgTreeNode {
	return &domain.OrgTreeNode{Agent: f.agents["root"]}
}

type fakeLifecycle struct {
	spawned     *domain.Agent
	spawnErr    error
	descendants map[string]bool
	terminated  domain.TerminationSummary
	termErr     error
}

func (f *fakeLifecycle) Spawn(ctx context.Context, parentID, roleID, customName string, brief domain.TaskBrief, initialMessage string) (*domain.Agent, error) {
	return f.spawned, f.spawnErr
}

func (f *fakeLifecycle) IsDescendant(ancestorID, targetID string) bool {
	return f.descendants[targetID]
}

func (f *fakeLifecycle) Terminate(ctx context.Context, requesterID, targetID, reason string) (domain.TerminationSummary, error) {
	return f.terminated, f.termErr
}

type fakeBus struct {
	lastFrom, lastTo string
	lastPayload      domain.Payload
	sendErr          error
	nextID           string
}

func (f *fakeBus) Send(from, to string, payload domain.Payload, taskID string) (string, error) {
	f.lastFrom, f.lastTo, f.lastPayload = from, to, payload
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return f.nextID, nil
}

type fakeArtifacts struct {
	putRef  string
	putErr  error
	content *domain.ArtifactContent
	getErr  error
}

func (f *fakeArtifacts) Put(artifactType string, content any, meta map[string]any, messageID string) (string, error) {
	return f.putRef, f.putErr
}

func (f *fakeArtifacts) Get(ref string) (*domain.ArtifactContent, error) {
	return f.content, f.getErr
}

type fakeContext struct {
	status domain.ContextStatus
}

func (f *fakeContext) GetStatus(agentID string) domain.ContextStatus { return f.status }

type fakeSandbox struct {
	result any
	refs   []string
	err    error
}

func (f *fakeSandbox) Run(ctx context.Context, code string, input any) (any, []string, error) {
	return f.result, f.refs, f.err
}

func newExecutor() (*Executor, *fakeRoles, *fakeAgents, *fakeLifecycle, *fakeBus, *fakeArtifacts, *fakeContext) {
	roles := newFakeRoles()
	agents := newFakeAgents()
	lifecycle := &fakeLifecycle{descendants: map[string]bool{}}
	bus := &fakeBus{nextID: "msg-1"}
	artifacts := &fakeArtifacts{putRef: "artifact:abc"}
	ctxStatus := &fakeContext{}
	exec := New(Config{
		Roles: roles, Agents: agents, Lifecycle: lifecycle, Bus: bus,
		Artifacts: artifacts, Context: ctxStatus,
	})
	return exec, roles, agents, lifecycle, bus, artifacts, ctxStatus
}

func callArgs(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDispatchUnknownTool(t *testing.T) {
	exec, _, _, _, _, _, _ := newExecutor()
	result, err := exec.Dispatch(context.Background(), "user", "not_a_tool", nil)
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, orcherr.CodeUnknownTool, m["error"])
}

func TestDispatchFindRoleByNameMissingParam(t *testing.T) {
	exec, _, _, _, _, _, _ := newExecutor()
	result, err := exec.Dispatch(context.Background(), "user", ToolFindRoleByName, callArgs(t, map[string]any{}))
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, orcherr.CodeMissingParameter, m["error"])
}

func TestDispatchFindRoleByNameFound(t *testing.T) {
	exec, roles, _, _, _, _, _ := newExecutor()
	roles.CreateRole("researcher", "you research", "", nil, "", "user")
	result, err := exec.Dispatch(context.Background(), "user", ToolFindRoleByName, callArgs(t, map[string]any{"name": "researcher"}))
	require.NoError(t, err)
	m := result.(map[string]any)
	role := m["role"].(*domain.Role)
	assert.Equal(t, "researcher", role.Name)
}

func TestDispatchCreateRoleInheritsCallerOrgPrompt(t *testing.T) {
	exec, roles, agents, _, _, _, _ := newExecutor()
	parentRole, _ := roles.CreateRole("lead", "lead prompt", "org: tree structure", nil, "", "user")
	agents.agents["caller-1"] = &domain.Agent{ID: "caller-1", RoleID: parentRole.ID, Status: domain.LifecycleActive}

	result, err := exec.Dispatch(context.Background(), "caller-1", ToolCreateRole, callArgs(t, map[string]any{
		"name": "helper", "rolePrompt": "help out",
	}))
	require.NoError(t, err)
	m := result.(map[string]any)
	role := m["role"].(*domain.Role)
	assert.Equal(t, "org: tree structure", role.OrgPrompt)
}

func TestDispatchSpawnAgentWithTaskRequiresObjective(t *testing.T) {
	exec, _, _, _, _, _, _ := newExecutor()
	result, err := exec.Dispatch(context.Background(), "user", ToolSpawnAgentWithTask, callArgs(t, map[string]any{
		"roleId": "role-1", "taskBrief": map[string]any{}, "initialMessage": "go",
	}))
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, orcherr.CodeInvalidTaskBrief, m["error"])
}

func TestDispatchSpawnAgentWithTaskSucceeds(t *testing.T) {
	exec, _, _, lifecycle, _, _, _ := newExecutor()
	lifecycle.spawned = &domain.Agent{ID: "child-1"}
	result, err := exec.Dispatch(context.Background(), "user", ToolSpawnAgentWithTask, callArgs(t, map[string]any{
		"roleId":         "role-1",
		"taskBrief":      map[string]any{"objective": "write a report"},
		"initialMessage": "begin",
	}))
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, "child-1", m["agentId"])
}

func TestDispatchSpawnAgentWithTaskRejectsMissingTopLevelFields(t *testing.T) {
	exec, _, _, _, _, _, _ := newExecutor()
	result, err := exec.Dispatch(context.Background(), "user", ToolSpawnAgentWithTask, callArgs(t, map[string]any{
		"roleId": "role-1",
	}))
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, orcherr.CodeMissingParameter, m["error"])
}

func TestDispatchSendMessageRejectsNonObjectPayload(t *testing.T) {
	exec, _, _, _, _, _, _ := newExecutor()
	result, err := exec.Dispatch(context.Background(), "user", ToolSendMessage, callArgs(t, map[string]any{
		"to":      "agent-2",
		"payload": "not an object",
	}))
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, orcherr.CodeMissingParameter, m["error"])
}

func TestDispatchSendMessageValidatesQuickReplies(t *testing.T) {
	exec, _, _, _, _, _, _ := newExecutor()
	result, err := exec.Dispatch(context.Background(), "user", ToolSendMessage, callArgs(t, map[string]any{
		"to": "agent-2",
		"payload": map[string]any{
			"text":         "choose one",
			"quickReplies": []any{"a", "b"},
		},
	}))
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, "msg-1", m["messageId"])
}

func TestDispatchSendMessageRejectsTooManyQuickReplies(t *testing.T) {
	exec, _, _, _, _, _, _ := newExecutor()
	many := make([]any, 11)
	for i := range many {
		many[i] = "opt"
	}
	result, err := exec.Dispatch(context.Background(), "user", ToolSendMessage, callArgs(t, map[string]any{
		"to": "agent-2",
		"payload": map[string]any{
			"text":         "choose one",
			"quickReplies": many,
		},
	}))
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, orcherr.CodeQuickRepliesTooMany, m["error"])
}

func TestDispatchTerminateAgentRejectsNonDescendant(t *testing.T) {
	exec, _, _, _, _, _, _ := newExecutor()
	result, err := exec.Dispatch(context.Background(), "user", ToolTerminateAgent, callArgs(t, map[string]any{
		"agentId": "stranger",
	}))
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, orcherr.CodeNotChildAgent, m["error"])
}

func TestDispatchTerminateAgentSucceedsForDescendant(t *testing.T) {
	exec, _, _, lifecycle, _, _, _ := newExecutor()
	lifecycle.descendants["child-1"] = true
	lifecycle.terminated = domain.TerminationSummary{Terminated: []string{"child-1"}}
	result, err := exec.Dispatch(context.Background(), "user", ToolTerminateAgent, callArgs(t, map[string]any{
		"agentId": "child-1", "reason": "done",
	}))
	require.NoError(t, err)
	summary := result.(domain.TerminationSummary)
	assert.Equal(t, []string{"child-1"}, summary.Terminated)
}

func TestDispatchRunJavascriptBlockedWithoutSandbox(t *testing.T) {
	exec, _, _, _, _, _, _ := newExecutor()
	result, err := exec.Dispatch(context.Background(), "user", ToolRunJavascript, callArgs(t, map[string]any{"code": "1+1"}))
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, orcherr.CodeBlockedCode, m["error"])
}

func TestDispatchRunJavascriptUsesSandbox(t *testing.T) {
	roles := newFakeRoles()
	agents := newFakeAgents()
	lifecycle := &fakeLifecycle{descendants: map[string]bool{}}
	bus := &fakeBus{}
	artifacts := &fakeArtifacts{}
	ctxStatus := &fakeContext{}
	sandbox := &fakeSandbox{result: 2.0, refs: []string{"artifact:x"}}
	exec := New(Config{
		Roles: roles, Agents: agents, Lifecycle: lifecycle, Bus: bus,
		Artifacts: artifacts, Context: ctxStatus, Sandbox: sandbox,
	})

	result, err := exec.Dispatch(context.Background(), "user", ToolRunJavascript, callArgs(t, map[string]any{"code": "1+1"}))
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, 2.0, m["result"])
	assert.Equal(t, []string{"artifact:x"}, m["artifactIds"])
}

func TestDispatchLocalLLMChatNotReadyByDefault(t *testing.T) {
	exec, _, _, _, _, _, _ := newExecutor()
	result, err := exec.Dispatch(context.Background(), "user", ToolLocalLLMChat, callArgs(t, map[string]any{"messages": []any{}}))
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, orcherr.CodeLocalLLMNotReady, m["error"])
}

func TestDispatchDeniesToolOutsideRoleGroups(t *testing.T) {
	exec, roles, agents, _, _, _, _ := newExecutor()
	restricted, _ := roles.CreateRole("observer", "watch only", "", []string{"group:comms"}, "", "user")
	agents.agents["caller-2"] = &domain.Agent{ID: "caller-2", RoleID: restricted.ID, Status: domain.LifecycleActive}

	result, err := exec.Dispatch(context.Background(), "caller-2", ToolTerminateAgent, callArgs(t, map[string]any{"agentId": "x"}))
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, orcherr.CodeAccessDenied, m["error"])
}

func TestDispatchAllowsToolWithinRoleGroups(t *testing.T) {
	exec, roles, agents, _, _, _, _ := newExecutor()
	allowed, _ := roles.CreateRole("coordinator", "coordinate", "", []string{"group:comms"}, "", "user")
	agents.agents["caller-3"] = &domain.Agent{ID: "caller-3", RoleID: allowed.ID, Status: domain.LifecycleActive}

	result, err := exec.Dispatch(context.Background(), "caller-3", ToolGetContextStatus, nil)
	require.NoError(t, err)
	_, ok := result.(domain.ContextStatus)
	assert.True(t, ok)
}

// panicSandbox always panics to exercise Dispatch's panic-recovery boundary.
type panicSandbox struct{}

func (panicSandbox) Run(ctx context.Context, code string, input any) (any, []string, error) {
	panic("boom")
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	roles := newFakeRoles()
	agents := newFakeAgents()
	lifecycle := &fakeLifecycle{descendants: map[string]bool{}}
	bus := &fakeBus{}
	artifacts := &fakeArtifacts{}
	ctxStatus := &fakeContext{}
	exec := New(Config{
		Roles: roles, Agents: agents, Lifecycle: lifecycle, Bus: bus,
		Artifacts: artifacts, Context: ctxStatus, Sandbox: panicSandbox{},
	})

	result, err := exec.Dispatch(context.Background(), "user", ToolRunJavascript, callArgs(t, map[string]any{"code": "boom"}))
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, orcherr.CodeAgentProcessingFailed, m["error"])
}

func TestCatalogueListsAllTools(t *testing.T) {
	exec, _, _, _, _, _, _ := newExecutor()
	defs := exec.Catalogue()
	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		names[d.Name] = true
	}
	for _, want := range []string{
		ToolFindRoleByName, ToolCreateRole, ToolSpawnAgentWithTask, ToolSendMessage,
		ToolPutArtifact, ToolGetArtifact, ToolTerminateAgent, ToolGetOrgStructure,
		ToolGetContextStatus, ToolRunJavascript, ToolLocalLLMChat,
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestAllowedDefaultOpenWhenNoGroups(t *testing.T) {
	assert.True(t, Allowed(nil, ToolTerminateAgent))
}

func TestExpandGroupsDeduplicates(t *testing.T) {
	expanded := ExpandGroups([]string{"group:comms", "group:comms", ToolGetOrgStructure})
	seen := map[string]int{}
	for _, t := range expanded {
		seen[t]++
	}
	for name, count := range seen {
		assert.Equal(t, 1, count, "tool %s listed more than once", name)
	}
}
