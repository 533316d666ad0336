package toolexecutor

import "strings"

// ToolGroups names the built-in bundles a Role's ToolGroups field may
// reference, grounded on the teacher's group-expansion idiom
// (internal/tools/policy/groups.go's ToolGroups map and ExpandGroups).
var ToolGroups = map[string][]string{
	"group:org":       {ToolFindRoleByName, ToolCreateRole, ToolGetOrgStructure},
	"group:lifecycle": {ToolSpawnAgentWithTask, ToolTerminateAgent},
	"group:comms":     {ToolSendMessage, ToolGetContextStatus},
	"group:artifacts": {ToolPutArtifact, ToolGetArtifact},
	"group:sandbox":   {ToolRunJavascript},
	"group:localllm":  {ToolLocalLLMChat},
	"group:all": {
		ToolFindRoleByName, ToolCreateRole, ToolSpawnAgentWithTask, ToolSendMessage,
		ToolPutArtifact, ToolGetArtifact, ToolTerminateAgent, ToolGetOrgStructure,
		ToolGetContextStatus, ToolRunJavascript, ToolLocalLLMChat,
	},
}

// ExpandGroups resolves "group:*" references in items to their constituent
// tool names, deduplicating and passing plain tool names through unchanged.
func ExpandGroups(items []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, item := range items {
		if tools, ok := ToolGroups[item]; ok {
			for _, t := range tools {
				add(t)
			}
			continue
		}
		add(item)
	}
	return out
}

// Allowed reports whether toolName is permitted for a role whose
// ToolGroups field is groups. An empty groups list allows every tool
// (default-open, matching the specification's "all other tools are
// available to every agent unless gated by tool-groups on the role").
func Allowed(groups []string, toolName string) bool {
	if len(groups) == 0 {
		return true
	}
	for _, t := range ExpandGroups(groups) {
		if t == toolName {
			return true
		}
	}
	return false
}

// normalizeToolName trims surrounding whitespace from a tool name; it is a
// defensive hook kept for symmetry with the teacher's group-matching
// helpers, and tool names here are already canonical.
func normalizeToolName(name string) string { return strings.TrimSpace(name) }
