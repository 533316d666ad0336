// Package orcherr defines the stable error taxonomy shared across every
// runtime component. Errors are identified by a short stable code rather
// than by Go type so they can cross the tool-dispatch boundary as plain
// JSON without losing identity.
package orcherr

import "fmt"

// Category groups error codes for logging and event-stream severity.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryPermission Category = "permission"
	CategoryResource   Category = "resource"
	CategoryExternal   Category = "external"
	CategoryControl    Category = "control"
	CategoryFatal      Category = "fatal"
)

// Stable error codes, grouped per the taxonomy in the runtime specification.
const (
	CodeMissingParameter       = "missing_parameter"
	CodeInvalidPath            = "invalid_path"
	CodeInvalidTaskBrief       = "invalid_task_brief"
	CodeInvalidRoute           = "invalid_route"
	CodeQuickRepliesTooMany    = "quickReplies_too_many"
	CodeQuickRepliesInvalid    = "quickReplies_invalid_type"
	CodeQuickRepliesEmpty      = "quickReplies_empty_string"
	CodeUnknownRecipient       = "unknown_recipient"
	CodeUnknownTool            = "unknown_tool"
	CodeBlockedCode            = "blocked_code"
	CodeNotChildAgent          = "not_child_agent"
	CodePathTraversalBlocked   = "path_traversal_blocked"
	CodeAccessDenied           = "access_denied"
	CodeArtifactNotFound       = "artifact_not_found"
	CodeFileNotFound           = "file_not_found"
	CodeWorkspaceNotBound      = "workspace_not_bound"
	CodeConnectionNotFound     = "connection_not_found"
	CodeMaxConnectionsReached  = "max_connections_reached"
	CodeLLMCallFailed          = "llm_call_failed"
	CodeLLMCallAborted         = "llm_call_aborted"
	CodeContextLimitExceeded   = "context_limit_exceeded"
	CodeNetworkError           = "network_error"
	CodeAPIError               = "api_error"
	CodeLocalLLMNotReady       = "localllm_not_ready"
	CodeMaxToolRoundsExceeded  = "max_tool_rounds_exceeded"
	CodeAlreadyStopped         = "already_stopped"
	CodeAgentProcessingFailed  = "agent_message_processing_failed"
	CodeRoleNotFound           = "role_not_found"
	CodeAgentNotFound          = "agent_not_found"
)

var categoryByCode = map[string]Category{
	CodeMissingParameter:      CategoryValidation,
	CodeInvalidPath:           CategoryValidation,
	CodeInvalidTaskBrief:      CategoryValidation,
	CodeInvalidRoute:          CategoryValidation,
	CodeQuickRepliesTooMany:   CategoryValidation,
	CodeQuickRepliesInvalid:   CategoryValidation,
	CodeQuickRepliesEmpty:     CategoryValidation,
	CodeUnknownRecipient:      CategoryValidation,
	CodeUnknownTool:           CategoryValidation,
	CodeBlockedCode:           CategoryValidation,
	CodeNotChildAgent:         CategoryPermission,
	CodePathTraversalBlocked:  CategoryPermission,
	CodeAccessDenied:          CategoryPermission,
	CodeArtifactNotFound:      CategoryResource,
	CodeFileNotFound:          CategoryResource,
	CodeWorkspaceNotBound:     CategoryResource,
	CodeConnectionNotFound:    CategoryResource,
	CodeMaxConnectionsReached: CategoryResource,
	CodeLLMCallFailed:         CategoryExternal,
	CodeLLMCallAborted:        CategoryExternal,
	CodeContextLimitExceeded:  CategoryExternal,
	CodeNetworkError:          CategoryExternal,
	CodeAPIError:              CategoryExternal,
	CodeLocalLLMNotReady:      CategoryExternal,
	CodeMaxToolRoundsExceeded: CategoryControl,
	CodeAlreadyStopped:        CategoryControl,
	CodeAgentProcessingFailed: CategoryFatal,
	CodeRoleNotFound:          CategoryResource,
	CodeAgentNotFound:         CategoryResource,
}

// Error is the structured error every component returns instead of an
// ad hoc string or a bare wrapped error. Tools serialize it directly as
// {"error": code, "message": message}.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Category returns the severity group for the error's code, defaulting to
// CategoryFatal for unrecognized codes so unknown failures are never
// silently under-logged.
func (e *Error) Category() Category {
	if c, ok := categoryByCode[e.Code]; ok {
		return c
	}
	return CategoryFatal
}

// New builds an *Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error carrying an underlying cause for logging, while
// keeping the stable code as the identity seen by callers.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// As extracts an *Error from err, returning nil, false if err is not one.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// Retryable reports whether the error's code represents a condition worth
// retrying (transient external failures only).
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeNetworkError:
		return true
	default:
		return false
	}
}

// JSON returns the wire shape tools use for structured error results.
func (e *Error) JSON() map[string]any {
	m := map[string]any{"error": e.Code}
	if e.Message != "" {
		m["message"] = e.Message
	}
	return m
}
