package toolexecutor

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentsociety/orchestrator/internal/orcherr"
)

// argSchemas holds the top-level shape checks worth validating with a real
// JSON Schema engine rather than the per-field `str`/type-assert checks the
// rest of Dispatch uses: just enough structure (required top-level keys,
// object/string typing) that a malformed call fails fast with one message
// instead of panicking deeper in a handler. Handlers still own their own
// domain-specific required-field checks (e.g. taskBrief.objective,
// quickReplies length) and return their own orcherr codes for those, so
// these schemas deliberately stop at one level of nesting. Grounded on the
// teacher's pkg/pluginsdk/validation.go compile-and-cache pattern.
var argSchemas = map[string]json.RawMessage{
	ToolSpawnAgentWithTask: schema(obj(props{
		"roleId":         strSchema(),
		"taskBrief":      map[string]any{"type": "object"},
		"initialMessage": strSchema(),
	}, "roleId", "taskBrief", "initialMessage")),
	ToolSendMessage: schema(obj(props{
		"to":      strSchema(),
		"payload": map[string]any{"type": "object"},
	}, "to", "payload")),
}

var schemaCache sync.Map

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString("toolexecutor.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// validateArgs checks raw's top-level shape against argSchemas, for the
// tools that declare one. Tools without an entry are left entirely to
// their own handler's field-level checks.
func (e *Executor) validateArgs(name string, raw map[string]any) error {
	schemaJSON, ok := argSchemas[name]
	if !ok {
		return nil
	}
	compiled, err := compileSchema(schemaJSON)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}
	payload := any(map[string]any{})
	if raw != nil {
		payload = map[string]any(raw)
	}
	return compiled.Validate(payload)
}

func schemaValidationError(name string, err error) map[string]any {
	return orcherr.New(orcherr.CodeMissingParameter, fmt.Sprintf("%s arguments failed schema validation: %v", name, err)).JSON()
}
