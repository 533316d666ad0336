package domain

import (
	"fmt"

	"github.com/agentsociety/orchestrator/internal/orcherr"
)

// maxQuickReplies is the upper bound on the quickReplies array per message.
const maxQuickReplies = 10

// ValidateQuickReplies enforces the §3/§8 quickReplies invariants: at most
// 10 elements, every element a non-empty string.
func ValidateQuickReplies(replies []string) error {
	if len(replies) > maxQuickReplies {
		return orcherr.New(orcherr.CodeQuickRepliesTooMany, fmt.Sprintf("quickReplies has %d elements, max %d", len(replies), maxQuickReplies))
	}
	for _, r := range replies {
		if r == "" {
			return orcherr.New(orcherr.CodeQuickRepliesEmpty, "quickReplies elements must be non-empty strings")
		}
	}
	return nil
}

// payloadValidator validates the type-specific shape of a payload for one
// MessageType. Each variant is a small total function, matching the tagged
// union approach called for in place of free-form dynamic validation.
type payloadValidator func(Payload) error

var payloadValidators = map[MessageType]payloadValidator{
	MessageTypeTaskAssignment:        validateGeneralPayload,
	MessageTypeIntroductionRequest:   validateGeneralPayload,
	MessageTypeIntroductionResponse:  validateGeneralPayload,
	MessageTypeCollaborationRequest:  validateGeneralPayload,
	MessageTypeCollaborationResponse: validateGeneralPayload,
	MessageTypeStatusReport:          validateGeneralPayload,
	MessageTypeGeneral:               validateGeneralPayload,
}

func validateGeneralPayload(p Payload) error {
	return ValidateQuickReplies(p.QuickReplies)
}

// ValidatePayload dispatches to the validator for mt, if any is registered.
// An unrecognized message type is treated as general.
func ValidatePayload(mt *MessageType, p Payload) error {
	if mt == nil {
		return validateGeneralPayload(p)
	}
	if v, ok := payloadValidators[*mt]; ok {
		return v(p)
	}
	return validateGeneralPayload(p)
}
