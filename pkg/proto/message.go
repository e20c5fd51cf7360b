// Package proto defines the envelope exchanged between agents on the bus and the
// closed set of message types the coordinator uses to address its collaborators.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

type MsgType string

const (
	MsgTypeValidateInput            MsgType = "validate-input"
	MsgTypeGetPreferences           MsgType = "get-preferences"
	MsgTypeGenerateRecommendations  MsgType = "generate-recommendations"
	MsgTypeRefineRecommendations    MsgType = "refine-recommendations"
	MsgTypeFindWines                MsgType = "find-wines"
	MsgTypeFallbackRequest          MsgType = "fallback-request"
	MsgTypeExpandedSearch           MsgType = "expanded-search"
	MsgTypeEmergencyRecommendations MsgType = "emergency-recommendations"
	MsgTypeAdjustBudget             MsgType = "adjust-budget"
	MsgTypeUpdateHistory            MsgType = "update-history"
	MsgTypeGenerateExplanation      MsgType = "generate-explanation"
	MsgTypeFinalRecommendation      MsgType = "final-recommendation"
	MsgTypeOrchestrateRequest       MsgType = "orchestrate-request"
	MsgTypeError                    MsgType = "error"
	MsgTypeResponse                 MsgType = "response" // Successful reply to any request
)

// KnownMsgTypes returns every message type defined by the protocol.
func KnownMsgTypes() []MsgType {
	return []MsgType{
		MsgTypeValidateInput, MsgTypeGetPreferences, MsgTypeGenerateRecommendations,
		MsgTypeRefineRecommendations, MsgTypeFindWines, MsgTypeFallbackRequest,
		MsgTypeExpandedSearch, MsgTypeEmergencyRecommendations, MsgTypeAdjustBudget,
		MsgTypeUpdateHistory, MsgTypeGenerateExplanation, MsgTypeFinalRecommendation,
		MsgTypeOrchestrateRequest, MsgTypeError, MsgTypeResponse,
	}
}

// ValidateMsgType reports whether s names a protocol message type.
func ValidateMsgType(s string) (MsgType, bool) {
	for _, t := range KnownMsgTypes() {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Agent identifiers addressed by the coordinator.
const (
	AgentCoordinator    = "sommelier-coordinator"
	AgentInputValidator = "input-validator"
	AgentPreferences    = "user-preferences"
	AgentRecommender    = "recommender"
	AgentShopper        = "shopper"
	AgentExplainer      = "explainer"
	AgentFallback       = "fallback-handler"
	AgentBus            = "bus"
)

// Priority is carried on the envelope for display only; the bus does not schedule by it.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ErrMissingField is returned when a required envelope field is empty.
var ErrMissingField = errors.New("missing required envelope field")

// Envelope is one unit of inter-agent communication. It is never mutated after construction;
// CorrelationID is the only key used to match a response to its request.
type Envelope struct {
	ID             string            `json:"id"`
	Type           MsgType           `json:"type"`
	Payload        any               `json:"payload"`
	Timestamp      time.Time         `json:"timestamp"`
	CorrelationID  string            `json:"correlation_id"`
	ConversationID string            `json:"conversation_id"`
	SourceAgent    string            `json:"source_agent"`
	TargetAgent    string            `json:"target_agent,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	Priority       Priority          `json:"priority,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// EnvelopeParams are the caller-supplied fields of a new envelope.
type EnvelopeParams struct {
	Type           MsgType
	Payload        any
	SourceAgent    string
	ConversationID string
	CorrelationID  string
	TargetAgent    string
	UserID         string
	Priority       Priority
	Metadata       map[string]string
}

// NewEnvelope stamps a fresh id and timestamp onto p. Only presence of the required
// fields is checked; payload typing is a contract between sender and receiver.
func NewEnvelope(p EnvelopeParams) (*Envelope, error) {
	switch {
	case p.Type == "":
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	case p.Payload == nil:
		return nil, fmt.Errorf("%w: payload", ErrMissingField)
	case p.SourceAgent == "":
		return nil, fmt.Errorf("%w: source agent", ErrMissingField)
	case p.ConversationID == "":
		return nil, fmt.Errorf("%w: conversation id", ErrMissingField)
	case p.CorrelationID == "":
		return nil, fmt.Errorf("%w: correlation id", ErrMissingField)
	}

	env := &Envelope{
		ID:             NewID(),
		Type:           p.Type,
		Payload:        p.Payload,
		Timestamp:      time.Now().UTC(),
		CorrelationID:  p.CorrelationID,
		ConversationID: p.ConversationID,
		SourceAgent:    p.SourceAgent,
		TargetAgent:    p.TargetAgent,
		UserID:         p.UserID,
		Priority:       p.Priority,
	}
	if len(p.Metadata) > 0 {
		env.Metadata = maps.Clone(p.Metadata)
	}
	return env, nil
}

// NewReply builds the response envelope for request. The reply shares the request's
// correlation and conversation ids and is addressed back to the request's source.
func NewReply(request *Envelope, fromAgent string, result Result) *Envelope {
	reply := &Envelope{
		ID:             NewID(),
		Type:           MsgTypeResponse,
		Payload:        result.Data,
		Timestamp:      time.Now().UTC(),
		CorrelationID:  request.CorrelationID,
		ConversationID: request.ConversationID,
		SourceAgent:    fromAgent,
		TargetAgent:    request.SourceAgent,
		UserID:         request.UserID,
		Priority:       request.Priority,
		Metadata:       map[string]string{MetaInReplyTo: request.ID, MetaRequestType: string(request.Type)},
	}
	if !result.Success {
		reply.Type = MsgTypeError
		agentErr := result.Error
		if agentErr == nil {
			agentErr = NewAgentError(ErrCodeCommunication, "handler reported failure without error detail", fromAgent, request.CorrelationID)
		} else {
			stamped := *agentErr
			agentErr = &stamped
		}
		if agentErr.CorrelationID == "" {
			agentErr.CorrelationID = request.CorrelationID
		}
		if agentErr.AgentID == "" {
			agentErr.AgentID = fromAgent
		}
		reply.Payload = agentErr
	}
	return reply
}

// Metadata keys set by the bus on reply envelopes.
const (
	MetaInReplyTo   = "in_reply_to"
	MetaRequestType = "request_type"
)

// GetMetadata returns the metadata value for key.
func (e *Envelope) GetMetadata(key string) (string, bool) {
	if e.Metadata == nil {
		return "", false
	}
	val, exists := e.Metadata[key]
	return val, exists
}

// IsError reports whether the envelope carries a failure.
func (e *Envelope) IsError() bool {
	return e.Type == MsgTypeError
}

// ToJSON serializes the envelope, e.g. for debug logging.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s[%s] %s -> %s (corr=%s)", e.Type, e.ID, e.SourceAgent, e.TargetAgent, e.CorrelationID)
}

// NewID returns a globally unique identifier.
func NewID() string {
	return uuid.NewString()
}
