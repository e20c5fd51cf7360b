package proto

import (
	"fmt"
	"maps"
)

// ErrorCode identifies a structured agent failure.
type ErrorCode string

const (
	ErrCodeNoHandler       ErrorCode = "NO_HANDLER_REGISTERED"
	ErrCodeNoTypeHandler   ErrorCode = "NO_MESSAGE_TYPE_HANDLER"
	ErrCodeTimeout         ErrorCode = "TIMEOUT_ERROR"
	ErrCodeCommunication   ErrorCode = "COMMUNICATION_ERROR"
	ErrCodeCircuitOpen     ErrorCode = "CIRCUIT_OPEN"
	ErrCodeOrchestration   ErrorCode = "ORCHESTRATION_ERROR"
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeLowConfidence   ErrorCode = "LOW_CONFIDENCE"
	ErrCodeDuplicateCorrID ErrorCode = "DUPLICATE_CORRELATION_ID"
	ErrCodeBusClosed       ErrorCode = "BUS_CLOSED"
	ErrCodeInvalidPayload  ErrorCode = "INVALID_PAYLOAD"
)

// ErrorKind groups error codes by the role they play in propagation.
type ErrorKind string

const (
	KindRouting       ErrorKind = "ROUTING"
	KindTimeout       ErrorKind = "TIMEOUT"
	KindCommunication ErrorKind = "COMMUNICATION"
	KindCircuitOpen   ErrorKind = "CIRCUIT_OPEN"
	KindOrchestration ErrorKind = "ORCHESTRATION"
	KindValidation    ErrorKind = "VALIDATION"
)

// Kind maps the code onto its propagation role.
func (c ErrorCode) Kind() ErrorKind {
	switch c {
	case ErrCodeNoHandler, ErrCodeNoTypeHandler:
		return KindRouting
	case ErrCodeTimeout:
		return KindTimeout
	case ErrCodeCircuitOpen:
		return KindCircuitOpen
	case ErrCodeValidation, ErrCodeLowConfidence, ErrCodeInvalidPayload:
		return KindValidation
	case ErrCodeOrchestration:
		return KindOrchestration
	default:
		return KindCommunication
	}
}

// AgentError is the structured failure carried by a failed Result.
type AgentError struct {
	Code          ErrorCode      `json:"code"`
	Message       string         `json:"message"`
	AgentID       string         `json:"agent_id"`
	CorrelationID string         `json:"correlation_id"`
	Recoverable   bool           `json:"recoverable"`
	Context       map[string]any `json:"context,omitempty"`
}

// NewAgentError creates an AgentError. Timeouts and communication failures are marked
// recoverable; the caller may override.
func NewAgentError(code ErrorCode, message, agentID, correlationID string) *AgentError {
	return &AgentError{
		Code:          code,
		Message:       message,
		AgentID:       agentID,
		CorrelationID: correlationID,
		Recoverable:   code == ErrCodeTimeout || code == ErrCodeCommunication || code == ErrCodeCircuitOpen,
	}
}

func (e *AgentError) Error() string {
	if e.AgentID == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s from %s: %s", e.Code, e.AgentID, e.Message)
}

// WithContext returns a copy of e with key set in its context map.
func (e *AgentError) WithContext(key string, value any) *AgentError {
	out := *e
	out.Context = maps.Clone(e.Context)
	if out.Context == nil {
		out.Context = make(map[string]any)
	}
	out.Context[key] = value
	return &out
}

// Result is the tagged success/failure value returned by every handler.
type Result struct {
	Success bool        `json:"success"`
	Data    any         `json:"data,omitempty"`
	Error   *AgentError `json:"error,omitempty"`
}

// OK wraps a successful reply payload.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail wraps a structured failure.
func Fail(err *AgentError) Result {
	return Result{Success: false, Error: err}
}

// Failf builds a failed Result from a code and a formatted message.
func Failf(code ErrorCode, agentID, format string, args ...any) Result {
	return Fail(NewAgentError(code, fmt.Sprintf(format, args...), agentID, ""))
}

// Err returns the failure as an error, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return &AgentError{Code: ErrCodeCommunication, Message: "unspecified failure"}
	}
	return r.Error
}

// ResultFromEnvelope converts a reply envelope into a Result.
func ResultFromEnvelope(env *Envelope) Result {
	if !env.IsError() {
		return OK(env.Payload)
	}
	switch p := env.Payload.(type) {
	case *AgentError:
		return Fail(p)
	case AgentError:
		return Fail(&p)
	default:
		agentErr, err := DecodePayload[AgentError](p)
		if err != nil || agentErr.Code == "" {
			return Fail(NewAgentError(ErrCodeCommunication, fmt.Sprintf("malformed error payload: %v", p), env.SourceAgent, env.CorrelationID))
		}
		return Fail(&agentErr)
	}
}
