// Package models defines core domain types shared across the AI Call backend.
//
// It contains chat message and session types, API request/response envelopes,
// and common error variables used by the store, session, and API layers.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChatRole identifies who produced a chat message.
type ChatRole string

const (
	// ChatRoleSystem marks instructions injected by the server.
	ChatRoleSystem ChatRole = "system"
	// ChatRoleUser marks messages sent by the caller.
	ChatRoleUser ChatRole = "user"
	// ChatRoleAssistant marks model-generated replies.
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is a single turn in a conversation history.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// FlowType identifies which dialogue flow a session belongs to.
type FlowType string

const (
	// FlowTypeDiary is the reflective end-of-day diary conversation.
	FlowTypeDiary FlowType = "diary"
	// FlowTypeMorning is the morning task-planning conversation.
	FlowTypeMorning FlowType = "mom"
	// FlowTypeTaskCheck is the evening task-check conversation.
	FlowTypeTaskCheck FlowType = "task_check"
)

// KnownFlowTypes lists every flow the server can drive.
var KnownFlowTypes = []FlowType{FlowTypeDiary, FlowTypeMorning, FlowTypeTaskCheck}

// ParseFlowType validates a path segment against the known flows.
func ParseFlowType(s string) (FlowType, error) {
	ft := FlowType(strings.TrimSpace(s))
	for _, known := range KnownFlowTypes {
		if ft == known {
			return ft, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFlowType, s)
}

// Session is a persisted conversation: identity, full message history, and
// the serialized dialogue state that the flow engine resumes from.
type Session struct {
	ID         string        `json:"id"`
	FlowType   FlowType      `json:"flow_type"`
	BasePrompt string        `json:"base_system_prompt"`
	History    []ChatMessage `json:"messages"`
	StateJSON  string        `json:"state"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Common error variables for classifiable failure conditions.
var (
	// ErrSessionNotFound indicates the requested session ID has no stored record.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnknownFlowType indicates a flow path segment that no flow claims.
	ErrUnknownFlowType = errors.New("unknown flow type")
	// ErrUpstreamUnavailable indicates the language-model service could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream language model unavailable")
	// ErrMalformedUpstream indicates the upstream answered with an unusable payload.
	ErrMalformedUpstream = errors.New("malformed upstream response")
	// ErrEmptyMessage indicates a request carried no user text to process.
	ErrEmptyMessage = errors.New("message must not be empty")
)

// ChatRequest is the body of the stateless POST /chat endpoint.
type ChatRequest struct {
	Message      string `json:"message"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Validate checks the one-shot chat request.
func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// SessionStartRequest is the body of POST /chat/session/{flow}/start.
// Message is optional: when present the flow advances on it before replying.
type SessionStartRequest struct {
	Message      string `json:"message,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// SessionContinueRequest is the body of POST /chat/session/{flow}/{id}/continue.
type SessionContinueRequest struct {
	Message string `json:"message"`
}

// Validate checks the continue request.
func (r SessionContinueRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// ChatResult is the payload returned for every completed chat turn.
type ChatResult struct {
	SessionID string        `json:"session_id,omitempty"`
	Reply     string        `json:"reply"`
	Model     string        `json:"model"`
	History   []ChatMessage `json:"messages,omitempty"`
	Step      string        `json:"step,omitempty"`
}

// SummaryResult is the payload of GET /chat/session/{flow}/{id}/summary.
type SummaryResult struct {
	SessionID string `json:"session_id"`
	Markdown  string `json:"markdown"`
	FilePath  string `json:"file_path,omitempty"`
}

// CarryoverResult is the payload of GET /chat/session/task_check/{id}/carryover.
type CarryoverResult struct {
	SessionID string            `json:"session_id"`
	Tasks     []string          `json:"tasks"`
	Reasons   map[string]string `json:"reasons,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse is the uniform JSON envelope for every endpoint.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
