// Package llm is the structured-output adapter over a hosted chat-completion
// API. Callers send role-tagged messages plus a response schema and get back
// a typed, schema-validated result or a single *Error carrying a Code.
package llm

import (
	"fmt"
	"time"
)

// Role tags a message in the conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message represents a single turn in a conversation (role + content).
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System, User and Assistant are shorthand constructors.
func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Params are per-call sampling overrides. Nil fields fall back to the
// service configuration.
type Params struct {
	Temperature      *float64
	MaxTokens        *int
	Timeout          time.Duration // 0 = service default
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Stop             []string
}

// Float and Int return pointers for Params literals.
func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }

func (p *Params) validate() error {
	if p == nil {
		return nil
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 1) {
		return validationError(fmt.Sprintf("temperature must be in [0, 1], got %g", *p.Temperature), nil)
	}
	if p.MaxTokens != nil && *p.MaxTokens <= 0 {
		return validationError(fmt.Sprintf("max tokens must be positive, got %d", *p.MaxTokens), nil)
	}
	if p.TopP != nil && (*p.TopP < 0 || *p.TopP > 1) {
		return validationError(fmt.Sprintf("top_p must be in [0, 1], got %g", *p.TopP), nil)
	}
	if p.Timeout < 0 {
		return validationError("timeout must not be negative", nil)
	}
	return nil
}

// Usage records token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ChatResult is a fully validated response. It is only built after the
// payload passed schema validation.
type ChatResult[T any] struct {
	Data         T
	Model        string
	Usage        Usage
	FinishReason string // "stop" | "length" | "content_filter" | ...
	RequestID    string
}
