package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// envelope is the provider's chat completion response.
type envelope struct {
	ID      string           `json:"id"`
	Model   string           `json:"model"`
	Choices []envelopeChoice `json:"choices"`
	Usage   usageBlock       `json:"usage"`
	Error   *providerError   `json:"error,omitempty"`
}

type envelopeChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string  `json:"role"`
		Content *string `json:"content"`
		Refusal *string `json:"refusal,omitempty"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// providerError is the error object some gateways embed in a 200 response.
type providerError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func (p *providerError) toError() *Error {
	status := 0
	switch c := p.Code.(type) {
	case float64:
		status = int(c)
	case string:
		status, _ = strconv.Atoi(c)
	}
	if status >= 400 && status < 600 {
		e := statusError(status, nil, http.Header{})
		if p.Message != "" {
			e.Message = p.Message
		}
		return e
	}
	msg := p.Message
	if msg == "" {
		msg = "provider returned an error object"
	}
	return &Error{Code: CodeAPI, Message: msg, Details: p.Type}
}

// providerMessage pulls a human-readable message from an error body.
func providerMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var parsed struct {
		Error   *providerError `json:"error"`
		Message string         `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(parsed.Message)
}

// decodeResult extracts the first choice and validates it into a ChatResult.
func decodeResult[T any](env *envelope, schema *ResponseSchema[T]) (*ChatResult[T], error) {
	if len(env.Choices) == 0 {
		return nil, validationError("provider response contained no choices", nil)
	}
	choice := env.Choices[0]
	if choice.Message.Refusal != nil && *choice.Message.Refusal != "" {
		return nil, validationError("model refused to answer", []FieldError{{
			Field: "(root)", Type: "refusal", Message: "model declined to produce the requested document",
		}})
	}
	if choice.Message.Content == nil || strings.TrimSpace(*choice.Message.Content) == "" {
		return nil, validationError(
			fmt.Sprintf("provider response had empty content (finish reason %q)", choice.FinishReason),
			nil,
		)
	}

	data, err := schema.Parse(*choice.Message.Content)
	if err != nil {
		return nil, err
	}

	return &ChatResult[T]{
		Data:  data,
		Model: env.Model,
		Usage: Usage{
			PromptTokens:     env.Usage.PromptTokens,
			CompletionTokens: env.Usage.CompletionTokens,
			TotalTokens:      env.Usage.TotalTokens,
		},
		FinishReason: choice.FinishReason,
		RequestID:    env.ID,
	}, nil
}
