package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// chatPayload is the provider request body. Optional fields are pointers so
// unset values are omitted rather than sent as zero.
type chatPayload struct {
	Model            string         `json:"model"`
	Messages         []Message      `json:"messages"`
	ResponseFormat   responseFormat `json:"response_format"`
	Temperature      *float64       `json:"temperature,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
	Stop             []string       `json:"stop,omitempty"`
}

type responseFormat struct {
	Type       string         `json:"type"`
	JSONSchema jsonSchemaSpec `json:"json_schema"`
}

type jsonSchemaSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Strict      bool            `json:"strict"`
	Schema      json.RawMessage `json:"schema"`
}

// builtRequest is the output of the Building state.
type builtRequest struct {
	body    []byte
	timeout time.Duration
}

// buildRequest merges params over the service defaults and encodes the body.
// It performs no I/O.
func buildRequest[T any](cfg Config, messages []Message, schema *ResponseSchema[T], params *Params) (builtRequest, error) {
	if len(messages) == 0 {
		return builtRequest{}, validationError("at least one message is required", nil)
	}
	if schema == nil {
		return builtRequest{}, validationError("response schema is required", nil)
	}
	for i, m := range messages {
		if !m.Role.valid() {
			return builtRequest{}, validationError(fmt.Sprintf("message %d has unknown role %q", i, m.Role), nil)
		}
		if strings.TrimSpace(m.Content) == "" {
			return builtRequest{}, validationError(fmt.Sprintf("message %d has empty content", i), nil)
		}
	}
	if err := params.validate(); err != nil {
		return builtRequest{}, err
	}
	if params == nil {
		params = &Params{}
	}

	msgs := make([]Message, len(messages))
	copy(msgs, messages)

	payload := chatPayload{
		Model:    Model,
		Messages: msgs,
		ResponseFormat: responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchemaSpec{
				Name:        schema.name,
				Description: schema.description,
				Strict:      true,
				Schema:      schema.raw,
			},
		},
		Temperature:      firstFloat(params.Temperature, cfg.DefaultTemperature),
		MaxTokens:        firstInt(params.MaxTokens, positive(cfg.DefaultMaxTokens)),
		TopP:             params.TopP,
		FrequencyPenalty: params.FrequencyPenalty,
		PresencePenalty:  params.PresencePenalty,
		Stop:             params.Stop,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return builtRequest{}, validationError(fmt.Sprintf("encode request: %v", err), nil)
	}

	timeout := params.Timeout
	if timeout == 0 {
		timeout = cfg.DefaultTimeout
	}
	return builtRequest{body: body, timeout: timeout}, nil
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func positive(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}
