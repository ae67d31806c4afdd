package llm_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matiasleandrokruk/wanderplan/internal/infra/llm"
)

type destination struct {
	City    string   `json:"city" jsonschema:"city name"`
	Country string   `json:"country"`
	Sights  []string `json:"sights"`
}

var destinationSchema = llm.MustResponseSchema[destination]("destination", "A destination with sights")

const testAPIKey = "sk-test-secret"

func completion(t *testing.T, content string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":    "gen-123",
		"model": "openai/gpt-4o-mini",
		"choices": []any{map[string]any{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 30, "total_tokens": 42},
	})
	require.NoError(t, err)
	return body
}

// fakeProvider serves handler and counts calls.
type fakeProvider struct {
	*httptest.Server
	calls atomic.Int32
}

func newFakeProvider(t *testing.T, handler http.HandlerFunc) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{}
	fp.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(fp.Close)
	return fp
}

func newService(t *testing.T, baseURL string, mutate ...func(*llm.Config)) *llm.Service {
	t.Helper()
	cfg := llm.Config{
		APIKey:     testAPIKey,
		BaseURL:    baseURL,
		RetryDelay: time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	svc, err := llm.New(cfg)
	require.NoError(t, err)
	return svc
}

func askLisbon() []llm.Message {
	return []llm.Message{
		llm.System("You are a travel assistant. Answer in JSON."),
		llm.User("Describe Lisbon."),
	}
}

const lisbonJSON = `{"city":"Lisbon","country":"Portugal","sights":["Belem Tower","Alfama"]}`

func TestChat_ReturnsValidatedData(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer "+testAPIKey, r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(completion(t, lisbonJSON))
	})

	res, err := llm.Chat(context.Background(), newService(t, fp.URL), askLisbon(), destinationSchema, nil)
	require.NoError(t, err)

	assert.Equal(t, destination{City: "Lisbon", Country: "Portugal", Sights: []string{"Belem Tower", "Alfama"}}, res.Data)
	assert.Equal(t, "openai/gpt-4o-mini", res.Model)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, "gen-123", res.RequestID)
	assert.Equal(t, llm.Usage{PromptTokens: 12, CompletionTokens: 30, TotalTokens: 42}, res.Usage)
	assert.Equal(t, int32(1), fp.calls.Load())
}

func TestChat_DefaultParamsRequestBody(t *testing.T) {
	t.Parallel()

	var captured []byte
	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		_, _ = w.Write(completion(t, lisbonJSON))
	})

	_, err := llm.Chat(context.Background(), newService(t, fp.URL), askLisbon(), destinationSchema, nil)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(captured, &body))

	assert.Equal(t, llm.Model, body["model"])
	assert.Equal(t, 0.7, body["temperature"])
	assert.Equal(t, float64(4000), body["max_tokens"])
	assert.NotContains(t, body, "top_p")
	assert.NotContains(t, body, "frequency_penalty")
	assert.NotContains(t, body, "presence_penalty")
	assert.NotContains(t, body, "stop")

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "Describe Lisbon.", msgs[1].(map[string]any)["content"])

	format := body["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
	jsonSchema := format["json_schema"].(map[string]any)
	assert.Equal(t, "destination", jsonSchema["name"])
	assert.Equal(t, "A destination with sights", jsonSchema["description"])
	assert.Equal(t, true, jsonSchema["strict"])
	schema := jsonSchema["schema"].(map[string]any)
	assert.Equal(t, false, schema["additionalProperties"])
	assert.ElementsMatch(t, []any{"city", "country", "sights"}, schema["required"])
}

func TestChat_ParamsOverrideServiceDefaults(t *testing.T) {
	t.Parallel()

	var captured []byte
	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		_, _ = w.Write(completion(t, lisbonJSON))
	})
	svc := newService(t, fp.URL, func(c *llm.Config) {
		c.DefaultTemperature = llm.Float(0.4)
		c.DefaultMaxTokens = 2000
	})

	_, err := llm.Chat(context.Background(), svc, askLisbon(), destinationSchema, &llm.Params{
		Temperature: llm.Float(0.2),
		TopP:        llm.Float(0.9),
		Stop:        []string{"END"},
	})
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(captured, &body))
	assert.Equal(t, 0.2, body["temperature"])
	assert.Equal(t, float64(2000), body["max_tokens"])
	assert.Equal(t, 0.9, body["top_p"])
	assert.Equal(t, []any{"END"}, body["stop"])
	assert.NotContains(t, body, "frequency_penalty")
}

func TestChat_MalformedContentIsValidationErrorWithoutRetry(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completion(t, "Sure! Here is Lisbon: {city"))
	})

	_, err := llm.Chat(context.Background(), newService(t, fp.URL), askLisbon(), destinationSchema, nil)
	require.Error(t, err)

	var lerr *llm.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, llm.CodeValidation, lerr.Code)
	assert.Equal(t, int32(1), fp.calls.Load())
	require.NotEmpty(t, lerr.Diagnostics())
	assert.Equal(t, "invalid_json", lerr.Diagnostics()[0].Type)
	assert.NotContains(t, lerr.Error(), "Sure! Here is Lisbon")
}

func TestChat_SchemaMismatchReportsDiagnostics(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completion(t, `{"city":"Lisbon","sights":[],"rating":5}`))
	})

	_, err := llm.Chat(context.Background(), newService(t, fp.URL), askLisbon(), destinationSchema, nil)
	require.Error(t, err)

	var lerr *llm.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, llm.CodeValidation, lerr.Code)
	assert.Equal(t, int32(1), fp.calls.Load())

	var messages []string
	for _, d := range lerr.Diagnostics() {
		messages = append(messages, d.Message)
	}
	assert.Contains(t, messages, "country is required")
	assert.GreaterOrEqual(t, len(lerr.Diagnostics()), 2)
}

func TestChat_RateLimitRetriesUpToLimit(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","code":429}}`))
	})
	svc := newService(t, fp.URL, func(c *llm.Config) { c.RetryAttempts = llm.Int(2) })

	_, err := llm.Chat(context.Background(), svc, askLisbon(), destinationSchema, nil)
	require.Error(t, err)

	var lerr *llm.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, llm.CodeRateLimit, lerr.Code)
	assert.Equal(t, http.StatusTooManyRequests, lerr.StatusCode)
	assert.Equal(t, "slow down", lerr.Message)
	assert.Equal(t, 3, lerr.Attempts)
	assert.True(t, lerr.Retryable())
	assert.Equal(t, int32(3), fp.calls.Load())
}

func TestChat_RateLimitThenSuccess(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write(completion(t, lisbonJSON))
	})

	res, err := llm.Chat(context.Background(), newService(t, fp.URL), askLisbon(), destinationSchema, nil)
	require.NoError(t, err)
	assert.Equal(t, "Lisbon", res.Data.City)
	assert.Equal(t, int32(2), fp.calls.Load())
}

func TestChat_UnauthorizedFailsImmediately(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"No auth credentials found","code":401}}`))
	})

	_, err := llm.Chat(context.Background(), newService(t, fp.URL), askLisbon(), destinationSchema, nil)
	require.Error(t, err)
	assert.Equal(t, llm.CodeAuth, llm.CodeOf(err))
	assert.Equal(t, int32(1), fp.calls.Load())
}

func TestChat_ServerErrorsAreRetried(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`upstream overloaded`))
	})
	svc := newService(t, fp.URL, func(c *llm.Config) { c.RetryAttempts = llm.Int(1) })

	_, err := llm.Chat(context.Background(), svc, askLisbon(), destinationSchema, nil)
	var lerr *llm.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, llm.CodeAPI, lerr.Code)
	assert.Equal(t, http.StatusServiceUnavailable, lerr.StatusCode)
	assert.Equal(t, "upstream overloaded", lerr.Details)
	assert.Equal(t, int32(2), fp.calls.Load())
}

func TestChat_ClientErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid schema"}}`))
	})

	_, err := llm.Chat(context.Background(), newService(t, fp.URL), askLisbon(), destinationSchema, nil)
	var lerr *llm.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, llm.CodeAPI, lerr.Code)
	assert.False(t, lerr.Retryable())
	assert.Equal(t, "invalid schema", lerr.Message)
	assert.Equal(t, int32(1), fp.calls.Load())
}

func TestChat_ZeroRetryAttemptsMakesSingleCall(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	svc := newService(t, fp.URL, func(c *llm.Config) { c.RetryAttempts = llm.Int(0) })

	_, err := llm.Chat(context.Background(), svc, askLisbon(), destinationSchema, nil)
	assert.Equal(t, llm.CodeAPI, llm.CodeOf(err))
	assert.Equal(t, int32(1), fp.calls.Load())
}

func TestChat_TimeoutIsReportedNotRetried(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	const timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := llm.Chat(context.Background(), newService(t, fp.URL), askLisbon(), destinationSchema, &llm.Params{Timeout: timeout})
	elapsed := time.Since(start)

	var lerr *llm.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, llm.CodeTimeout, lerr.Code)
	assert.Equal(t, timeout, lerr.Timeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, int32(1), fp.calls.Load())
}

func TestChat_NetworkErrorsAreRetried(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	svc := newService(t, url, func(c *llm.Config) { c.RetryAttempts = llm.Int(1) })
	_, err := llm.Chat(context.Background(), svc, askLisbon(), destinationSchema, nil)

	var lerr *llm.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, llm.CodeNetwork, lerr.Code)
	assert.Equal(t, 2, lerr.Attempts)
}

func TestChat_TruncatedBodyIsNetworkErrorAndRetried(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		body := completion(t, `{"city":"Lisbon","country":"Portugal","sights":[]}`)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", "500")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body[:len(body)/2])
		w.(http.Flusher).Flush()

		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		_ = buf.Flush()
		_ = conn.Close()
	})

	svc := newService(t, fp.URL, func(c *llm.Config) { c.RetryAttempts = llm.Int(2) })
	_, err := llm.Chat(context.Background(), svc, askLisbon(), destinationSchema, nil)

	var lerr *llm.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, llm.CodeNetwork, lerr.Code)
	assert.Equal(t, int32(3), fp.calls.Load())
}

func TestChat_CancelledContextStopsRetrying(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	svc := newService(t, fp.URL, func(c *llm.Config) {
		c.RetryAttempts = llm.Int(5)
		c.RetryDelay = 50 * time.Millisecond
	})

	_, err := llm.Chat(ctx, svc, askLisbon(), destinationSchema, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), fp.calls.Load())
}

func TestChat_IdenticalInputsYieldIdenticalData(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completion(t, lisbonJSON))
	})
	svc := newService(t, fp.URL)

	first, err := llm.Chat(context.Background(), svc, askLisbon(), destinationSchema, nil)
	require.NoError(t, err)
	second, err := llm.Chat(context.Background(), svc, askLisbon(), destinationSchema, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)
}

func TestChat_ConcurrentCalls(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completion(t, lisbonJSON))
	})
	svc := newService(t, fp.URL)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := llm.Chat(context.Background(), svc, askLisbon(), destinationSchema, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(8), fp.calls.Load())
}

func TestChat_InvalidInputNeverReachesProvider(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completion(t, lisbonJSON))
	})
	svc := newService(t, fp.URL)

	tests := []struct {
		name     string
		messages []llm.Message
		params   *llm.Params
	}{
		{name: "no messages", messages: nil},
		{name: "unknown role", messages: []llm.Message{{Role: "tool", Content: "x"}}},
		{name: "blank content", messages: []llm.Message{llm.User("   ")}},
		{name: "temperature above one", messages: askLisbon(), params: &llm.Params{Temperature: llm.Float(1.5)}},
		{name: "negative max tokens", messages: askLisbon(), params: &llm.Params{MaxTokens: llm.Int(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := llm.Chat(context.Background(), svc, tt.messages, destinationSchema, tt.params)
			assert.Equal(t, llm.CodeValidation, llm.CodeOf(err))
		})
	}
	assert.Equal(t, int32(0), fp.calls.Load())
}

func TestChat_EmptyChoicesIsValidationError(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"gen-1","model":"m","choices":[]}`))
	})

	_, err := llm.Chat(context.Background(), newService(t, fp.URL), askLisbon(), destinationSchema, nil)
	assert.Equal(t, llm.CodeValidation, llm.CodeOf(err))
}

func TestChat_EmbeddedProviderErrorIsMapped(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"key revoked","code":401}}`))
	})

	_, err := llm.Chat(context.Background(), newService(t, fp.URL), askLisbon(), destinationSchema, nil)
	assert.Equal(t, llm.CodeAuth, llm.CodeOf(err))
	assert.Equal(t, int32(1), fp.calls.Load())
}

func TestChat_LoggingNeverIncludesAPIKey(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	svc, err := llm.New(llm.Config{
		APIKey:         testAPIKey,
		BaseURL:        fp.URL,
		LoggingEnabled: true,
		RetryAttempts:  llm.Int(1),
		RetryDelay:     time.Millisecond,
	}, llm.WithLogger(logger))
	require.NoError(t, err)

	_, err = llm.Chat(context.Background(), svc, askLisbon(), destinationSchema, nil)
	require.Error(t, err)

	logger.Info("config", "llm", svc.Config())
	out := buf.String()
	assert.Contains(t, out, "llm request")
	assert.Contains(t, out, "llm retry scheduled")
	assert.NotContains(t, out, testAPIKey)
}

func TestNew_ValidatesConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  llm.Config
	}{
		{name: "missing key", cfg: llm.Config{}},
		{name: "relative base url", cfg: llm.Config{APIKey: "k", BaseURL: "/v1"}},
		{name: "temperature out of range", cfg: llm.Config{APIKey: "k", DefaultTemperature: llm.Float(1.2)}},
		{name: "negative retries", cfg: llm.Config{APIKey: "k", RetryAttempts: llm.Int(-1)}},
		{name: "unknown backoff", cfg: llm.Config{APIKey: "k", Backoff: "linear"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := llm.New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()

	svc, err := llm.New(llm.Config{APIKey: "k"})
	require.NoError(t, err)

	cfg := svc.Config()
	assert.Equal(t, llm.DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, 60*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 0.7, *cfg.DefaultTemperature)
	assert.Equal(t, 4000, cfg.DefaultMaxTokens)
	assert.Equal(t, 2, *cfg.RetryAttempts)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, llm.BackoffFixed, cfg.Backoff)
}

func TestNew_ConfigIsImmutable(t *testing.T) {
	t.Parallel()

	temp := 0.3
	cfg := llm.Config{APIKey: "k", DefaultTemperature: &temp}
	svc, err := llm.New(cfg)
	require.NoError(t, err)

	temp = 0.9
	assert.Equal(t, 0.3, *svc.Config().DefaultTemperature)

	*svc.Config().DefaultTemperature = 1
	assert.Equal(t, 0.3, *svc.Config().DefaultTemperature)
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, llm.Code(""), llm.CodeOf(errors.New("plain")))
	assert.Equal(t, llm.Code(""), llm.CodeOf(nil))
}
