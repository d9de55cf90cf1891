package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/lexiqai/converse-gateway/internal/config"
	"github.com/lexiqai/converse-gateway/internal/conversation"
	"github.com/lexiqai/converse-gateway/internal/observability"
	"github.com/lexiqai/converse-gateway/internal/resilience"
)

// ErrUpstreamUnavailable marks a completion backend that could not produce a reply
var ErrUpstreamUnavailable = errors.New("completion backend unavailable")

// Fallback replies spoken when the backend fails
const (
	FallbackAPIError   = "I'm sorry, I encountered an API error."
	FallbackProcessing = "I'm sorry, there was an error processing your request."
)

// Reply is the outcome of one completion call.
// When Recovered is set, Text holds a fallback and Cause wraps ErrUpstreamUnavailable.
type Reply struct {
	Text      string
	Recovered bool
	Cause     error
}

// Client calls an OpenAI-compatible chat completions backend
type Client struct {
	api            *openai.Client
	address        string
	model          string
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	clean          bool
	retryConfig    *resilience.RetryConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewClient creates a completion client for the configured backend
func NewClient(cfg *config.Config) *Client {
	apiConfig := openai.DefaultConfig(cfg.CompletionAPIKey)
	apiConfig.BaseURL = cfg.CompletionBaseURL()
	// Deadlines come from the request context
	apiConfig.HTTPClient = &http.Client{
		Transport: &endpointTransport{path: cfg.CompletionEndpointPath(), next: http.DefaultTransport},
	}

	return &Client{
		api:         openai.NewClientWithConfig(apiConfig),
		address:     net.JoinHostPort(cfg.CompletionHost, strconv.Itoa(cfg.CompletionPort)),
		model:       cfg.CompletionModel,
		temperature: cfg.CompletionTemperature,
		maxTokens:   cfg.CompletionMaxTokens,
		timeout:     cfg.CompletionTimeoutDuration(),
		clean:       cfg.CompletionCleanReply,
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		circuitBreaker: resilience.NewCircuitBreaker(
			"completion",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		logger: observability.Component("completion"),
	}
}

// Complete appends userText to the session history, asks the backend for a
// reply and, on success, appends the assistant turn. Failures never surface
// as errors: they produce a fallback Reply with Recovered set.
// The session is held exclusively for the duration of the call.
func (c *Client) Complete(ctx context.Context, session *conversation.Session, userText string) Reply {
	logger := c.logger.With().Str("session_id", session.ID()).Logger()

	if err := session.Lock(ctx); err != nil {
		logger.Warn().Err(err).Msg("Gave up waiting for session")
		return Reply{
			Text:      FallbackProcessing,
			Recovered: true,
			Cause:     fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err),
		}
	}
	defer session.Unlock()

	history := session.History()
	history.Append(conversation.RoleUser, userText)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	text, err := c.request(ctx, history.Turns())
	if err == nil && c.clean {
		text = CleanReply(text, userText)
	}
	if err == nil && text == "" {
		err = errors.New("empty reply")
	}
	observability.ObserveCompletion(started, err == nil)

	if err != nil {
		fallback := FallbackProcessing
		if statusCode(err) != 0 {
			fallback = FallbackAPIError
		}
		observability.RecordError("upstream_unavailable", "completion")
		logger.Warn().
			Err(err).
			Dur("latency", time.Since(started)).
			Msg("Completion failed, using fallback reply")
		return Reply{
			Text:      fallback,
			Recovered: true,
			Cause:     fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err),
		}
	}

	history.Append(conversation.RoleAssistant, text)
	logger.Debug().
		Int("chars", len(text)).
		Dur("latency", time.Since(started)).
		Msg("Completion received")

	return Reply{Text: text}
}

// request performs the backend call behind the circuit breaker with bounded retries
func (c *Client) request(ctx context.Context, turns []conversation.Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessage, len(turns))
	for i, turn := range turns {
		messages[i] = openai.ChatCompletionMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		}
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	var content string
	err := c.circuitBreaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			resp, err := c.api.CreateChatCompletion(ctx, req)
			if err != nil {
				return err
			}
			if len(resp.Choices) == 0 {
				return errors.New("response contained no choices")
			}
			content = resp.Choices[0].Message.Content
			return nil
		}, c.retryConfig, isRetryable)
	})

	observability.UpdateCircuitBreakerState(c.circuitBreaker.Name(), int(c.circuitBreaker.GetState()))
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		observability.IncrementCircuitBreakerFailures(c.circuitBreaker.Name())
	}
	return content, err
}

// Ready checks that the breaker is not open and the backend accepts TCP connections
func (c *Client) Ready(ctx context.Context) error {
	if state, requests, failures, rate := c.circuitBreaker.GetStats(); state == resilience.StateOpen {
		return fmt.Errorf("completion circuit open after %d/%d failed requests (%.0f%%)", failures, requests, rate)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("completion backend %s unreachable: %w", c.address, err)
	}
	return conn.Close()
}

// isRetryable retries transient network errors, 5xx and 429 responses
func isRetryable(err error) bool {
	if code := statusCode(err); code != 0 {
		return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
	}
	return resilience.IsRetryableNetworkError(err)
}

// statusCode extracts the HTTP status of a non-success backend response, or 0
func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// endpointTransport sends every request to the configured completion path.
// go-openai always appends /chat/completions to its base URL.
type endpointTransport struct {
	path string
	next http.RoundTripper
}

func (t *endpointTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Path = t.path
	r.URL.RawPath = ""
	return t.next.RoundTrip(r)
}
