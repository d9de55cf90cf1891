package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sashabaranov/go-openai"

	"github.com/lexiqai/converse-gateway/internal/config"
	"github.com/lexiqai/converse-gateway/internal/conversation"
)

func testConfig(t *testing.T, serverURL string) *config.Config {
	t.Helper()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatalf("Failed to parse server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("Failed to split host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	return &config.Config{
		CompletionHost:             host,
		CompletionPort:             port,
		CompletionPath:             "/v1/chat/completions",
		CompletionModel:            "local-model",
		CompletionTemperature:      0.7,
		CompletionMaxTokens:        2000,
		CompletionTimeout:          5,
		CompletionCleanReply:       true,
		CircuitBreakerMaxFailures:  50,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           2,
		RetryInitialBackoff:        1,
	}
}

func testStore() *conversation.Store {
	return conversation.NewStore(conversation.StoreConfig{
		MaxSessions:  10,
		TTL:          time.Minute,
		SystemPrompt: "You are a helpful assistant.",
		Window:       5,
	})
}

func chatResponse(content string) string {
	body, _ := sonic.Marshal(map[string]interface{}{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"choices": []map[string]interface{}{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	})
	return string(body)
}

func decodeRequest(t *testing.T, r *http.Request) openai.ChatCompletionRequest {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Errorf("Failed to read request body: %v", err)
	}
	var req openai.ChatCompletionRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		t.Errorf("Failed to decode request body: %v", err)
	}
	return req
}

func TestComplete_Success(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		got = decodeRequest(t, r)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatResponse("Paris is the capital of France. It is known for the Eiffel Tower."))
	}))
	defer srv.Close()

	client := NewClient(testConfig(t, srv.URL))
	session := testStore().Get("s1")

	reply := client.Complete(context.Background(), session, "What is the capital of France?")

	if reply.Recovered {
		t.Fatalf("Expected a normal reply, got fallback (cause %v)", reply.Cause)
	}
	if reply.Text != "Paris is the capital of France. It is known for the Eiffel Tower." {
		t.Errorf("Unexpected reply text %q", reply.Text)
	}

	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Errorf("Expected [system user] messages, got %+v", got.Messages)
	}
	if got.MaxTokens != 2000 {
		t.Errorf("Expected max_tokens 2000, got %d", got.MaxTokens)
	}
	if got.Temperature != 0.7 {
		t.Errorf("Expected temperature 0.7, got %v", got.Temperature)
	}

	turns := session.Snapshot()
	if len(turns) != 3 || turns[2].Role != conversation.RoleAssistant {
		t.Errorf("Expected assistant turn appended, got %+v", turns)
	}
}

func TestComplete_ConfiguredPath(t *testing.T) {
	for _, path := range []string{"/api/chat", "v2/generate", "/v1/chat/completions"} {
		var got atomic.Value
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got.Store(r.Method + " " + r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, chatResponse("Okay."))
		}))

		cfg := testConfig(t, srv.URL)
		cfg.CompletionPath = path
		reply := NewClient(cfg).Complete(context.Background(), testStore().Get("s1"), "Hello?")
		srv.Close()

		if reply.Recovered {
			t.Errorf("%s: expected a normal reply, got fallback (cause %v)", path, reply.Cause)
		}
		expected := "POST /" + strings.TrimPrefix(path, "/")
		if got.Load() != expected {
			t.Errorf("Expected backend to see %q, got %v", expected, got.Load())
		}
	}
}

func TestComplete_CancelledWhileWaitingForSession(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatResponse("Done."))
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(testConfig(t, srv.URL))
	session := testStore().Get("s1")

	go client.Complete(context.Background(), session, "First question")
	// The first call holds the session while the backend stalls
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the first call to reach the backend")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	reply := client.Complete(ctx, session, "Second question")

	if time.Since(start) > time.Second {
		t.Error("Expected a cancelled waiter to return without waiting for the session")
	}
	if !reply.Recovered || !errors.Is(reply.Cause, ErrUpstreamUnavailable) {
		t.Errorf("Expected recovered reply, got %+v", reply)
	}
}

func TestComplete_StatusFailureFallsBack(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(testConfig(t, srv.URL))
	session := testStore().Get("s1")

	reply := client.Complete(context.Background(), session, "Hello?")

	if !reply.Recovered {
		t.Fatal("Expected a recovered reply")
	}
	if reply.Text != FallbackAPIError {
		t.Errorf("Expected %q, got %q", FallbackAPIError, reply.Text)
	}
	if !errors.Is(reply.Cause, ErrUpstreamUnavailable) {
		t.Errorf("Expected cause to wrap ErrUpstreamUnavailable, got %v", reply.Cause)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("Expected 2 attempts for a 5xx, got %d", n)
	}

	turns := session.Snapshot()
	if len(turns) != 2 || turns[1].Role != conversation.RoleUser {
		t.Errorf("Expected only the user turn appended, got %+v", turns)
	}
}

func TestComplete_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad request","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	client := NewClient(testConfig(t, srv.URL))
	reply := client.Complete(context.Background(), testStore().Get("s1"), "Hello?")

	if reply.Text != FallbackAPIError {
		t.Errorf("Expected %q, got %q", FallbackAPIError, reply.Text)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected 1 attempt for a 4xx, got %d", n)
	}
}

func TestComplete_TransportFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	cfg := testConfig(t, srv.URL)
	srv.Close()

	client := NewClient(cfg)
	reply := client.Complete(context.Background(), testStore().Get("s1"), "Hello?")

	if !reply.Recovered || reply.Text != FallbackProcessing {
		t.Errorf("Expected %q fallback, got %+v", FallbackProcessing, reply)
	}
}

func TestComplete_EmptyChoicesFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","choices":[]}`)
	}))
	defer srv.Close()

	client := NewClient(testConfig(t, srv.URL))
	reply := client.Complete(context.Background(), testStore().Get("s1"), "Hello?")

	if reply.Text != FallbackProcessing {
		t.Errorf("Expected %q, got %q", FallbackProcessing, reply.Text)
	}
}

func TestComplete_TimeoutFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewClient(testConfig(t, srv.URL))
	client.timeout = 50 * time.Millisecond

	start := time.Now()
	reply := client.Complete(context.Background(), testStore().Get("s1"), "Hello?")

	if reply.Text != FallbackProcessing {
		t.Errorf("Expected %q, got %q", FallbackProcessing, reply.Text)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Expected the completion timeout to bound the call")
	}
}

func TestComplete_CleansReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatResponse("  what is the capital of France?\n\n paris is   the capital. "))
	}))
	defer srv.Close()

	client := NewClient(testConfig(t, srv.URL))
	reply := client.Complete(context.Background(), testStore().Get("s1"), "What is the capital of France?")

	if reply.Text != "Paris is the capital." {
		t.Errorf("Expected cleaned reply, got %q", reply.Text)
	}
}

func TestComplete_WindowBoundsRequest(t *testing.T) {
	var lastCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		atomic.StoreInt32(&lastCount, int32(len(req.Messages)))
		if req.Messages[0].Role != "system" {
			t.Errorf("Expected system prompt first, got %s", req.Messages[0].Role)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatResponse("Okay."))
	}))
	defer srv.Close()

	client := NewClient(testConfig(t, srv.URL))
	session := testStore().Get("s1")
	for i := 0; i < 6; i++ {
		client.Complete(context.Background(), session, fmt.Sprintf("Question %d", i))
	}

	if n := atomic.LoadInt32(&lastCount); n != 6 {
		t.Errorf("Expected system + 5 windowed turns, got %d messages", n)
	}
}

func TestComplete_ConcurrentSessionsIsolated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		last := req.Messages[len(req.Messages)-1].Content
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatResponse("Echo "+last+"."))
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.CompletionCleanReply = false
	client := NewClient(cfg)
	store := testStore()

	var wg sync.WaitGroup
	for _, id := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				client.Complete(context.Background(), store.Get(id), fmt.Sprintf("%s question %d", id, i))
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"alice", "bob"} {
		for _, turn := range store.Get(id).Snapshot()[1:] {
			if !strings.Contains(turn.Content, id) {
				t.Errorf("Session %s observed foreign turn %q", id, turn.Content)
			}
		}
	}
}

func TestReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := NewClient(testConfig(t, srv.URL))

	if err := client.Ready(context.Background()); err != nil {
		t.Errorf("Expected backend to be ready, got %v", err)
	}

	srv.Close()
	if err := client.Ready(context.Background()); err == nil {
		t.Error("Expected error for closed backend")
	}
}

func TestReady_CircuitOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.CircuitBreakerMaxFailures = 1
	client := NewClient(cfg)

	client.Complete(context.Background(), testStore().Get("s1"), "Hello?")

	err := client.Ready(context.Background())
	if err == nil || !strings.Contains(err.Error(), "circuit open") {
		t.Errorf("Expected circuit open error, got %v", err)
	}
}

func TestCleanReply(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		question string
		expected string
	}{
		{"unchanged", "Paris is the capital.", "Where?", "Paris is the capital."},
		{"collapse whitespace", "  a   b\n\tc ", "", "A b c"},
		{"leading question mark", "? yes it is.", "", "Yes it is."},
		{"echoed question", "What is two plus two? Four.", "what is two plus two?", "Four."},
		{"echo without mark", "what is up ? Not much.", "What is up", "Not much."},
		{"already capitalized", "Éclair is French.", "", "Éclair is French."},
		{"lower unicode first letter", "éclair is French.", "", "Éclair is French."},
		{"only echo", "Hello?", "hello?", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CleanReply(tt.reply, tt.question)
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}
