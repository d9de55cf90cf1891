package converse

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/lexiqai/converse-gateway/internal/audio"
	"github.com/lexiqai/converse-gateway/internal/completion"
	"github.com/lexiqai/converse-gateway/internal/conversation"
	"github.com/lexiqai/converse-gateway/internal/playback"
	"github.com/lexiqai/converse-gateway/internal/stream"
	"github.com/lexiqai/converse-gateway/internal/tts"
)

type fakeCompleter struct {
	mu       sync.Mutex
	reply    string
	sessions []string
}

func (f *fakeCompleter) Complete(ctx context.Context, session *conversation.Session, userText string) completion.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, session.ID())
	return completion.Reply{Text: f.reply}
}

func (f *fakeCompleter) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessions...)
}

func newTestServer(t *testing.T, reply string) (*httptest.Server, *fakeCompleter, *conversation.Store) {
	t.Helper()
	completer := &fakeCompleter{reply: reply}
	store := conversation.NewStore(conversation.StoreConfig{
		MaxSessions:  16,
		TTL:          time.Minute,
		SystemPrompt: "You are a helpful assistant.",
		Window:       conversation.DefaultWindow,
	})
	orch := stream.NewOrchestrator(completer, tts.NewToneSynthesizer(24000), audio.NewEncoder(), stream.Options{
		Workers:          2,
		SynthesisTimeout: 5 * time.Second,
		Pacer:            stream.FixedPacer{Interval: time.Millisecond},
		EndEvent:         true,
	})

	mux := http.NewServeMux()
	NewHandler(orch, store).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, completer, store
}

func TestHandleStream(t *testing.T) {
	srv, _, _ := newTestServer(t, "Paris is the capital of France. It is known for the Eiffel Tower.")

	resp, err := http.Get(srv.URL + "/converse_stream?q=" + url.QueryEscape("What is the capital of France?"))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %s", ct)
	}
	if resp.Header.Get(CorrelationHeader) == "" {
		t.Error("Expected correlation header")
	}

	var (
		sentences []string
		end       *stream.EndEvent
	)
	reader := playback.NewReader(resp.Body)
	for {
		msg, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if msg.IsEnd() {
			e, err := msg.End()
			if err != nil {
				t.Fatalf("End failed: %v", err)
			}
			end = &e
			continue
		}
		ev, err := msg.Sentence()
		if err != nil {
			t.Fatalf("Sentence failed: %v", err)
		}
		if ev.Audio == "" {
			t.Errorf("Expected audio for %q", ev.Sentence)
		}
		seg, err := playback.Decode(ev.Audio)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if seg.SampleRate != audio.OutputSampleRate {
			t.Errorf("Expected %d Hz, got %d", audio.OutputSampleRate, seg.SampleRate)
		}
		sentences = append(sentences, ev.Sentence)
	}

	expected := []string{"Paris is the capital of France.", "It is known for the Eiffel Tower."}
	if len(sentences) != len(expected) {
		t.Fatalf("Expected %d sentences, got %v", len(expected), sentences)
	}
	for i := range expected {
		if sentences[i] != expected[i] {
			t.Errorf("Sentence %d: expected %q, got %q", i, expected[i], sentences[i])
		}
	}
	if end == nil || end.Sentences != 2 || end.Failed != 0 {
		t.Errorf("Unexpected end event: %+v", end)
	}
}

func TestHandleStream_EmptyQuery(t *testing.T) {
	for _, target := range []string{"/converse_stream", "/converse_stream?q=", "/converse_stream?q=%20%20"} {
		srv, completer, store := newTestServer(t, "Unused.")

		resp, err := http.Get(srv.URL + target)
		if err != nil {
			t.Fatalf("GET %s failed: %v", target, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, resp.StatusCode)
		}
		if strings.TrimSpace(string(body)) != "Empty query" {
			t.Errorf("%s: expected body \"Empty query\", got %q", target, body)
		}
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
			t.Errorf("%s: expected no event stream", target)
		}
		if n := len(completer.calls()); n != 0 {
			t.Errorf("%s: expected no completion calls, got %d", target, n)
		}
		if store.Len() != 0 {
			t.Errorf("%s: expected no session to be created, got %d", target, store.Len())
		}
	}
}

func TestHandleStream_SessionCookie(t *testing.T) {
	srv, completer, store := newTestServer(t, "Hello there.")

	drain := func(req *http.Request) *http.Response {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/converse_stream?q=hi", nil)
	resp := drain(req)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" {
		t.Fatal("Expected session cookie")
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/converse_stream?q=again", nil)
	req.AddCookie(cookie)
	drain(req)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/converse_stream?q=other&session=explicit", nil)
	drain(req)

	calls := completer.calls()
	if len(calls) != 3 {
		t.Fatalf("Expected 3 completion calls, got %d", len(calls))
	}
	if calls[0] != cookie.Value || calls[1] != cookie.Value {
		t.Errorf("Expected cookie session to be reused, got %v", calls)
	}
	if calls[2] != "explicit" {
		t.Errorf("Expected explicit session, got %s", calls[2])
	}
	if store.Len() != 2 {
		t.Errorf("Expected 2 sessions, got %d", store.Len())
	}
}

func TestHandleStream_MethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t, "Unused.")

	resp, err := http.Post(srv.URL+"/converse_stream?q=hi", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestHandleWS(t *testing.T) {
	srv, _, _ := newTestServer(t, "One. Two! Three?")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/converse_ws?q=count"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	if resp.Header.Get(CorrelationHeader) == "" {
		t.Error("Expected correlation header on upgrade response")
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var (
		sentences []string
		ended     bool
	)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("Expected normal closure, got %v", err)
			}
			break
		}

		var msg struct {
			Type      string `json:"type"`
			Sentence  string `json:"sentence"`
			Audio     string `json:"audio"`
			Sentences int    `json:"sentences"`
		}
		if err := sonic.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if msg.Type == stream.EndEventName {
			ended = true
			if msg.Sentences != 3 {
				t.Errorf("Expected 3 sentences in end event, got %d", msg.Sentences)
			}
			continue
		}
		if msg.Audio == "" {
			t.Errorf("Expected audio for %q", msg.Sentence)
		}
		sentences = append(sentences, msg.Sentence)
	}

	expected := []string{"One.", "Two!", "Three?"}
	if strings.Join(sentences, "|") != strings.Join(expected, "|") {
		t.Errorf("Expected %v, got %v", expected, sentences)
	}
	if !ended {
		t.Error("Expected end message")
	}
}

func TestHandleWS_EmptyQuery(t *testing.T) {
	srv, completer, _ := newTestServer(t, "Unused.")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/converse_ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("Expected bad handshake, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 response, got %+v", resp)
	}
	if len(completer.calls()) != 0 {
		t.Error("Expected no completion calls")
	}
}

// The page's queue must advance once per segment and keep segments
// that the browser refused to autoplay.
func TestHandleIndex_PlaybackAdvancesOncePerSegment(t *testing.T) {
	srv, _, _ := newTestServer(t, "Unused.")

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	page := string(raw)

	for _, unguarded := range []string{
		"player.play().catch(playNext)",
		"player.onerror = playNext",
		"player.onended = playNext",
	} {
		if strings.Contains(page, unguarded) {
			t.Errorf("Expected %q to be replaced by a per-segment guard", unguarded)
		}
	}
	for _, guard := range []string{
		"const token = ++current",
		"if (token === current)",
		"player.onerror = advance",
		"pending.unshift(next)",
		"'NotAllowedError'",
	} {
		if !strings.Contains(page, guard) {
			t.Errorf("Expected page to contain %q", guard)
		}
	}
}

func TestHandleIndex(t *testing.T) {
	srv, _, _ := newTestServer(t, "Unused.")

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "/converse_stream") {
		t.Error("Expected page to open the conversation stream")
	}

	resp, err = http.Get(srv.URL + "/missing")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}
