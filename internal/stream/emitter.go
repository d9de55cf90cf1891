package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// Event is one sentence pushed to the client.
// Only the sentence and audio fields go on the wire.
type Event struct {
	Ordinal  int    `json:"-"`
	Sentence string `json:"sentence"`
	Audio    string `json:"audio"`
}

// EndEvent closes a stream with a summary of what was sent
type EndEvent struct {
	Sentences int  `json:"sentences"`
	Failed    int  `json:"failed"`
	Recovered bool `json:"recovered"`
}

// EndEventName is the SSE event name of the terminal event
const EndEventName = "end"

// Emitter delivers events to one client, in call order
type Emitter interface {
	// Open prepares the transport. Called once, after the request is validated.
	Open() error
	// Emit writes one event and returns once it has been flushed
	Emit(ctx context.Context, event Event) error
	// End writes the terminal event
	End(ctx context.Context, end EndEvent) error
}

// SSEEmitter writes events as a text/event-stream response
type SSEEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEEmitter wraps w, which must support flushing
func NewSSEEmitter(w http.ResponseWriter) (*SSEEmitter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &SSEEmitter{w: w, flusher: f}, nil
}

// Open writes the stream headers
func (s *SSEEmitter) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
	return nil
}

// Emit writes "data: {json}\n\n" and flushes
func (s *SSEEmitter) Emit(ctx context.Context, event Event) error {
	return s.send(ctx, "", event)
}

// End writes a named "end" event so default message listeners ignore it
func (s *SSEEmitter) End(ctx context.Context, end EndEvent) error {
	return s.send(ctx, EndEventName, end)
}

func (s *SSEEmitter) send(ctx context.Context, event string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := sonic.Marshal(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

const wsWriteWait = 10 * time.Second

// WSEmitter writes events as WebSocket text messages
type WSEmitter struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// wsEnd is the terminal WebSocket message
type wsEnd struct {
	Type string `json:"type"`
	EndEvent
}

// NewWSEmitter wraps an upgraded connection
func NewWSEmitter(conn *websocket.Conn) *WSEmitter {
	return &WSEmitter{conn: conn}
}

// Open is a no-op; the connection is already upgraded
func (e *WSEmitter) Open() error {
	return nil
}

// Emit writes one event as a JSON text message
func (e *WSEmitter) Emit(ctx context.Context, event Event) error {
	return e.write(ctx, event)
}

// End writes {"type":"end",...} and a normal closure frame
func (e *WSEmitter) End(ctx context.Context, end EndEvent) error {
	if err := e.write(ctx, wsEnd{Type: EndEventName, EndEvent: end}); err != nil {
		return err
	}
	return e.Close()
}

// Close sends a normal closure frame once; later calls are no-ops
func (e *WSEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return e.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func (e *WSEmitter) write(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := sonic.Marshal(v)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return e.conn.WriteMessage(websocket.TextMessage, b)
}
