package converse

import (
	"context"
	_ "embed"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/converse-gateway/internal/conversation"
	"github.com/lexiqai/converse-gateway/internal/observability"
	"github.com/lexiqai/converse-gateway/internal/stream"
)

const (
	// SessionCookie carries the session id between requests
	SessionCookie = "converse_session"
	// CorrelationHeader is echoed back on every response
	CorrelationHeader = "X-Correlation-ID"

	maxSessionIDLen = 128
)

//go:embed web/index.html
var indexHTML []byte

// Runner answers one query on an emitter
type Runner interface {
	Run(ctx context.Context, session *conversation.Session, query string, emitter stream.Emitter) (stream.Summary, error)
}

// Handler serves the conversational endpoints
type Handler struct {
	runner   Runner
	store    *conversation.Store
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates the HTTP surface for runner and store
func NewHandler(runner Runner, store *conversation.Store) *Handler {
	return &Handler{
		runner: runner,
		store:  store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: observability.Component("converse"),
	}
}

// Register mounts the endpoints on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/converse_stream", h.HandleStream)
	mux.HandleFunc("/converse_ws", h.HandleWS)
	mux.HandleFunc("/", h.HandleIndex)
}

// HandleIndex serves the client page
func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// HandleStream answers ?q= as a server-sent event stream
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query().Get("q")
	if err := stream.ValidateQuery(query); err != nil {
		http.Error(w, "Empty query", http.StatusBadRequest)
		return
	}

	emitter, err := stream.NewSSEEmitter(w)
	if err != nil {
		h.logger.Error().Err(err).Msg("Streaming unsupported by response writer")
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	session, cookie := h.session(r)
	http.SetCookie(w, cookie)
	ctx, logger, correlationID := h.requestContext(r, session.ID())
	w.Header().Set(CorrelationHeader, correlationID)

	logger.Info().
		Str("transport", "sse").
		Int("query_len", len(query)).
		Msg("Conversation request")

	h.run(ctx, logger, session, query, emitter)
}

// HandleWS answers ?q= over a WebSocket, one text message per event
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if err := stream.ValidateQuery(query); err != nil {
		http.Error(w, "Empty query", http.StatusBadRequest)
		return
	}

	session, cookie := h.session(r)
	ctx, logger, correlationID := h.requestContext(r, session.ID())

	header := http.Header{}
	header.Add("Set-Cookie", cookie.String())
	header.Set(CorrelationHeader, correlationID)

	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade has already replied to the client
		logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The client never sends anything; a read error means it went away
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	logger.Info().
		Str("transport", "websocket").
		Int("query_len", len(query)).
		Msg("Conversation request")

	emitter := stream.NewWSEmitter(conn)
	h.run(ctx, logger, session, query, emitter)
	if err := emitter.Close(); err != nil {
		logger.Debug().Err(err).Msg("Failed to send close frame")
	}
}

func (h *Handler) run(ctx context.Context, logger zerolog.Logger, session *conversation.Session, query string, emitter stream.Emitter) {
	started := time.Now()
	summary, err := h.runner.Run(ctx, session, query, emitter)

	var event *zerolog.Event
	if err != nil && !errors.Is(err, context.Canceled) {
		event = logger.Warn()
	} else {
		event = logger.Info()
	}
	event.Err(err).
		Str("state", summary.State.String()).
		Int("sentences", len(summary.Units)).
		Int("failed", summary.Failed).
		Bool("recovered", summary.Recovered).
		Dur("elapsed", time.Since(started)).
		Msg("Conversation request finished")
}

// session resolves the caller's session from ?session= or the cookie,
// creating one when neither names a usable id
func (h *Handler) session(r *http.Request) (*conversation.Session, *http.Cookie) {
	id := strings.TrimSpace(r.URL.Query().Get("session"))
	if id == "" {
		if c, err := r.Cookie(SessionCookie); err == nil {
			id = c.Value
		}
	}
	if len(id) > maxSessionIDLen {
		id = ""
	}

	session := h.store.Get(id)
	cookie := &http.Cookie{
		Name:     SessionCookie,
		Value:    session.ID(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return session, cookie
}

// requestContext attaches a correlation-scoped logger to the request context.
// An incoming correlation header is reused.
func (h *Handler) requestContext(r *http.Request, sessionID string) (context.Context, zerolog.Logger, string) {
	id := r.Header.Get(CorrelationHeader)
	if id == "" || len(id) > maxSessionIDLen {
		id = observability.NewCorrelationID()
	}
	logger := observability.WithCorrelationID(id).
		With().
		Str("component", "converse").
		Str("session_id", sessionID).
		Logger()
	return logger.WithContext(r.Context()), logger, id
}
