package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/converse-gateway/internal/converse"
	"github.com/lexiqai/converse-gateway/internal/playback"
	"github.com/lexiqai/converse-gateway/internal/resilience"
	"github.com/lexiqai/converse-gateway/internal/stream"
)

// client asks questions over the SSE endpoint, keeping one session
type client struct {
	cfg     cliConfig
	http    *http.Client
	session string
	logger  zerolog.Logger
}

// answer is what one question produced
type answer struct {
	Sentences []string
	Failed    int
	End       *stream.EndEvent
}

func newClient(cfg cliConfig, logger zerolog.Logger) *client {
	return &client{
		cfg:     cfg,
		http:    &http.Client{},
		session: cfg.Session,
		logger:  logger,
	}
}

// askAndPlay streams the answer to query into player, printing sentences as they arrive,
// and returns once every segment has played
func (c *client) askAndPlay(ctx context.Context, query string, player playback.Player, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	queue := playback.NewQueue(ctx, player)
	ans, err := c.ask(ctx, query, func(ev stream.Event) {
		fmt.Fprintln(out, ev.Sentence)
		if err := queue.Push(ev.Sentence, ev.Audio); err != nil {
			c.logger.Warn().Err(err).Msg("Skipping undecodable audio")
		}
	})
	if err != nil {
		return err
	}

	if err := queue.Wait(ctx); err != nil {
		return fmt.Errorf("playback interrupted: %w", err)
	}
	for _, perr := range queue.Errors() {
		c.logger.Warn().Err(perr).Msg("Playback error")
	}

	c.logger.Info().
		Int("sentences", len(ans.Sentences)).
		Int("silent", ans.Failed).
		Int("played", queue.Played()).
		Msg("Answer complete")
	return nil
}

// ask opens the stream, retrying the connection, and hands each event to onEvent in order
func (c *client) ask(ctx context.Context, query string, onEvent func(stream.Event)) (answer, error) {
	var resp *http.Response
	connect := func(ctx context.Context) error {
		r, err := c.open(ctx, query)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	if err := resilience.Reconnect(ctx, connect, reconnectConfig(c.cfg), c.logger); err != nil {
		return answer{}, err
	}
	defer resp.Body.Close()

	for _, ck := range resp.Cookies() {
		if ck.Name == converse.SessionCookie && ck.Value != "" {
			c.session = ck.Value
		}
	}

	var ans answer
	reader := playback.NewReader(resp.Body)
	for {
		msg, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return ans, nil
		}
		if err != nil {
			return ans, fmt.Errorf("read stream: %w", err)
		}

		if msg.IsEnd() {
			end, err := msg.End()
			if err != nil {
				return ans, fmt.Errorf("decode end event: %w", err)
			}
			ans.End = &end
			continue
		}

		ev, err := msg.Sentence()
		if err != nil {
			return ans, fmt.Errorf("decode event: %w", err)
		}
		ev.Ordinal = len(ans.Sentences)
		ans.Sentences = append(ans.Sentences, ev.Sentence)
		if ev.Audio == "" {
			ans.Failed++
		}
		onEvent(ev)
	}
}

func (c *client) open(ctx context.Context, query string) (*http.Response, error) {
	params := url.Values{}
	params.Set("q", query)
	if c.session != "" {
		params.Set("session", c.session)
	}
	target := strings.TrimSuffix(c.cfg.ServerURL, "/") + "/converse_stream?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}
