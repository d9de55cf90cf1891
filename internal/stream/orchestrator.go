package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/converse-gateway/internal/audio"
	"github.com/lexiqai/converse-gateway/internal/completion"
	"github.com/lexiqai/converse-gateway/internal/conversation"
	"github.com/lexiqai/converse-gateway/internal/observability"
	"github.com/lexiqai/converse-gateway/internal/sentence"
	"github.com/lexiqai/converse-gateway/internal/tts"
)

var (
	// ErrMalformedRequest is returned for an empty query, before any stream is opened
	ErrMalformedRequest = errors.New("malformed request")
	// ErrSegmentation is fatal to a request
	ErrSegmentation = errors.New("segmentation failed")
)

// State is the lifecycle stage of one stream
type State int

const (
	StateIdle State = iota
	StateSegmenting
	StateSynthesizing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSegmenting:
		return "segmenting"
	case StateSynthesizing:
		return "synthesizing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Completer produces the reply text for a query
type Completer interface {
	Complete(ctx context.Context, session *conversation.Session, userText string) completion.Reply
}

// Options tunes an orchestrator
type Options struct {
	Workers          int           // concurrent synthesis calls per stream
	SynthesisTimeout time.Duration // bound on one synthesis call
	Pacer            Pacer         // throttle between events
	EndEvent         bool          // emit a terminal event after the last sentence
}

// Summary describes a finished stream
type Summary struct {
	State     State
	Reply     string
	Recovered bool
	Units     []sentence.Unit
	Failed    int
}

// Orchestrator turns a query into an ordered stream of spoken sentences
type Orchestrator struct {
	completer Completer
	synth     tts.Synthesizer
	encoder   *audio.Encoder
	opts      Options
	segment   func(string) []sentence.Unit
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(completer Completer, synth tts.Synthesizer, encoder *audio.Encoder, opts Options) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Pacer == nil {
		opts.Pacer = FixedPacer{Interval: 100 * time.Millisecond}
	}
	return &Orchestrator{
		completer: completer,
		synth:     synth,
		encoder:   encoder,
		opts:      opts,
		segment:   sentence.Units,
	}
}

// ValidateQuery rejects empty or blank queries with ErrMalformedRequest
func ValidateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: empty query", ErrMalformedRequest)
	}
	return nil
}

type synthResult struct {
	ordinal int
	payload audio.Payload
	err     error
}

// Run answers query on emitter: it obtains the reply, segments it and emits
// exactly one event per sentence in order, pacing between events.
// A sentence whose synthesis or encoding fails is emitted with empty audio.
// Run returns an error only for a malformed query, a segmentation failure,
// an emitter failure or cancellation of ctx.
func (o *Orchestrator) Run(ctx context.Context, session *conversation.Session, query string, emitter Emitter) (Summary, error) {
	summary := Summary{State: StateIdle}
	if err := ValidateQuery(query); err != nil {
		return summary, err
	}

	logger := observability.FromContext(ctx)
	metrics := observability.NewStreamMetrics()
	outcome := "failed"
	defer func() { metrics.RecordStreamEnd(outcome) }()

	if err := emitter.Open(); err != nil {
		return summary, fmt.Errorf("open stream: %w", err)
	}

	reply := o.completer.Complete(ctx, session, query)
	summary.Reply = reply.Text
	summary.Recovered = reply.Recovered
	if reply.Recovered {
		logger.Warn().Err(reply.Cause).Msg("Speaking fallback reply")
	}

	summary.State = StateSegmenting
	units, err := o.segmentReply(reply.Text)
	if err != nil {
		summary.State = StateFailed
		observability.RecordError("segmentation", "stream")
		logger.Error().Err(err).Msg("Stream aborted")
		return summary, err
	}
	summary.Units = units

	summary.State = StateSynthesizing
	logger.Info().
		Int("sentences", len(units)).
		Bool("recovered", reply.Recovered).
		Msg("Streaming reply")

	if err := o.emitAll(ctx, units, emitter, metrics, logger); err != nil {
		summary.State = StateFailed
		summary.Failed = countFailed(units)
		if ctx.Err() != nil {
			outcome = "cancelled"
			logger.Info().Err(err).Msg("Stream cancelled by client")
		} else {
			observability.RecordError("emit", "stream")
			logger.Warn().Err(err).Msg("Stream write failed")
		}
		return summary, err
	}
	summary.Failed = countFailed(units)

	if o.opts.EndEvent {
		end := EndEvent{Sentences: len(units), Failed: summary.Failed, Recovered: reply.Recovered}
		if err := emitter.End(ctx, end); err != nil {
			logger.Debug().Err(err).Msg("Failed to write end event")
		}
	}

	summary.State = StateClosed
	outcome = "completed"
	logger.Info().
		Int("sentences", len(units)).
		Int("failed", summary.Failed).
		Msg("Stream completed")
	return summary, nil
}

// segmentReply turns the reply into units, converting a panic into ErrSegmentation
func (o *Orchestrator) segmentReply(text string) (units []sentence.Unit, err error) {
	defer func() {
		if r := recover(); r != nil {
			units = nil
			err = fmt.Errorf("%w: %v", ErrSegmentation, r)
		}
	}()

	units = o.segment(text)
	if len(units) == 0 {
		return nil, fmt.Errorf("%w: reply has no sentences", ErrSegmentation)
	}
	return units, nil
}

// emitAll synthesizes through the worker pool and emits results strictly by ordinal.
// Results that finish early wait in a reorder buffer until their predecessor is sent.
func (o *Orchestrator) emitAll(ctx context.Context, units []sentence.Unit, emitter Emitter, metrics *observability.StreamMetrics, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan sentence.Unit)
	results := make(chan synthResult, o.opts.Workers)

	var wg sync.WaitGroup
	for w := 0; w < o.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range jobs {
				r := o.synthesize(ctx, unit)
				select {
				case results <- r:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, unit := range units {
			select {
			case jobs <- unit:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Cancel before waiting so blocked workers exit
	defer wg.Wait()
	defer cancel()

	pending := make(map[int]synthResult)
	next := 0
	for next < len(units) {
		select {
		case r := <-results:
			pending[r.ordinal] = r
		case <-ctx.Done():
			return ctx.Err()
		}

		for {
			r, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)

			event := Event{Ordinal: next, Sentence: units[next].Text}
			if r.err != nil {
				units[next].Status = sentence.StatusFailed
				logger.Warn().Err(r.err).Int("ordinal", next).Msg("Sentence emitted without audio")
			} else {
				units[next].Status = sentence.StatusOK
				event.Audio = r.payload.Base64
			}

			if err := emitter.Emit(ctx, event); err != nil {
				return fmt.Errorf("emit sentence %d: %w", next, err)
			}
			metrics.RecordSentence(r.err == nil, len(event.Audio))

			next++
			if next < len(units) {
				if err := o.opts.Pacer.Wait(ctx, r.payload.Duration); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// synthesize produces the payload for one unit, bounded by the synthesis timeout
func (o *Orchestrator) synthesize(ctx context.Context, unit sentence.Unit) (res synthResult) {
	res.ordinal = unit.Ordinal
	defer func() {
		if r := recover(); r != nil {
			res = synthResult{ordinal: unit.Ordinal, err: fmt.Errorf("%w: panic: %v", tts.ErrSynthesis, r)}
		}
	}()

	if o.opts.SynthesisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.SynthesisTimeout)
		defer cancel()
	}

	started := time.Now()
	samples, err := o.synth.Synthesize(ctx, unit.Text)
	observability.ObserveSynthesis(started, err == nil)
	if err != nil {
		if !errors.Is(err, tts.ErrSynthesis) {
			err = fmt.Errorf("%w: %v", tts.ErrSynthesis, err)
		}
		observability.RecordError("synthesis", o.synth.Name())
		res.err = err
		return res
	}

	payload, err := o.encoder.Encode(samples.Data, samples.Rate)
	if err != nil {
		observability.RecordError("encoding", "audio")
		res.err = err
		return res
	}
	res.payload = payload
	return res
}

func countFailed(units []sentence.Unit) int {
	n := 0
	for _, u := range units {
		if u.Status == sentence.StatusFailed {
			n++
		}
	}
	return n
}
