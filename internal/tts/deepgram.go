package tts

import (
	"context"
	"fmt"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	speakClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"
	"github.com/rs/zerolog"

	"github.com/lexiqai/converse-gateway/internal/audio"
	"github.com/lexiqai/converse-gateway/internal/config"
	"github.com/lexiqai/converse-gateway/internal/observability"
	"github.com/lexiqai/converse-gateway/internal/resilience"
)

// DeepgramSynthesizer implements Synthesizer using Deepgram's Aura REST speak API.
// Audio is requested as raw linear16 at the configured rate.
type DeepgramSynthesizer struct {
	client         *api.Client
	model          string
	sampleRate     int
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramSynthesizer creates a new Deepgram speak client
func NewDeepgramSynthesizer(cfg *config.Config) *DeepgramSynthesizer {
	// Using empty ClientOptions to use defaults (api.deepgram.com)
	c := speakClient.NewREST(cfg.DeepgramAPIKey, &interfaces.ClientOptions{})

	circuitBreaker := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)

	return &DeepgramSynthesizer{
		client:         api.New(c),
		model:          cfg.DeepgramModel,
		sampleRate:     cfg.TTSSampleRate,
		circuitBreaker: circuitBreaker,
		logger:         observability.Component("tts.deepgram"),
	}
}

// Name returns the engine name
func (d *DeepgramSynthesizer) Name() string {
	return config.TTSProviderDeepgram
}

// Synthesize converts text to samples via a single REST request
func (d *DeepgramSynthesizer) Synthesize(ctx context.Context, text string) (Samples, error) {
	options := &interfaces.SpeakOptions{
		Model:      d.model,
		Encoding:   "linear16",
		SampleRate: d.sampleRate,
		Container:  "none", // raw PCM, no WAV header
	}

	var buf interfaces.RawResponse
	err := d.circuitBreaker.Call(func() error {
		_, err := d.client.ToStream(ctx, text, options, &buf)
		return err
	})
	observability.UpdateCircuitBreakerState("deepgram", int(d.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram")
		d.logger.Warn().Err(err).Int("chars", len(text)).Msg("Deepgram speak request failed")
		return Samples{}, fmt.Errorf("%w: deepgram: %v", ErrSynthesis, err)
	}

	pcm := buf.Bytes()
	if len(pcm) == 0 {
		return Samples{}, fmt.Errorf("%w: deepgram returned empty audio", ErrSynthesis)
	}
	// An odd trailing byte is a truncated sample
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}

	data, err := audio.PCMToFloat(pcm)
	if err != nil {
		return Samples{}, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}

	d.logger.Debug().
		Int("chars", len(text)).
		Int("bytes", len(pcm)).
		Msg("Deepgram synthesis complete")

	return Samples{Rate: d.sampleRate, Data: data}, nil
}

// Ready reports whether the breaker currently allows requests
func (d *DeepgramSynthesizer) Ready(ctx context.Context) error {
	if d.circuitBreaker.GetState() == resilience.StateOpen {
		return fmt.Errorf("deepgram circuit breaker is %s", d.circuitBreaker.GetState())
	}
	return nil
}
