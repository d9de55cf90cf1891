package tts

import (
	"context"
	"errors"
)

// ErrSynthesis marks a failed synthesis of one sentence
var ErrSynthesis = errors.New("speech synthesis failed")

// Samples is synthesized mono audio at the engine's native rate.
// Values are in [-1, 1].
type Samples struct {
	Rate int
	Data []float32
}

// Synthesizer converts one sentence into audio samples.
// Implementations must be safe for concurrent use.
type Synthesizer interface {
	// Synthesize returns the samples for text or an error wrapping ErrSynthesis
	Synthesize(ctx context.Context, text string) (Samples, error)

	// Name identifies the engine in logs and metrics
	Name() string
}

// HealthChecker is implemented by engines that can report readiness
type HealthChecker interface {
	Ready(ctx context.Context) error
}
