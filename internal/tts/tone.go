package tts

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lexiqai/converse-gateway/internal/config"
)

const (
	toneAmplitude   = 0.3
	toneBaseLength  = 200 * time.Millisecond
	tonePerWord     = 150 * time.Millisecond
	toneMaxLength   = 5 * time.Second
	toneFadeSeconds = 0.005
)

// ToneSynthesizer is an offline engine that renders each sentence as a
// sine tone. Length grows with the word count and pitch with the text
// length, so output is deterministic for a given sentence.
type ToneSynthesizer struct {
	sampleRate int
}

// NewToneSynthesizer creates a tone engine at sampleRate
func NewToneSynthesizer(sampleRate int) *ToneSynthesizer {
	return &ToneSynthesizer{sampleRate: sampleRate}
}

// Name returns the engine name
func (t *ToneSynthesizer) Name() string {
	return config.TTSProviderTone
}

// Synthesize renders text as a faded sine tone
func (t *ToneSynthesizer) Synthesize(ctx context.Context, text string) (Samples, error) {
	if err := ctx.Err(); err != nil {
		return Samples{}, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	if t.sampleRate <= 0 {
		return Samples{}, fmt.Errorf("%w: invalid sample rate %d", ErrSynthesis, t.sampleRate)
	}
	words := len(strings.Fields(text))
	if words == 0 {
		return Samples{}, fmt.Errorf("%w: nothing to say", ErrSynthesis)
	}

	length := toneBaseLength + time.Duration(words)*tonePerWord
	if length > toneMaxLength {
		length = toneMaxLength
	}
	n := int(int64(length) * int64(t.sampleRate) / int64(time.Second))
	freq := 220.0 + float64(len(text)%8)*55.0
	fade := int(toneFadeSeconds * float64(t.sampleRate))

	data := make([]float32, n)
	for i := range data {
		gain := 1.0
		if i < fade {
			gain = float64(i) / float64(fade)
		} else if n-i <= fade {
			gain = float64(n-i-1) / float64(fade)
		}
		data[i] = float32(toneAmplitude * gain * math.Sin(2*math.Pi*freq*float64(i)/float64(t.sampleRate)))
	}

	return Samples{Rate: t.sampleRate, Data: data}, nil
}
