package playback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/lexiqai/converse-gateway/internal/audio"
)

// WAVFilePlayer "plays" a segment by writing it to the next numbered file in Dir
type WAVFilePlayer struct {
	Dir    string
	Logger zerolog.Logger

	mu   sync.Mutex
	next int
}

// NewWAVFilePlayer creates a player writing into dir, creating it if needed
func NewWAVFilePlayer(dir string, logger zerolog.Logger) (*WAVFilePlayer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &WAVFilePlayer{Dir: dir, Logger: logger}, nil
}

// Play writes seg as sentence-NNN.wav
func (p *WAVFilePlayer) Play(ctx context.Context, seg audio.Segment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	n := p.next
	p.next++
	p.mu.Unlock()

	path := filepath.Join(p.Dir, fmt.Sprintf("sentence-%03d.wav", n))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	buf, err := intBuffer(seg)
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(f, seg.SampleRate, seg.BitDepth, seg.Channels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", path, err)
	}

	p.Logger.Info().
		Str("file", path).
		Dur("duration", seg.Duration()).
		Msg("Wrote sentence audio")
	return nil
}

// ClockPlayer holds each segment for its playback duration, scaled by Speed
type ClockPlayer struct {
	Speed float64
}

// Play sleeps for the segment duration or until ctx is done
func (p ClockPlayer) Play(ctx context.Context, seg audio.Segment) error {
	d := seg.Duration()
	if p.Speed > 0 {
		d = time.Duration(float64(d) / p.Speed)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Chain plays each segment on every player in turn
type Chain []Player

// Play stops at the first player error
func (c Chain) Play(ctx context.Context, seg audio.Segment) error {
	for _, p := range c {
		if err := p.Play(ctx, seg); err != nil {
			return err
		}
	}
	return nil
}

func intBuffer(seg audio.Segment) (*goaudio.IntBuffer, error) {
	samples, err := audio.PCMToInt16(seg.PCM)
	if err != nil {
		return nil, err
	}
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: seg.Channels, SampleRate: seg.SampleRate},
		Data:           data,
		SourceBitDepth: seg.BitDepth,
	}, nil
}
