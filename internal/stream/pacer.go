package stream

import (
	"context"
	"time"

	"github.com/lexiqai/converse-gateway/internal/config"
)

// Pacer throttles emission between consecutive events
type Pacer interface {
	// Wait blocks after an event whose audio lasts played, or until ctx is done
	Wait(ctx context.Context, played time.Duration) error
}

// FixedPacer waits a constant interval between events
type FixedPacer struct {
	Interval time.Duration
}

// Wait sleeps for the fixed interval
func (p FixedPacer) Wait(ctx context.Context, _ time.Duration) error {
	return sleep(ctx, p.Interval)
}

// PlaybackPacer waits roughly as long as the client needs to play the
// previous segment, less a lead so the next segment arrives before the
// current one finishes.
type PlaybackPacer struct {
	Lead time.Duration
}

// Wait sleeps for played minus the lead, never less than zero
func (p PlaybackPacer) Wait(ctx context.Context, played time.Duration) error {
	return sleep(ctx, played-p.Lead)
}

// NewPacer builds the pacer for a PACING_MODE value
func NewPacer(mode string, interval, lead time.Duration) Pacer {
	if mode == config.PacingPlayback {
		return PlaybackPacer{Lead: lead}
	}
	return FixedPacer{Interval: interval}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
