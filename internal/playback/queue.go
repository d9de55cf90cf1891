package playback

import (
	"context"
	"sync"

	"github.com/lexiqai/converse-gateway/internal/audio"
)

// Player renders one segment and returns when it has finished playing
type Player interface {
	Play(ctx context.Context, seg audio.Segment) error
}

// Queue plays arriving segments strictly one at a time in arrival order.
// Text is recorded as soon as it arrives, so the transcript may run ahead
// of the audio.
type Queue struct {
	ctx    context.Context
	player Player

	mu         sync.Mutex
	pending    []audio.Segment
	playing    bool
	idle       chan struct{}
	transcript []string
	played     int
	errs       []error
}

// NewQueue creates an idle queue. Playback stops when ctx is done.
func NewQueue(ctx context.Context, player Player) *Queue {
	idle := make(chan struct{})
	close(idle)
	return &Queue{ctx: ctx, player: player, idle: idle}
}

// Push handles one event: the sentence joins the transcript unconditionally,
// and non-empty audio is queued and started if nothing is playing.
// A payload that cannot be decoded is skipped and its error returned.
func (q *Queue) Push(sentence, payload string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.transcript = append(q.transcript, sentence)
	if payload == "" {
		return nil
	}

	seg, err := Decode(payload)
	if err != nil {
		return err
	}

	q.pending = append(q.pending, seg)
	if !q.playing {
		q.idle = make(chan struct{})
		q.startNextLocked()
	}
	return nil
}

// startNextLocked pops the head and plays it in the background
func (q *Queue) startNextLocked() {
	seg := q.pending[0]
	q.pending = q.pending[1:]
	q.playing = true

	go func() {
		err := q.player.Play(q.ctx, seg)
		q.finished(err)
	}()
}

// finished runs when the current segment ends: play the next one or go idle
func (q *Queue) finished(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.played++
	if err != nil {
		q.errs = append(q.errs, err)
	}

	if len(q.pending) > 0 && q.ctx.Err() == nil {
		q.startNextLocked()
		return
	}
	q.pending = nil
	q.playing = false
	close(q.idle)
}

// Wait blocks until everything queued so far has played, or ctx is done
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transcript returns the sentences received so far
func (q *Queue) Transcript() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.transcript...)
}

// Playing reports whether a segment is currently playing
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Pending returns the number of segments waiting behind the current one
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Played returns how many segments have finished playing
func (q *Queue) Played() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.played
}

// Errors returns player errors seen so far
func (q *Queue) Errors() []error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]error(nil), q.errs...)
}
