package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrEncoding marks a failure to turn samples into a transport payload
var ErrEncoding = errors.New("audio encoding failed")

const (
	// OutputSampleRate is the rate every container declares
	OutputSampleRate = 48000
	// Channels is fixed to mono
	Channels = 1
	// BitDepth is fixed to 16-bit signed PCM
	BitDepth = 16

	wavHeaderSize = 44
)

// Segment is a block of PCM audio ready for packaging
type Segment struct {
	SampleRate int
	Channels   int
	BitDepth   int
	PCM        []byte
}

// Validate checks the segment format and that PCM holds whole frames
func (s Segment) Validate() error {
	if s.SampleRate <= 0 {
		return fmt.Errorf("%w: invalid sample rate %d", ErrEncoding, s.SampleRate)
	}
	if s.Channels < 1 {
		return fmt.Errorf("%w: invalid channel count %d", ErrEncoding, s.Channels)
	}
	if s.BitDepth != BitDepth {
		return fmt.Errorf("%w: unsupported bit depth %d", ErrEncoding, s.BitDepth)
	}
	if frame := s.frameSize(); len(s.PCM)%frame != 0 {
		return fmt.Errorf("%w: PCM length %d is not a multiple of frame size %d", ErrEncoding, len(s.PCM), frame)
	}
	return nil
}

// Frames returns the number of sample frames in the segment
func (s Segment) Frames() int {
	if s.frameSize() == 0 {
		return 0
	}
	return len(s.PCM) / s.frameSize()
}

// Duration returns the playback duration of the segment
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(s.Frames()) * time.Second / time.Duration(s.SampleRate)
}

func (s Segment) frameSize() int {
	return s.BitDepth / 8 * s.Channels
}

// WAV returns the segment wrapped in a canonical 44-byte RIFF/WAVE header
func (s Segment) WAV() []byte {
	byteRate := s.SampleRate * s.frameSize()
	out := make([]byte, wavHeaderSize+len(s.PCM))

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(s.PCM)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(s.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(s.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(s.frameSize()))
	binary.LittleEndian.PutUint16(out[34:36], uint16(s.BitDepth))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(s.PCM)))
	copy(out[44:], s.PCM)

	return out
}

// Payload is an encoded sentence, ready to embed in a text event
type Payload struct {
	Base64   string
	Segment  Segment
	Duration time.Duration
}

// Encoder turns synthesized samples into base64 WAV payloads.
// It holds no mutable state and is safe for concurrent use.
type Encoder struct {
	outputRate int
}

// NewEncoder creates an encoder declaring OutputSampleRate
func NewEncoder() *Encoder {
	return &Encoder{outputRate: OutputSampleRate}
}

// OutputRate returns the declared container rate
func (e *Encoder) OutputRate() int {
	return e.outputRate
}

// Encode resamples to the output rate when needed, quantizes to 16-bit,
// wraps the PCM in a WAV container and base64 encodes it.
// Empty input yields a header-only WAV of zero duration.
// Identical input always yields byte-identical output.
func (e *Encoder) Encode(samples []float32, sampleRate int) (Payload, error) {
	if sampleRate <= 0 {
		return Payload{}, fmt.Errorf("%w: invalid input sample rate %d", ErrEncoding, sampleRate)
	}
	resampled := Resample(samples, sampleRate, e.outputRate)

	seg := Segment{
		SampleRate: e.outputRate,
		Channels:   Channels,
		BitDepth:   BitDepth,
		PCM:        Int16ToPCM(Quantize(resampled)),
	}
	if err := seg.Validate(); err != nil {
		return Payload{}, err
	}

	return Payload{
		Base64:   base64.StdEncoding.EncodeToString(seg.WAV()),
		Segment:  seg,
		Duration: seg.Duration(),
	}, nil
}
