package playback

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/go-audio/wav"

	"github.com/lexiqai/converse-gateway/internal/audio"
)

// Decode turns a base64 WAV payload back into a PCM segment
func Decode(payload string) (audio.Segment, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return audio.Segment{}, fmt.Errorf("decode base64 payload: %w", err)
	}

	dec := wav.NewDecoder(bytes.NewReader(raw))
	if !dec.IsValidFile() {
		return audio.Segment{}, fmt.Errorf("payload is not a valid WAV container")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return audio.Segment{}, fmt.Errorf("read PCM: %w", err)
	}
	if dec.BitDepth != audio.BitDepth {
		return audio.Segment{}, fmt.Errorf("unsupported bit depth %d", dec.BitDepth)
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}

	seg := audio.Segment{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		PCM:        audio.Int16ToPCM(samples),
	}
	return seg, seg.Validate()
}
