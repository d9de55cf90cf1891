package audio

import (
	"fmt"
	"math"
)

// Quantize converts float samples in [-1, 1] to 16-bit signed integers.
// Each sample maps to round(s * 32767), clamped to the int16 range so
// out-of-range input saturates instead of wrapping. NaN maps to silence.
func Quantize(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = quantizeSample(s)
	}
	return out
}

func quantizeSample(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	scaled := math.Round(v * 32767)
	if scaled > math.MaxInt16 {
		return math.MaxInt16
	}
	if scaled < math.MinInt16 {
		return math.MinInt16
	}
	return int16(scaled)
}

// Resample performs simple linear interpolation resampling on float samples.
// Equal rates return the input unchanged.
func Resample(samples []float32, inputRate, outputRate int) []float32 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(math.Round(float64(len(samples)) * ratio))
	if outputLength < 1 {
		outputLength = 1
	}
	output := make([]float32, outputLength)

	last := len(samples) - 1
	for i := 0; i < outputLength; i++ {
		// Calculate source position
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		if idx0 > last {
			idx0 = last
		}
		idx1 := idx0 + 1
		if idx1 > last {
			idx1 = last
		}

		// Interpolate between two samples
		fraction := srcPos - float64(idx0)
		if fraction > 1 {
			fraction = 1
		}
		output[i] = float32(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// Int16ToPCM packs samples as 16-bit little-endian PCM bytes
func Int16ToPCM(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, sample := range samples {
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}
	return pcm
}

// PCMToInt16 unpacks 16-bit little-endian PCM bytes
func PCMToInt16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(pcm))
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples, nil
}

// PCMToFloat converts 16-bit little-endian PCM bytes to float samples in [-1, 1].
// Used to bring linear16 engine output back to the synthesizer contract.
func PCMToFloat(pcm []byte) ([]float32, error) {
	ints, err := PCMToInt16(pcm)
	if err != nil {
		return nil, err
	}

	samples := make([]float32, len(ints))
	for i, v := range ints {
		samples[i] = float32(v) / 32767
		if samples[i] < -1 {
			samples[i] = -1
		}
	}
	return samples, nil
}
