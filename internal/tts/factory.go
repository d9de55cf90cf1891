package tts

import (
	"fmt"

	"github.com/lexiqai/converse-gateway/internal/config"
)

// New creates the synthesizer selected by TTS_PROVIDER
func New(cfg *config.Config) (Synthesizer, error) {
	switch cfg.TTSProvider {
	case config.TTSProviderDeepgram:
		return NewDeepgramSynthesizer(cfg), nil
	case config.TTSProviderExec:
		return NewExecSynthesizer(cfg.TTSExecCommand, cfg.TTSSampleRate)
	case config.TTSProviderTone:
		return NewToneSynthesizer(cfg.TTSSampleRate), nil
	}
	return nil, fmt.Errorf("unknown TTS provider %q", cfg.TTSProvider)
}
