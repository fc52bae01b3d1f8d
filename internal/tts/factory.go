package tts

import (
	"fmt"

	"github.com/chattalabs/chatta-core/internal/config"
)

// NewSynthesizer builds the synthesizer for a configured provider. The
// mode is a fixed enum resolved here, at configuration time.
func NewSynthesizer(pc config.ProviderConfig, speak config.SpeakConfig) (Synthesizer, error) {
	switch pc.Mode {
	case "openai":
		return NewOpenAISynth(pc, speak.SampleRate, speak.Channels), nil
	case "exec":
		return NewExecSynth(pc.Command, speak.SampleRate, speak.Channels)
	case "mock":
		return NewMockSynth(speak.SampleRate, speak.Channels), nil
	default:
		return nil, fmt.Errorf("unknown tts provider mode %q", pc.Mode)
	}
}
