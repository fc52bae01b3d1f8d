package stt

import (
	"fmt"

	"github.com/chattalabs/chatta-core/internal/config"
)

// NewRecognizer builds the recognizer for a configured provider.
func NewRecognizer(pc config.ProviderConfig, cfg config.TranscribeConfig) (Recognizer, error) {
	switch pc.Mode {
	case "openai":
		return NewOpenAIRecognizer(pc, cfg), nil
	case "exec":
		return NewExecRecognizer(pc, cfg)
	case "mock":
		return NewMockRecognizer(cfg), nil
	default:
		return nil, fmt.Errorf("unknown stt provider mode %q", pc.Mode)
	}
}
