package stt

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// writePCMToWav wraps raw little-endian 16-bit PCM in a WAV container,
// which both the exec backends and the HTTP transcription endpoints
// expect.
func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		sample := int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		samples[i] = sample
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
