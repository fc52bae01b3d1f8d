package protocol

import "time"

// SpeakRequest asks the speak service to synthesize text for a session.
type SpeakRequest struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Voice     string    `json:"voice,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Target    string    `json:"target,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioChunk is a slice of synthesized PCM streamed to playback targets.
// Rate carries the playback speed multiplier computed from buffer health
// at the moment the chunk was released.
type AudioChunk struct {
	SessionID  string  `json:"session_id"`
	Target     string  `json:"target,omitempty"`
	Provider   string  `json:"provider"`
	Sequence   int     `json:"sequence"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	PCM        []byte  `json:"pcm"`
	Rate       float64 `json:"rate"`
	Final      bool    `json:"final"`
}

// PlaybackStatus announces buffer-gated playback transitions.
type PlaybackStatus struct {
	SessionID        string    `json:"session_id"`
	Target           string    `json:"target,omitempty"`
	Provider         string    `json:"provider"`
	Started          bool      `json:"started"`
	Rate             float64   `json:"rate"`
	BufferedSeconds  float64   `json:"buffered_seconds"`
	ExpectedSeconds  float64   `json:"expected_seconds"`
	TimeToFirstAudio float64   `json:"ttfa_seconds"`
	Timestamp        time.Time `json:"timestamp"`
}

// SpeakStatus marks the end of a synthesis stream.
type SpeakStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Provider  string    `json:"provider"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioFrame represents captured PCM flowing toward the transcribe service.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents recognizer output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Provider   string    `json:"provider"`
	Text       string    `json:"text"`
	Language   string    `json:"language,omitempty"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

const (
	SubjectSpeakRequest     = "chatta.speak.request"
	SubjectSpeakAudio       = "chatta.speak.audio"
	SubjectSpeakDone        = "chatta.speak.done"
	SubjectPlaybackStatus   = "chatta.playback.status"
	SubjectAudioFramePrefix = "chatta.audio.frame"
	SubjectTranscriptPart   = "chatta.transcript.partial"
	SubjectTranscriptFinal  = "chatta.transcript.final"
)
