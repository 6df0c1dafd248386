package protocol

import "time"

// SpeakRequest asks the narrator to read text aloud.
type SpeakRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Text      string `json:"text"`
	Mode      string `json:"mode,omitempty"` // single or stream
}

// SpeakAccepted is returned once a session has been started for a SpeakRequest.
type SpeakAccepted struct {
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id"`
	Chunks    int    `json:"chunks"`
}

// SynthRequest is served by a synthesis responder over the bus.
type SynthRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Text      string `json:"text"`
}

// SynthReply carries audio bytes or a classified failure.
type SynthReply struct {
	Audio      []byte `json:"audio,omitempty"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// PipelineEvent is a session timeline entry published for observers.
type PipelineEvent struct {
	SessionID  string    `json:"session_id"`
	Type       string    `json:"type"`
	ChunkIndex int       `json:"chunk_index,omitempty"`
	Completed  int       `json:"completed,omitempty"`
	Total      int       `json:"total,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	ReplyCodeUnavailable = "unavailable"
	ReplyCodeRejected    = "rejected"
	ReplyCodeTimeout     = "timeout"
)

const (
	EventSessionStarted = "session.started"
	EventChunkEnqueued  = "chunk.enqueued"
	EventChunkFallback  = "chunk.fallback"
	EventChunkFailed    = "chunk.failed"
	EventProgress       = "progress"
	EventSessionEnded   = "session.ended"
)

const (
	SubjectSynthesize         = "tts.synthesize"
	SubjectSpeak              = "narrator.speak"
	SubjectStop               = "narrator.stop"
	SubjectSessionEventPrefix = "narrator.session"
)
