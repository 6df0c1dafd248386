// Package pipeline drives text through synthesis, decoding and gapless playback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

var (
	ErrEmptyText  = errors.New("pipeline: text is empty")
	ErrSuperseded = errors.New("pipeline: session superseded")
	ErrStopped    = errors.New("pipeline: session stopped")
)

const (
	ModeSingle = "single"
	ModeStream = "stream"
)

// ChunkStatus tracks one chunk through the session.
type ChunkStatus int

const (
	StatusPending ChunkStatus = iota
	StatusDecoded
	StatusFallback
	StatusFailed
)

func (s ChunkStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDecoded:
		return "decoded"
	case StatusFallback:
		return "fallback"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s ChunkStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Observer receives session progress. Calls for one session are made from a single goroutine.
type Observer interface {
	OnProgress(completed, total int)
	OnError(chunkIndex int, reason string)
	OnSessionEnd()
}

// ObserverFuncs adapts plain functions to Observer; nil fields are skipped.
type ObserverFuncs struct {
	Progress   func(completed, total int)
	Error      func(chunkIndex int, reason string)
	SessionEnd func()
}

func (f ObserverFuncs) OnProgress(completed, total int) {
	if f.Progress != nil {
		f.Progress(completed, total)
	}
}

func (f ObserverFuncs) OnError(chunkIndex int, reason string) {
	if f.Error != nil {
		f.Error(chunkIndex, reason)
	}
}

func (f ObserverFuncs) OnSessionEnd() {
	if f.SessionEnd != nil {
		f.SessionEnd()
	}
}

// EventSink records the session timeline (event store, bus, tests).
type EventSink interface {
	RecordEvent(ctx context.Context, evt protocol.PipelineEvent) error
}

// Options tune chunking, concurrency and retry behaviour.
type Options struct {
	ChunkMaxLen       int
	TargetSampleRate  int
	DefaultSampleRate int
	MaxInFlight       int
	MaxQueuedBuffers  int
	SynthTimeout      time.Duration
	Retries           int
	RetryDelay        time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkMaxLen <= 0 {
		o.ChunkMaxLen = 1000
	}
	if o.TargetSampleRate <= 0 {
		o.TargetSampleRate = 24000
	}
	if o.DefaultSampleRate <= 0 {
		o.DefaultSampleRate = 24000
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 2
	}
	if o.MaxQueuedBuffers <= 0 {
		o.MaxQueuedBuffers = 3
	}
	if o.SynthTimeout <= 0 {
		o.SynthTimeout = 30 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	return o
}
