package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnavailable = errors.New("tts: backend unavailable")
	ErrRejected    = errors.New("tts: backend rejected request")
	ErrTimeout     = errors.New("tts: synthesis timed out")
)

// Synthesizer turns one piece of text into raw audio bytes (WAV or headerless PCM16).
// Implementations make one backend call per invocation and must be safe for concurrent use.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// RejectedError reports a backend that answered with a failure status.
type RejectedError struct {
	Backend    string
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tts: %s rejected request: status %d", e.Backend, e.StatusCode)
	}
	return fmt.Sprintf("tts: %s rejected request: status %d: %s", e.Backend, e.StatusCode, e.Body)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// IsRetryable is true for rate limiting and server-side failures.
func (e *RejectedError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable reports whether err is a rejection worth another attempt.
func IsRetryable(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected) && rejected.IsRetryable()
}

// contextError maps a context failure onto the synthesis taxonomy.
func contextError(ctx context.Context, cause error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, cause)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}
