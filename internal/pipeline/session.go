package pipeline

import (
	"context"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/playback"
)

// Session is one end-to-end playback run.
type Session struct {
	ID   string
	Mode string

	chunks    []chunker.Chunk
	scheduler *playback.Scheduler
	cancel    context.CancelCauseFunc
	done      chan struct{}

	mu        sync.Mutex
	statuses  []ChunkStatus
	cursor    int
	completed int
	err       error
}

func newSession(id, mode string, chunks []chunker.Chunk, scheduler *playback.Scheduler, cancel context.CancelCauseFunc) *Session {
	return &Session{
		ID:        id,
		Mode:      mode,
		chunks:    chunks,
		scheduler: scheduler,
		cancel:    cancel,
		done:      make(chan struct{}),
		statuses:  make([]ChunkStatus, len(chunks)),
	}
}

// Done is closed when the session has finished, failed or been cancelled.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends and returns its terminal error, if any.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel stops synthesis and silences output.
func (s *Session) Cancel() { s.stop(ErrStopped) }

// stop is a no-op once the session has finished; its scheduler only ever
// cancels buffers it scheduled itself.
func (s *Session) stop(cause error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.cancel(cause)
	s.scheduler.Stop()
}

// Progress returns (completed, total) chunks.
func (s *Session) Progress() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, len(s.chunks)
}

// Cursor is the index of the next chunk to be handed to playback.
func (s *Session) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Session) Statuses() []ChunkStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChunkStatus(nil), s.statuses...)
}

func (s *Session) Chunks() []chunker.Chunk {
	return append([]chunker.Chunk(nil), s.chunks...)
}

// Schedule exposes the session's playback cursor.
func (s *Session) Schedule() playback.State { return s.scheduler.State() }

// settle records the outcome of chunk i and advances the cursor.
func (s *Session) settle(i int, status ChunkStatus, counted bool) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[i] = status
	s.cursor = i + 1
	if counted {
		s.completed++
	}
	return s.completed, len(s.chunks)
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
	s.cancel(nil)
}
