package playback

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

// Phase is the scheduler lifecycle: Idle and Scheduling alternate within a
// session, Cancelled is terminal.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScheduling
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseScheduling:
		return "scheduling"
	case PhaseCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the per-session schedule cursor.
type State struct {
	NextStartTime float64 `json:"next_start_time"`
	IsPlaying     bool    `json:"is_playing"`
}

// Scheduled describes where a buffer landed on the device timeline.
type Scheduled struct {
	Start float64
	End   float64
	Done  <-chan struct{}
}

// completionSlack absorbs sample rounding when comparing the device clock with a buffer end.
const completionSlack = 0.001

// Finished reports whether a buffer whose Done has closed actually played to its end,
// as opposed to being dropped by a cancel or a device halt.
func (s Scheduled) Finished(now float64) bool {
	return now >= s.End-completionSlack
}

// Scheduler places buffers back to back on a Device. Callers must enqueue in
// playback order; the scheduler never reorders. One Scheduler serves one session.
type Scheduler struct {
	device Device
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	phase      Phase
	generation uint64
	// live holds the completion channels of buffers this scheduler placed on the device.
	live []<-chan struct{}
}

func NewScheduler(device Device, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		device: device,
		logger: logger.With(slog.String("component", "scheduler")),
	}
}

// Enqueue schedules buf at max(next start, device now) and advances the cursor by its duration.
func (s *Scheduler) Enqueue(buf audio.PlaybackBuffer) (Scheduled, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(buf)
}

// PlayNow schedules buf immediately, discarding the cursor from earlier enqueues.
func (s *Scheduler) PlayNow(buf audio.PlaybackBuffer) (Scheduled, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseCancelled {
		s.state.NextStartTime = 0
	}
	return s.enqueueLocked(buf)
}

func (s *Scheduler) enqueueLocked(buf audio.PlaybackBuffer) (Scheduled, error) {
	if s.phase == PhaseCancelled {
		return Scheduled{}, ErrStopped
	}
	if rate := s.device.SampleRate(); buf.SampleRate != rate {
		return Scheduled{}, fmt.Errorf("%w: buffer %d Hz, device %d Hz", ErrRateMismatch, buf.SampleRate, rate)
	}

	start := max(s.state.NextStartTime, s.device.CurrentTime())
	done, err := s.device.Schedule(start, buf.Samples)
	if err != nil {
		return Scheduled{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	end := start + buf.Duration()
	s.live = append(pruneClosed(s.live), done)
	s.state = State{NextStartTime: end, IsPlaying: true}
	s.phase = PhaseScheduling
	s.generation++
	go s.settle(s.generation, done)

	s.logger.Debug("buffer scheduled",
		slog.Float64("start", start),
		slog.Float64("end", end),
		slog.Int("samples", len(buf.Samples)))
	return Scheduled{Start: start, End: end, Done: done}, nil
}

// settle returns to Idle once the most recent buffer has finished.
func (s *Scheduler) settle(generation uint64, done <-chan struct{}) {
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == generation && s.phase == PhaseScheduling {
		s.phase = PhaseIdle
		s.state.IsPlaying = false
	}
}

// Stop drops every buffer this scheduler placed on the device and resets the
// cursor. Buffers scheduled by other schedulers keep playing. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseCancelled {
		return
	}
	for _, done := range s.live {
		s.device.Cancel(done)
	}
	s.live = nil
	s.state = State{}
	s.phase = PhaseCancelled
	s.logger.Debug("scheduler stopped")
}

// Reset clears the cursor after a session played to completion.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseCancelled {
		return
	}
	s.state = State{}
	s.phase = PhaseIdle
	s.generation++
	s.live = pruneClosed(s.live)
}

func pruneClosed(chs []<-chan struct{}) []<-chan struct{} {
	open := chs[:0]
	for _, ch := range chs {
		select {
		case <-ch:
		default:
			open = append(open, ch)
		}
	}
	return open
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}
