package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/fallback"
	"github.com/loqalabs/loqa-narrator/internal/playback"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Orchestrator owns the output device and runs at most one Session on it at a time.
type Orchestrator struct {
	synth   tts.Synthesizer
	speaker fallback.Speaker
	device  playback.Device
	sinks   []EventSink
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
	newID   func() string

	mu     sync.Mutex
	active *Session
}

func New(synth tts.Synthesizer, speaker fallback.Speaker, device playback.Device, opts Options, logger *slog.Logger, sinks ...EventSink) *Orchestrator {
	logger = logger.With(slog.String("component", "pipeline"))
	if speaker == nil {
		speaker = fallback.None{}
	}
	m, err := newMetrics()
	if err != nil {
		logger.Warn("pipeline metrics disabled", slogError(err))
		m = nil
	}
	return &Orchestrator{
		synth:   synth,
		speaker: speaker,
		device:  device,
		sinks:   sinks,
		opts:    opts.withDefaults(),
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		metrics: m,
		newID:   uuid.NewString,
	}
}

// PlaySingle synthesizes text in one call and plays it immediately.
func (o *Orchestrator) PlaySingle(ctx context.Context, text string, obs Observer) (*Session, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	return o.start(ctx, ModeSingle, []chunker.Chunk{{Index: 0, Text: text}}, obs), nil
}

// Stream chunks text and plays the chunks back to back in order.
func (o *Orchestrator) Stream(ctx context.Context, text string, obs Observer) (*Session, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	return o.start(ctx, ModeStream, chunker.Split(text, o.opts.ChunkMaxLen), obs), nil
}

// Stop cancels the active session, if any.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return false
	}
	o.active.stop(ErrStopped)
	return true
}

// Active returns the running session or nil.
func (o *Orchestrator) Active() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *Orchestrator) start(ctx context.Context, mode string, chunks []chunker.Chunk, obs Observer) *Session {
	if obs == nil {
		obs = ObserverFuncs{}
	}
	sessionCtx, cancel := context.WithCancelCause(ctx)
	s := newSession(o.newID(), mode, chunks, playback.NewScheduler(o.device, o.logger), cancel)

	o.mu.Lock()
	if prev := o.active; prev != nil {
		// release the device before the new session schedules anything
		prev.stop(ErrSuperseded)
		o.logger.Info("session superseded", slog.String("session_id", prev.ID), slog.String("by", s.ID))
	}
	o.active = s
	o.mu.Unlock()

	o.metrics.sessionStarted()
	o.logger.Info("session started", slog.String("session_id", s.ID), slog.String("mode", mode), slog.Int("chunks", len(chunks)))
	o.record(sessionCtx, s, protocol.PipelineEvent{Type: protocol.EventSessionStarted, Total: len(chunks), Reason: mode})

	go o.run(sessionCtx, s, obs)
	return s
}

type synthResult struct {
	audio []byte
	err   error
}

func (o *Orchestrator) run(ctx context.Context, s *Session, obs Observer) {
	ctx, span := o.tracer.Start(ctx, "pipeline.session", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("session.mode", s.Mode),
		attribute.Int("session.chunks", len(s.chunks)),
	))
	defer span.End()

	err := o.play(ctx, s, obs)

	if err == nil {
		s.scheduler.Reset()
	} else {
		s.scheduler.Stop()
		span.SetStatus(codes.Error, err.Error())
	}

	o.mu.Lock()
	if o.active == s {
		o.active = nil
	}
	o.mu.Unlock()
	o.metrics.sessionEnded()

	completed, total := s.Progress()
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	// the session context may already be cancelled; the end event must still land
	o.record(context.WithoutCancel(ctx), s, protocol.PipelineEvent{Type: protocol.EventSessionEnded, Completed: completed, Total: total, Reason: reason})
	o.logger.Info("session ended",
		slog.String("session_id", s.ID),
		slog.Int("completed", completed),
		slog.Int("total", total),
		slog.String("reason", reason))
	obs.OnSessionEnd()
	s.finish(err)
}

// play issues synthesis with bounded concurrency and hands results to playback in chunk order.
func (o *Orchestrator) play(ctx context.Context, s *Session, obs Observer) error {
	total := len(s.chunks)
	results := make([]chan synthResult, total)
	for i := range results {
		results[i] = make(chan synthResult, 1)
	}

	// window bounds how far synthesis may run ahead of playback
	window := make(chan struct{}, o.opts.MaxInFlight+o.opts.MaxQueuedBuffers)
	workCtx, stopWork := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(workCtx)
	g.SetLimit(o.opts.MaxInFlight)
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for i, chunk := range s.chunks {
			select {
			case window <- struct{}{}:
			case <-gctx.Done():
				return
			}
			g.Go(func() error {
				if gctx.Err() != nil {
					results[i] <- synthResult{err: context.Cause(gctx)}
					return nil
				}
				data, err := o.synthesize(gctx, s, chunk)
				results[i] <- synthResult{audio: data, err: err}
				return nil
			})
		}
	}()
	defer func() {
		stopWork()
		<-producerDone
		_ = g.Wait()
	}()

	var pending []playback.Scheduled
	for i, chunk := range s.chunks {
		var res synthResult
		select {
		case res = <-results[i]:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		buf, reason := o.prepare(chunk, res)
		if reason == "" {
			var err error
			pending, err = o.waitForRoom(ctx, pending, o.opts.MaxQueuedBuffers-1)
			if err != nil {
				return err
			}
			var sched playback.Scheduled
			if s.Mode == ModeSingle {
				sched, err = s.scheduler.PlayNow(buf)
			} else {
				sched, err = s.scheduler.Enqueue(buf)
			}
			if err != nil {
				if errors.Is(err, playback.ErrStopped) {
					return stoppedCause(ctx)
				}
				o.logger.Error("playback device failed", slog.String("session_id", s.ID), slogError(err))
				return err
			}
			pending = append(pending, sched)
			completed, total := s.settle(i, StatusDecoded, true)
			o.metrics.chunk(ctx, outcomeEnqueued, s.Mode)
			o.logger.Debug("chunk enqueued",
				slog.String("session_id", s.ID),
				slog.Int("chunk", i),
				slog.Float64("start", sched.Start),
				slog.Float64("end", sched.End))
			o.record(ctx, s, protocol.PipelineEvent{Type: protocol.EventChunkEnqueued, ChunkIndex: i, Completed: completed, Total: total})
			o.record(ctx, s, protocol.PipelineEvent{Type: protocol.EventProgress, Completed: completed, Total: total})
			obs.OnProgress(completed, total)
		} else {
			var err error
			pending, err = o.speakFallback(ctx, s, obs, chunk, reason, pending)
			if err != nil {
				return err
			}
		}
		<-window
	}

	// the session lasts until its audio has played out
	_, err := o.waitForRoom(ctx, pending, 0)
	return err
}

func stoppedCause(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ErrStopped
}

// prepare decodes a synthesis result; a non-empty reason routes the chunk to the fallback voice.
func (o *Orchestrator) prepare(chunk chunker.Chunk, res synthResult) (audio.PlaybackBuffer, string) {
	if res.err != nil {
		return audio.PlaybackBuffer{}, fmt.Sprintf("synthesis: %v", res.err)
	}
	decoded, err := audio.Decode(res.audio, o.opts.DefaultSampleRate)
	if err != nil {
		return audio.PlaybackBuffer{}, fmt.Sprintf("decode: %v", err)
	}
	return audio.ToPlayback(decoded, o.opts.TargetSampleRate), ""
}

func (o *Orchestrator) speakFallback(ctx context.Context, s *Session, obs Observer, chunk chunker.Chunk, reason string, pending []playback.Scheduled) ([]playback.Scheduled, error) {
	o.logger.Warn("chunk routed to device voice",
		slog.String("session_id", s.ID),
		slog.Int("chunk", chunk.Index),
		slog.String("reason", reason))
	o.record(ctx, s, protocol.PipelineEvent{Type: protocol.EventChunkFallback, ChunkIndex: chunk.Index, Reason: reason})

	// let queued audio finish so the two voices do not overlap
	pending, err := o.waitForRoom(ctx, pending, 0)
	if err != nil {
		return pending, err
	}

	if err := o.speaker.Speak(ctx, chunk.Text); err != nil {
		if ctx.Err() != nil {
			return pending, context.Cause(ctx)
		}
		failure := fmt.Sprintf("%s; fallback: %v", reason, err)
		s.settle(chunk.Index, StatusFailed, false)
		o.metrics.chunk(ctx, outcomeFailed, s.Mode)
		o.logger.Error("chunk failed", slog.String("session_id", s.ID), slog.Int("chunk", chunk.Index), slog.String("reason", failure))
		o.record(ctx, s, protocol.PipelineEvent{Type: protocol.EventChunkFailed, ChunkIndex: chunk.Index, Reason: failure})
		obs.OnError(chunk.Index, failure)
		return pending, nil
	}

	completed, total := s.settle(chunk.Index, StatusFallback, true)
	o.metrics.chunk(ctx, outcomeFallback, s.Mode)
	o.record(ctx, s, protocol.PipelineEvent{Type: protocol.EventProgress, Completed: completed, Total: total})
	obs.OnProgress(completed, total)
	return pending, nil
}

// waitForRoom blocks until at most limit scheduled buffers are still playing.
// A buffer released before the device clock reached its end was dropped by
// the device, which ends the session with playback.ErrInterrupted.
func (o *Orchestrator) waitForRoom(ctx context.Context, pending []playback.Scheduled, limit int) ([]playback.Scheduled, error) {
	if limit < 0 {
		limit = 0
	}
	for len(pending) > limit {
		select {
		case <-pending[0].Done:
		case <-ctx.Done():
			return pending, context.Cause(ctx)
		}
		if ctx.Err() != nil {
			return pending, context.Cause(ctx)
		}
		if now := o.device.CurrentTime(); !pending[0].Finished(now) {
			o.logger.Error("playback interrupted",
				slog.Float64("end", pending[0].End),
				slog.Float64("device_time", now))
			return pending, fmt.Errorf("%w at %.3fs", playback.ErrInterrupted, now)
		}
		pending = pending[1:]
	}
	return pending, nil
}

// synthesize runs one chunk through the backend with a per-call timeout and
// retries rejections the backend marks as transient.
func (o *Orchestrator) synthesize(ctx context.Context, s *Session, chunk chunker.Chunk) ([]byte, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.chunk", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.Int("chunk.index", chunk.Index),
		attribute.Int("chunk.runes", len([]rune(chunk.Text))),
	))
	defer span.End()

	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.opts.SynthTimeout)
		started := time.Now()
		data, err := o.synth.Synthesize(callCtx, chunk.Text)
		cancel()
		o.metrics.observeLatency(ctx, o.synth.Name(), float64(time.Since(started).Microseconds())/1000, err == nil)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, tts.ErrTimeout) {
			err = fmt.Errorf("%w: %v", tts.ErrTimeout, err)
		}
		span.RecordError(err)
		if attempt >= o.opts.Retries || errors.Is(err, tts.ErrUnavailable) || !tts.IsRetryable(err) {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		o.logger.Debug("retrying synthesis",
			slog.String("session_id", s.ID),
			slog.Int("chunk", chunk.Index),
			slog.Int("attempt", attempt+1),
			slogError(err))
		select {
		case <-time.After(o.opts.RetryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, s *Session, evt protocol.PipelineEvent) {
	evt.SessionID = s.ID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	for _, sink := range o.sinks {
		if err := sink.RecordEvent(ctx, evt); err != nil {
			o.logger.Warn("failed to record pipeline event", slog.String("type", evt.Type), slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
