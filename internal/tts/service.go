package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

const responderQueue = "narrator-tts"

// Responder serves a local Synthesizer to other nodes over request/reply.
type Responder struct {
	subject string
	timeout time.Duration
	bus     *bus.Client
	synth   Synthesizer
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewResponder(parent context.Context, subject string, timeout time.Duration, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Responder {
	ctx, cancel := context.WithCancel(parent)
	if subject == "" {
		subject = protocol.SubjectSynthesize
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Responder{
		subject: subject,
		timeout: timeout,
		bus:     busClient,
		synth:   synth,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-responder")),
	}
}

func (s *Responder) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(s.subject, responderQueue, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("serving synthesis", slog.String("subject", s.subject), slog.String("backend", s.synth.Name()))
	return nil
}

func (s *Responder) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Responder) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Responder) handleRequest(msg *nats.Msg) {
	var req protocol.SynthRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synth request", slogError(err))
		s.respond(msg, protocol.SynthReply{Code: protocol.ReplyCodeRejected, StatusCode: 400, Error: err.Error()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		started := time.Now()
		audio, err := s.synth.Synthesize(ctx, req.Text)
		if err != nil {
			s.logger.Warn("synthesis failed", slog.String("request_id", req.RequestID), slogError(err))
		} else {
			s.logger.Debug("synthesis served",
				slog.String("request_id", req.RequestID),
				slog.Int("bytes", len(audio)),
				slog.Duration("elapsed", time.Since(started)))
		}
		s.respond(msg, replyFor(audio, err))
	}()
}

func (s *Responder) respond(msg *nats.Msg, reply protocol.SynthReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal synth reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send synth reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
