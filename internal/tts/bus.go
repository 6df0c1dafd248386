package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSynth asks a Responder elsewhere on the bus to synthesize text.
type BusSynth struct {
	conn    *nats.Conn
	subject string
}

func NewBusSynth(conn *nats.Conn, subject string) (*BusSynth, error) {
	if conn == nil {
		return nil, errors.New("tts: bus synthesizer requires a connection")
	}
	if subject == "" {
		subject = protocol.SubjectSynthesize
	}
	return &BusSynth{conn: conn, subject: subject}, nil
}

func (b *BusSynth) Name() string { return "bus" }

func (b *BusSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	data, err := json.Marshal(protocol.SynthRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal synth request: %w", err)
	}
	msg, err := b.conn.RequestWithContext(ctx, b.subject, data)
	if err != nil {
		if ctxErr := contextError(ctx, err); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var reply protocol.SynthReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode synth reply: %w", err)
	}
	switch reply.Code {
	case "":
		if len(reply.Audio) == 0 {
			return nil, fmt.Errorf("%w: empty audio on %s", ErrUnavailable, b.subject)
		}
		return reply.Audio, nil
	case protocol.ReplyCodeRejected:
		return nil, &RejectedError{Backend: b.Name(), StatusCode: reply.StatusCode, Body: reply.Error}
	case protocol.ReplyCodeTimeout:
		return nil, fmt.Errorf("%w: %s", ErrTimeout, reply.Error)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, reply.Error)
	}
}

// replyFor encodes a synthesis outcome for the wire.
func replyFor(audio []byte, err error) protocol.SynthReply {
	if err == nil {
		return protocol.SynthReply{Audio: audio}
	}
	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
		return protocol.SynthReply{Code: protocol.ReplyCodeRejected, StatusCode: rejected.StatusCode, Error: err.Error()}
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return protocol.SynthReply{Code: protocol.ReplyCodeTimeout, Error: err.Error()}
	default:
		return protocol.SynthReply{Code: protocol.ReplyCodeUnavailable, Error: err.Error()}
	}
}
