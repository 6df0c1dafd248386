package tts

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/nats-io/nats.go"
)

// New builds the synthesizer selected by cfg.Mode. conn is required for mode=bus.
func New(cfg config.SynthesisConfig, conn *nats.Conn, logger *slog.Logger) (Synthesizer, error) {
	if cfg.Mode == "chain" {
		backends := make([]Synthesizer, 0, len(cfg.Chain))
		for _, mode := range cfg.Chain {
			backend, err := newBackend(mode, cfg, conn)
			if err != nil {
				return nil, fmt.Errorf("chain backend %s: %w", mode, err)
			}
			backends = append(backends, backend)
		}
		return NewChain(logger, backends...)
	}
	return newBackend(cfg.Mode, cfg, conn)
}

func newBackend(mode string, cfg config.SynthesisConfig, conn *nats.Conn) (Synthesizer, error) {
	switch mode {
	case "http":
		return NewHTTPSynth(HTTPOptions{
			Endpoint:   cfg.Endpoint,
			APIKey:     cfg.APIKey,
			Voice:      cfg.Voice,
			Format:     cfg.Format,
			SampleRate: cfg.DefaultSampleRate,
		})
	case "exec":
		return NewExecSynth(cfg.Command, cfg.Voice, cfg.DefaultSampleRate)
	case "bus":
		return NewBusSynth(conn, cfg.Subject)
	case "mock":
		return NewMockSynth(cfg.DefaultSampleRate, 0), nil
	case "chain":
		return nil, errors.New("tts: chains cannot nest")
	default:
		return nil, fmt.Errorf("tts: unknown mode %q", mode)
	}
}
