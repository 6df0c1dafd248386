package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Chain tries backends in order and returns the first audio produced.
type Chain struct {
	backends []Synthesizer
	logger   *slog.Logger
}

func NewChain(logger *slog.Logger, backends ...Synthesizer) (*Chain, error) {
	if len(backends) == 0 {
		return nil, errors.New("tts: chain needs at least one backend")
	}
	return &Chain{backends: backends, logger: logger.With(slog.String("component", "tts-chain"))}, nil
}

func (c *Chain) Name() string {
	names := make([]string, len(c.backends))
	for i, b := range c.backends {
		names[i] = b.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

func (c *Chain) Synthesize(ctx context.Context, text string) ([]byte, error) {
	var errs []error
	for _, backend := range c.backends {
		if err := ctx.Err(); err != nil {
			return nil, contextError(ctx, err)
		}
		audio, err := backend.Synthesize(ctx, text)
		if err == nil {
			return audio, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		c.logger.Debug("backend failed, trying next", slog.String("backend", backend.Name()), slogError(err))
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}
	return nil, fmt.Errorf("%w: every backend failed: %w", ErrUnavailable, errors.Join(errs...))
}
