// Package fallback provides the degraded device voice used when synthesis fails.
package fallback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/mattn/go-shellwords"
)

var ErrUnavailable = errors.New("fallback: device voice unavailable")

const voicePlaceholder = "{voice}"

// Speaker reads text aloud with no timing guarantees relative to the main pipeline.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// None is a Speaker for hosts without a device voice.
type None struct{}

func (None) Speak(context.Context, string) error { return ErrUnavailable }

// ExecSpeaker pipes text into a local speech command such as espeak-ng.
// A "{voice}" argument is replaced with the configured voice.
type ExecSpeaker struct {
	cmd []string
}

func NewExecSpeaker(command, voice string) (*ExecSpeaker, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse fallback command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("fallback command empty")
	}
	for i, arg := range args {
		args[i] = strings.ReplaceAll(arg, voicePlaceholder, voice)
	}
	return &ExecSpeaker{cmd: args}, nil
}

func (e *ExecSpeaker) Speak(ctx context.Context, text string) error {
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("fallback speak: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// New builds the Speaker selected by cfg.Mode.
func New(cfg config.FallbackConfig) (Speaker, error) {
	switch cfg.Mode {
	case "none", "":
		return None{}, nil
	case "exec":
		return NewExecSpeaker(cfg.Command, cfg.Voice)
	default:
		return nil, fmt.Errorf("fallback: unknown mode %q", cfg.Mode)
	}
}
