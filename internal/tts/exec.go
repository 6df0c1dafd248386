package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecSynth runs a local synthesis process per call. The process receives a JSON
// request on stdin and streams NDJSON lines {"pcm_base64": "...", "final": bool}.
type ExecSynth struct {
	cmd        []string
	voice      string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command, voice string, sampleRate int) (*ExecSynth, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &ExecSynth{cmd: args, voice: voice, sampleRate: sampleRate, channels: 1}, nil
}

func (e *ExecSynth) Name() string { return "exec" }

// Synthesize returns the process output wrapped in a WAV header so the rate travels with it.
func (e *ExecSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	data, err := json.Marshal(execRequest{Text: text, Voice: e.voice, SampleRate: e.sampleRate, Channels: e.channels})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("tts stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("%w: start %s: %v", ErrUnavailable, e.cmd[0], err)
	}

	var pcm []byte
	var parseErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			parseErr = fmt.Errorf("decode tts output: %w", err)
			break
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			parseErr = fmt.Errorf("decode tts pcm: %w", err)
			break
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	if parseErr == nil {
		parseErr = scanner.Err()
	}
	if parseErr != nil {
		// unblock the writer before waiting
		_ = cmd.Process.Kill()
	} else {
		_, _ = io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	if ctxErr := contextError(ctx, waitErr); ctxErr != nil {
		return nil, ctxErr
	}
	if parseErr != nil {
		return nil, parseErr
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, &RejectedError{Backend: e.Name(), StatusCode: exitErr.ExitCode(), Body: strings.TrimSpace(stderr.String())}
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, waitErr)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: %s produced no audio", ErrUnavailable, e.cmd[0])
	}
	return audio.WrapPCM16(pcm, e.sampleRate, e.channels), nil
}
