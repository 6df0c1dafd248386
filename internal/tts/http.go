package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 64 << 20

// HTTPOptions configures an HTTP synthesis backend.
type HTTPOptions struct {
	Endpoint   string
	APIKey     string
	Voice      string
	Format     string
	SampleRate int
	Client     *http.Client
}

// HTTPSynth posts text to `{endpoint}/tts` and accepts either a raw audio body
// or a JSON body of the form {"audio": "<base64>"}.
type HTTPSynth struct {
	endpoint   string
	apiKey     string
	voice      string
	format     string
	sampleRate int
	client     *http.Client
}

type httpRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type httpResponse struct {
	Audio string `json:"audio"`
}

func NewHTTPSynth(opts HTTPOptions) (*HTTPSynth, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("tts: http endpoint must not be empty")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	format := opts.Format
	if format == "" {
		format = "wav"
	}
	return &HTTPSynth{
		endpoint:   endpoint,
		apiKey:     opts.APIKey,
		voice:      opts.Voice,
		format:     format,
		sampleRate: opts.SampleRate,
		client:     client,
	}, nil
}

func (h *HTTPSynth) Name() string { return "http" }

func (h *HTTPSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(httpRequest{Text: text, Voice: h.voice, Format: h.format, SampleRate: h.sampleRate})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/tts", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav, audio/L16, application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, h.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &RejectedError{Backend: h.Name(), StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, h.transportError(ctx, err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var decoded httpResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, fmt.Errorf("decode tts response: %w", err)
		}
		if decoded.Audio == "" {
			return nil, fmt.Errorf("%w: empty audio from %s", ErrUnavailable, h.endpoint)
		}
		audio, err := base64.StdEncoding.DecodeString(decoded.Audio)
		if err != nil {
			return nil, fmt.Errorf("decode tts audio: %w", err)
		}
		return audio, nil
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty audio from %s", ErrUnavailable, h.endpoint)
	}
	return body, nil
}

// Health probes `{endpoint}/health`.
func (h *HTTPSynth) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return h.transportError(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &RejectedError{Backend: h.Name(), StatusCode: resp.StatusCode}
	}
	return nil
}

func (h *HTTPSynth) transportError(ctx context.Context, err error) error {
	if ctxErr := contextError(ctx, err); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
