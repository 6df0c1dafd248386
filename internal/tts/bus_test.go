package tts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), "tts-test", cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBusSynthRoundTrip(t *testing.T) {
	client := startBus(t)
	mock := NewMockSynth(24000, 0)
	responder := NewResponder(context.Background(), "tts.test", time.Second, client, mock, newLogger())
	if err := responder.Start(); err != nil {
		t.Fatalf("start responder: %v", err)
	}
	t.Cleanup(responder.Close)
	if !responder.Healthy() {
		t.Fatal("expected healthy responder")
	}

	synth, err := NewBusSynth(client.Conn(), "tts.test")
	if err != nil {
		t.Fatalf("new bus synth: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := synth.Synthesize(ctx, "over the wire")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	want, _ := NewMockSynth(24000, 0).Synthesize(ctx, "over the wire")
	if len(data) != len(want) {
		t.Fatalf("expected %d bytes, got %d", len(want), len(data))
	}
}

func TestBusSynthPropagatesRejection(t *testing.T) {
	client := startBus(t)
	backend := &stubSynth{name: "stub", err: &RejectedError{Backend: "stub", StatusCode: 503, Body: "busy"}}
	responder := NewResponder(context.Background(), "tts.reject", time.Second, client, backend, newLogger())
	if err := responder.Start(); err != nil {
		t.Fatalf("start responder: %v", err)
	}
	t.Cleanup(responder.Close)

	synth, _ := NewBusSynth(client.Conn(), "tts.reject")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := synth.Synthesize(ctx, "x")
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.StatusCode != 503 || !IsRetryable(err) {
		t.Fatalf("expected retryable rejection, got %v", err)
	}
}

func TestBusSynthNoResponders(t *testing.T) {
	client := startBus(t)
	synth, _ := NewBusSynth(client.Conn(), "tts.nobody")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := synth.Synthesize(ctx, "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
