package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/nats-io/nats.go"
)

func TestStartDisabled(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Start(config.BusConfig{Enabled: true, Embedded: false}, log)
	if err != nil || srv != nil {
		t.Fatalf("expected no server, got %v %v", srv, err)
	}
	// nil-safe helpers
	srv.Shutdown()
	if srv.ClientURL() != "" {
		t.Fatal("expected empty url for nil server")
	}
}

func TestStartEmbedded(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	if !conn.IsConnected() {
		t.Fatal("expected connected client")
	}
}
