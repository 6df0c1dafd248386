package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newTestRuntime(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(dir, "nats")
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Synthesis.Mode = "mock"
	cfg.Output.Mode = "discard"
	cfg.Fallback.Mode = "none"

	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.initComponents(ctx); err != nil {
		cancel()
		rt.closeComponents()
		t.Fatalf("init components: %v", err)
	}
	rt.ready.Store(true)
	srv := httptest.NewServer(rt.routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		rt.closeComponents()
	})
	return rt, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestSpeakRecordsTimeline(t *testing.T) {
	_, srv := newTestRuntime(t)

	resp := postJSON(t, srv.URL+"/v1/speak", protocol.SpeakRequest{RequestID: "req-1", Text: "Hello there", Mode: "stream"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var accepted protocol.SpeakAccepted
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode accepted: %v", err)
	}
	if accepted.SessionID == "" || accepted.Chunks != 1 || accepted.RequestID != "req-1" {
		t.Fatalf("unexpected accepted reply %+v", accepted)
	}

	var events []protocol.PipelineEvent
	deadline := time.Now().Add(5 * time.Second)
	for {
		events = nil
		if code := getJSON(t, srv.URL+"/v1/sessions/"+accepted.SessionID+"/events", &events); code != http.StatusOK {
			t.Fatalf("expected 200 for events, got %d", code)
		}
		if n := len(events); n > 0 && events[n-1].Type == protocol.EventSessionEnded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session did not end, events %+v", events)
		}
		time.Sleep(20 * time.Millisecond)
	}

	want := []string{protocol.EventSessionStarted, protocol.EventChunkEnqueued, protocol.EventProgress, protocol.EventSessionEnded}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), events)
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Fatalf("event %d: got %s, want %s", i, events[i].Type, typ)
		}
	}
	if events[3].Reason != "" || events[3].Completed != 1 {
		t.Fatalf("expected clean completion, got %+v", events[3])
	}
}

func TestSpeakValidation(t *testing.T) {
	_, srv := newTestRuntime(t)

	tests := []struct {
		name string
		body any
	}{
		{"empty text", protocol.SpeakRequest{Text: "  "}},
		{"unknown mode", protocol.SpeakRequest{Text: "hi", Mode: "shout"}},
		{"not json", "just a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/speak", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestStatusAndStop(t *testing.T) {
	_, srv := newTestRuntime(t)

	var status statusResponse
	if code := getJSON(t, srv.URL+"/v1/status", &status); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if status.Active || status.Synthesis != "mock" {
		t.Fatalf("unexpected idle status %+v", status)
	}

	// a long text keeps the session busy long enough to observe it
	resp := postJSON(t, srv.URL+"/v1/speak", protocol.SpeakRequest{Text: "a fairly long sentence to narrate slowly", Mode: "single"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var accepted protocol.SpeakAccepted
	_ = json.NewDecoder(resp.Body).Decode(&accepted)

	deadline := time.Now().Add(2 * time.Second)
	for {
		status = statusResponse{}
		getJSON(t, srv.URL+"/v1/status", &status)
		if status.Active && status.IsPlaying {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never reported playing: %+v", status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if status.SessionID != accepted.SessionID || status.Mode != "single" {
		t.Fatalf("unexpected active status %+v", status)
	}

	stop := postJSON(t, srv.URL+"/v1/stop", struct{}{})
	var stopped map[string]bool
	_ = json.NewDecoder(stop.Body).Decode(&stopped)
	if !stopped["stopped"] {
		t.Fatalf("expected stop to hit the active session, got %v", stopped)
	}
}

func TestUnknownSessionEvents(t *testing.T) {
	_, srv := newTestRuntime(t)
	if code := getJSON(t, srv.URL+"/v1/sessions/missing/events", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestHealthAndReady(t *testing.T) {
	rt, srv := newTestRuntime(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		if code := getJSON(t, srv.URL+path, nil); code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, code)
		}
	}
	rt.ready.Store(false)
	if code := getJSON(t, srv.URL+"/readyz", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when not ready, got %d", code)
	}
}

func TestSpeakOverBus(t *testing.T) {
	rt, _ := newTestRuntime(t)
	nc, err := nats.Connect(rt.nats.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)

	data, _ := json.Marshal(protocol.SpeakRequest{RequestID: "bus-1", Text: "over the bus"})
	msg, err := nc.Request(protocol.SubjectSpeak, data, 2*time.Second)
	if err != nil {
		t.Fatalf("speak request: %v", err)
	}
	var accepted protocol.SpeakAccepted
	if err := json.Unmarshal(msg.Data, &accepted); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if accepted.SessionID == "" || accepted.RequestID != "bus-1" {
		t.Fatalf("unexpected reply %s", msg.Data)
	}

	sub, err := nc.SubscribeSync(protocol.SubjectSessionEventPrefix + "." + accepted.SessionID + ".>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := sub.NextMsg(3 * time.Second); err != nil {
		t.Fatalf("expected a session event on the bus: %v", err)
	}

	reply, err := nc.Request(protocol.SubjectStop, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("stop request: %v", err)
	}
	if !bytes.Contains(reply.Data, []byte("stopped")) {
		t.Fatalf("unexpected stop reply %s", reply.Data)
	}
}
