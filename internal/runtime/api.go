package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

const maxSpeakBody = 1 << 20

var errUnknownMode = errors.New("mode must be single or stream")

type statusResponse struct {
	Active        bool                   `json:"active"`
	SessionID     string                 `json:"session_id,omitempty"`
	Mode          string                 `json:"mode,omitempty"`
	Completed     int                    `json:"completed"`
	Total         int                    `json:"total"`
	Cursor        int                    `json:"cursor"`
	NextStartTime float64                `json:"next_start_time"`
	IsPlaying     bool                   `json:"is_playing"`
	Chunks        []pipeline.ChunkStatus `json:"chunks,omitempty"`
	Synthesis     string                 `json:"synthesis"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("POST /v1/speak", r.handleSpeak)
	mux.HandleFunc("POST /v1/stop", r.handleStop)
	mux.HandleFunc("GET /v1/status", r.handleStatus)
	mux.HandleFunc("GET /v1/sessions/{id}/events", r.handleSessionEvents)
	return mux
}

// speak starts a session for req; shared by the HTTP and bus surfaces.
func (r *Runtime) speak(req protocol.SpeakRequest) (protocol.SpeakAccepted, error) {
	var (
		session *pipeline.Session
		err     error
	)
	switch req.Mode {
	case "", pipeline.ModeStream:
		session, err = r.orch.Stream(r.ctx, req.Text, nil)
	case pipeline.ModeSingle:
		session, err = r.orch.PlaySingle(r.ctx, req.Text, nil)
	default:
		return protocol.SpeakAccepted{}, fmt.Errorf("%w: got %q", errUnknownMode, req.Mode)
	}
	if err != nil {
		return protocol.SpeakAccepted{}, err
	}
	return protocol.SpeakAccepted{
		RequestID: req.RequestID,
		SessionID: session.ID,
		Chunks:    len(session.Chunks()),
	}, nil
}

func (r *Runtime) handleSpeak(w http.ResponseWriter, req *http.Request) {
	var body protocol.SpeakRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxSpeakBody)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	accepted, err := r.speak(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

func (r *Runtime) handleStop(w http.ResponseWriter, _ *http.Request) {
	stopped := r.orch.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Synthesis: r.synth.Name()}
	if s := r.orch.Active(); s != nil {
		resp.Active = true
		resp.SessionID = s.ID
		resp.Mode = s.Mode
		resp.Completed, resp.Total = s.Progress()
		resp.Cursor = s.Cursor()
		state := s.Schedule()
		resp.NextStartTime = state.NextStartTime
		resp.IsPlaying = state.IsPlaying
		resp.Chunks = s.Statuses()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	if _, ok, err := r.store.GetSession(req.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	} else if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown session"})
		return
	}
	events, err := r.store.ListSessionEvents(req.Context(), id, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if events == nil {
		events = []protocol.PipelineEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	return r.device == nil || r.device.Healthy()
}

// subscribe exposes speak and stop on the bus.
func (r *Runtime) subscribe() error {
	conn := r.bus.Conn()
	speakSub, err := conn.Subscribe(protocol.SubjectSpeak, r.handleSpeakMsg)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectSpeak, err)
	}
	r.subs = append(r.subs, speakSub)
	stopSub, err := conn.Subscribe(protocol.SubjectStop, func(msg *nats.Msg) {
		stopped := r.orch.Stop()
		r.logger.Info("stop requested over bus", slog.Bool("stopped", stopped))
		if msg.Reply != "" {
			data, _ := json.Marshal(map[string]bool{"stopped": stopped})
			_ = msg.Respond(data)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectStop, err)
	}
	r.subs = append(r.subs, stopSub)
	return nil
}

func (r *Runtime) handleSpeakMsg(msg *nats.Msg) {
	var req protocol.SpeakRequest
	var reply any
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.logger.Warn("failed to decode speak request", slog.String("error", err.Error()))
		reply = errorResponse{Error: "invalid speak request: " + err.Error()}
	} else if accepted, err := r.speak(req); err != nil {
		r.logger.Warn("speak request rejected", slog.String("request_id", req.RequestID), slog.String("error", err.Error()))
		reply = errorResponse{Error: err.Error()}
	} else {
		reply = accepted
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		r.logger.Warn("failed to marshal speak reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("failed to send speak reply", slog.String("error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
