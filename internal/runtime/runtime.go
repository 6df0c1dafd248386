package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/fallback"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/playback"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/nats-io/nats.go"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	ctx       context.Context
	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	synth     tts.Synthesizer
	responder *tts.Responder
	device    *playback.StreamDevice
	orch      *pipeline.Orchestrator
	subs      []*nats.Subscription
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricHandler

	if err := r.initComponents(ctx); err != nil {
		r.closeComponents()
		r.shutdownTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("synthesis", r.synth.Name()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.closeComponents()
	r.shutdownTelemetry()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) shutdownTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

// initComponents brings up the bus, event store, synthesis backend, output device and orchestrator.
func (r *Runtime) initComponents(ctx context.Context) error {
	r.ctx = ctx
	cfg := r.cfg

	embedded, err := natsserver.Start(cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.nats = embedded

	if cfg.Bus.Enabled {
		busCfg := cfg.Bus
		if url := embedded.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		client, err := bus.Connect(ctx, cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	var conn *nats.Conn
	if r.bus != nil {
		conn = r.bus.Conn()
	}
	synth, err := tts.New(cfg.Synthesis, conn, r.logger)
	if err != nil {
		return fmt.Errorf("build synthesizer: %w", err)
	}
	r.synth = synth

	timeout := time.Duration(cfg.Synthesis.TimeoutMS) * time.Millisecond
	if cfg.Synthesis.ServeOnBus && r.bus != nil {
		if cfg.Synthesis.Mode == "bus" {
			r.logger.Warn("serve_on_bus ignored: synthesis already uses the bus")
		} else {
			r.responder = tts.NewResponder(ctx, cfg.Synthesis.Subject, timeout, r.bus, synth, r.logger)
			if err := r.responder.Start(); err != nil {
				return fmt.Errorf("start synthesis responder: %w", err)
			}
		}
	}

	speaker, err := fallback.New(cfg.Fallback)
	if err != nil {
		return fmt.Errorf("build fallback speaker: %w", err)
	}

	sink, err := openOutput(cfg.Output)
	if err != nil {
		return err
	}
	frame := time.Duration(cfg.Output.FrameDurationMS) * time.Millisecond
	r.device = playback.NewStreamDevice(sink, cfg.Pipeline.TargetSampleRate, frame, r.logger)

	sinks := []pipeline.EventSink{store}
	if r.bus != nil {
		sinks = append(sinks, bus.NewPublisher(r.bus))
	}
	r.orch = pipeline.New(synth, speaker, r.device, pipeline.Options{
		ChunkMaxLen:       cfg.Pipeline.ChunkMaxLen,
		TargetSampleRate:  cfg.Pipeline.TargetSampleRate,
		DefaultSampleRate: cfg.Synthesis.DefaultSampleRate,
		MaxInFlight:       cfg.Synthesis.MaxInFlight,
		MaxQueuedBuffers:  cfg.Pipeline.MaxQueuedBuffers,
		SynthTimeout:      timeout,
		Retries:           cfg.Synthesis.Retries,
		RetryDelay:        time.Duration(cfg.Synthesis.RetryDelayMS) * time.Millisecond,
	}, r.logger, sinks...)

	if r.bus != nil {
		if err := r.subscribe(); err != nil {
			return err
		}
	}
	return nil
}

func openOutput(cfg config.OutputConfig) (io.WriteCloser, error) {
	switch cfg.Mode {
	case "discard":
		return playback.DiscardSink(), nil
	default:
		sink, err := playback.OpenCommandSink(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("open audio output: %w", err)
		}
		return sink, nil
	}
}

func (r *Runtime) closeComponents() {
	if r.orch != nil {
		if s := r.orch.Active(); s != nil {
			s.Cancel()
			select {
			case <-s.Done():
			case <-time.After(2 * time.Second):
			}
		}
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
	if r.responder != nil {
		r.responder.Close()
	}
	if r.device != nil {
		if err := r.device.Close(); err != nil {
			r.logger.Warn("audio output close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}
