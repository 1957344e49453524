package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-sign/internal/bridge"
	"github.com/loqalabs/loqa-sign/internal/bus"
	"github.com/loqalabs/loqa-sign/internal/channel"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/eventstore"
	"github.com/loqalabs/loqa-sign/internal/natsserver"
	"github.com/loqalabs/loqa-sign/internal/pipeline"
	"github.com/loqalabs/loqa-sign/internal/protocol"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	sessionID string

	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	bridge   *bridge.Service
	pipeline *pipeline.Pipeline

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		sessionID: uuid.NewString(),
	}
}

// Start brings every component up, serves HTTP and blocks until ctx is
// cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
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

	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.wg.Add(1)
	go r.pruneLoop(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("session_id", r.sessionID),
		slog.String("backend", r.cfg.Channel.URL))

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

	r.stopComponents()
	r.shutdownTelemetry()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	var err error
	r.store, err = eventstore.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if err := r.store.BeginSession(ctx, r.sessionID, r.cfg.Channel.URL); err != nil {
		r.logger.Warn("failed to record session", slog.String("error", err.Error()))
	}

	if r.cfg.Bus.Enabled {
		r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		busCfg := r.cfg.Bus
		if r.nats != nil {
			busCfg.Servers = []string{r.nats.ClientURL()}
		}
		r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		if stream := r.cfg.Bus.SentenceStream; stream != "" {
			if err := r.bus.EnsureStream(stream, protocol.SubjectSentence); err != nil {
				r.logger.Warn("sentence stream unavailable", slog.String("error", err.Error()))
			}
		}
	}

	r.bridge = bridge.NewService(ctx, r.sessionID, r.bus, r.store, r.logger)

	chOpts := channel.OptionsFrom(r.cfg.Channel)
	r.pipeline, err = pipeline.New(pipeline.Options{
		Config:     r.cfg.Pipeline,
		Vocabulary: r.cfg.Vocabulary,
		Channel:    chOpts,
		AutoOpen:   r.cfg.Channel.AutoOpen,
		Logger:     r.logger.With(slog.String("session_id", r.sessionID)),
		Hooks:      r.bridge.Hooks(),
	})
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	r.bridge.Attach(r.pipeline)

	if err := r.bridge.Start(); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	if err := r.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	return nil
}

// stopComponents tears down in reverse start order. Safe on partially
// started runtimes.
func (r *Runtime) stopComponents() {
	if r.pipeline != nil {
		r.pipeline.Stop()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("history close error", slog.String("error", err.Error()))
		}
	}
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

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("history prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
