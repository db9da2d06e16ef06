// Package voxbridge assembles the configured pieces into a runnable
// service: provider factories, session registry, HTTP server, metrics
// fan-out, and the drain-on-shutdown lifecycle.
package voxbridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/voxkit/voxbridge/pkg/adapters/model"
	"github.com/voxkit/voxbridge/pkg/logging"
	"github.com/voxkit/voxbridge/pkg/metrics"
	"github.com/voxkit/voxbridge/pkg/observers"
	"github.com/voxkit/voxbridge/pkg/redact"
	"github.com/voxkit/voxbridge/pkg/runner"
	"github.com/voxkit/voxbridge/pkg/server"
	"github.com/voxkit/voxbridge/pkg/session"
)

type Engine struct {
	cfg       Config
	providers *ProviderRegistry
	registry  *session.Registry
	srv       *server.Server
	runner    *runner.LifecycleRunner
	asyncObs  *metrics.AsyncObserver
	log       *slog.Logger

	timelineObs *observers.TimelineObserver
	costObs     *observers.CostObserver
	jsonlFile   *os.File
}

func NewEngine(cfg Config, providers *ProviderRegistry) (*Engine, error) {
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)
	if providers == nil {
		providers = DefaultProviderRegistry()
	}

	logger.Info("voxbridge_init",
		"environment", cfg.Environment,
		"upstream_provider", cfg.Upstream.Provider,
		"tts_provider", cfg.TTS.Provider,
		"addr", cfg.Server.Addr,
	)

	modelFactory, err := providers.BuildModelFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("upstream provider: %w", err)
	}
	synthFactory, err := providers.BuildSynthesizerFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("tts provider: %w", err)
	}

	e := &Engine{cfg: cfg, providers: providers, log: logger}

	obsList := []metrics.Observer{
		observers.NewLatencyObserver(logger),
		observers.NewLoggerObserver(logger),
	}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		}
		e.timelineObs = observers.NewTimelineObserver(dir)
		e.costObs = observers.NewCostObserver(dir)
		obsList = append(obsList, e.timelineObs, e.costObs)
	}
	if path := strings.TrimSpace(cfg.Metrics.JSONLPath); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics jsonl: %w", err)
		}
		e.jsonlFile = f
		obsList = append(obsList, metrics.NewJSONLObserver(f))
	}
	var inner metrics.Observer = observers.NewMultiObserver(obsList...)
	if cfg.Metrics.SampleRate < 1 {
		inner = metrics.NewSamplingObserver(inner, cfg.Metrics.SampleRate)
	}
	e.asyncObs = metrics.NewAsyncObserver(inner, 2048)

	e.registry = session.NewRegistry(logging.NewComponentLogger(logger, "registry"))
	connCfg := session.Config{
		OutgoingMax:      cfg.WS.OutgoingMax,
		IncomingAudioMax: cfg.WS.IncomingAudioMax,
		TTSChunkBytes:    cfg.WS.TTSChunkBytes,
		ConnectTimeout:   cfg.Upstream.ConnectTimeout(),
	}
	sessionLog := logging.NewComponentLogger(logger, "session")

	factory := func(sessionID string, ch session.ClientChannel) (*session.Connection, error) {
		synth := synthFactory(sessionID)
		var conn *session.Connection
		newModel := func() model.StreamingModel {
			return modelFactory(sessionID, conn.TraceID())
		}
		conn = session.NewConnection(sessionID, ch, newModel, synth, e.asyncObs, sessionLog, connCfg)
		return conn, nil
	}

	e.srv = server.New(server.Config{
		Addr:           cfg.Server.Addr,
		StaticDir:      cfg.Server.StaticDir,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadLimit:      cfg.Server.ReadLimitBytes,
	}, e.registry, factory, logging.NewComponentLogger(logger, "server"))

	hooks := runner.Hooks{
		OnStart: func() {
			logger.Info("engine_ready", "addr", cfg.Server.Addr)
		},
		OnStop: func() {
			e.asyncObs.Close()
			if e.timelineObs != nil {
				_ = e.timelineObs.Close()
			}
			if e.costObs != nil {
				_ = e.costObs.Close()
			}
			if e.jsonlFile != nil {
				_ = e.jsonlFile.Close()
			}
			logger.Info("shutdown",
				"goroutines", runtime.NumGoroutine(),
				"active_sessions", e.registry.Count(),
				"metrics_dropped", e.asyncObs.Dropped(),
			)
		},
	}
	drainer := runner.DrainerFunc(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.srv.Shutdown(shutdownCtx)
		cancel()

		e.registry.SetDraining(true)
		e.registry.CloseAll("server shutdown")
		waitCtx, cancelWait := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancelWait()
		return e.registry.WaitForEmpty(waitCtx, 200*time.Millisecond)
	})
	e.runner = runner.NewLifecycleRunner(drainer, hooks, 30*time.Second)

	return e, nil
}

// Run serves until ctx is cancelled or the listener fails, then drains.
func (e *Engine) Run(ctx context.Context) error {
	go func() {
		if err := e.srv.Start(); err != nil {
			e.log.Error("http server failed", "error", err)
			_ = e.runner.Stop()
		}
	}()
	return e.runner.Run(ctx)
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) Registry() *session.Registry { return e.registry }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) State() runner.State { return e.runner.State() }
