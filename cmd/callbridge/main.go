package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ent0n29/callbridge/internal/calllog"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/httpapi"
	"github.com/ent0n29/callbridge/internal/logging"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/realtime"
	"github.com/ent0n29/callbridge/internal/relay"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/tools"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf(".env load failed: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("logging init failed: %v", err)
	}
	defer logger.Close()
	mainLog := logger.Component("main")

	runCtx, runCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer runCancel()

	shutdownTracing, err := observability.InitTracing(runCtx, observability.TracingConfig{
		ServiceName:  "callbridge",
		Exporter:     cfg.TraceExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		mainLog.WithError(err).Fatal("tracing init failed")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	metrics.SetStageBudgets(cfg.StageBudgets)

	callLog, err := calllog.NewStore(runCtx, cfg.DatabaseURL)
	if err != nil {
		mainLog.WithError(err).Fatal("call log init failed")
	}
	defer callLog.Close()

	registry := tools.Builtin()

	sessions := session.NewManager(10*time.Minute, metrics.ActiveCalls)
	sessions.SetPurgeHook(func(*session.Session) {
		metrics.CountSessionEvent("purged")
	})
	sessions.StartJanitor(runCtx, 30*time.Second)

	rl := relay.New(relay.Config{
		Machine: relay.MachineConfig{
			Session:           relay.SessionConfig(cfg.Voice, cfg.SystemMessage, cfg.Temperature, registry.Declarations()),
			SettleDelay:       cfg.SettleDelay,
			PendingAudioLimit: cfg.PendingAudioLimit,
		},
		ToolTimeout:  cfg.ToolTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, registry, metrics, logger.Component("relay"))

	dialer := realtime.NewDialer(realtime.DialerConfig{
		URL:              cfg.OpenAIRealtimeURL,
		Model:            cfg.OpenAIRealtimeModel,
		APIKey:           cfg.OpenAIAPIKey,
		HandshakeTimeout: cfg.OpenAIDialTimeout,
	})

	api := httpapi.New(runCtx, cfg, httpapi.Deps{
		Sessions: sessions,
		Calls:    callLog,
		Dialer:   dialer,
		Relay:    rl,
		Tools:    registry,
		Metrics:  metrics,
		Log:      logger.Component("http"),
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		mainLog.WithField("addr", cfg.BindAddr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mainLog.WithError(err).Fatal("listen error")
		}
	}()

	<-runCtx.Done()
	mainLog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		mainLog.WithError(err).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}

	// Media streams are hijacked connections; Shutdown does not wait for them.
	callsDone := make(chan struct{})
	go func() {
		api.Wait()
		close(callsDone)
	}()
	select {
	case <-callsDone:
	case <-shutdownCtx.Done():
		mainLog.WithField("active_calls", sessions.ActiveCount()).Warn("calls still running at shutdown deadline")
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		mainLog.WithError(err).Warn("tracing shutdown failed")
	}
	mainLog.Info("shutdown complete")
}
