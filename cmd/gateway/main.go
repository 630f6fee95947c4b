// Command gateway starts the Android screen-streaming and capture gateway:
// device discovery over the debug bridge, per-device H.264 ingest sessions,
// JPEG capture workers, and the WebSocket/SSE transport surface that exposes
// them.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"

	"devicecast/internal/bridge"
	"devicecast/internal/capture"
	"devicecast/internal/clients"
	"devicecast/internal/config"
	"devicecast/internal/ingest"
	"devicecast/internal/observability/logging"
	"devicecast/internal/observability/metrics"
	"devicecast/internal/server"
	"devicecast/internal/serverutil"
	"devicecast/internal/wsapi"
)

func main() {
	cfg, err := config.LoadEnv()
	if err != nil {
		logging.Init(logging.Config{}).Error("load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{
		Level:     os.Getenv("GATEWAY_LOG_LEVEL"),
		Format:    os.Getenv("GATEWAY_LOG_FORMAT"),
		SentryDSN: os.Getenv("GATEWAY_SENTRY_DSN"),
	})
	recorder := metrics.Default()

	adbBridge := bridge.NewExecBridge(firstNonEmpty(os.Getenv("GATEWAY_ADB_PATH"), "adb"))

	notifier := wsapi.NewDeviceNotifier(logger)
	devices := bridge.NewRegistry(adbBridge, notifier, logger)
	monitor := bridge.NewMonitor(adbBridge, devices, logger)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		logger.Error("create scheduler", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	agentCfg := bridge.AgentConfig{JarPath: cfg.AgentJarPath}
	sessions := ingest.NewManager(func(serial string, sessionCfg ingest.SessionConfig) ingest.ByteSource {
		return bridge.NewAgentClient(serial, adbBridge, agentCfg, logger)
	}, scheduler, logger)

	captures := capture.NewManager(sessions, capture.WorkerConfig{
		OutputDir:      cfg.CaptureOutputDir,
		DefaultQuality: cfg.CaptureJPEGQuality,
	}, logger)

	registry := clients.NewRegistry(sessions, cfg.StreamIdleTimeout, scheduler, logger)

	handlers := &wsapi.Handlers{
		Devices:        devices,
		Sessions:       sessions,
		Captures:       captures,
		Clients:        registry,
		Logger:         logger,
		DefaultQuality: cfg.CaptureJPEGQuality,
	}

	srv, err := server.New(handlers, notifier, server.Config{
		Addr: cfg.Addr,
		CORS: server.CORSConfig{
			Origins:  cfg.CORSAllowOrigins,
			AllowAll: cfg.AllowAllOrigins(),
		},
		RateLimit: server.RateLimitConfig{GlobalRPS: 50, GlobalBurst: 100},
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		logger.Error("initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor.Start(ctx)

	certFile, keyFile := srv.TLSFiles()
	logger.Info("devicecast gateway listening", "addr", cfg.Addr)
	runCfg := serverutil.Config{
		Server: srv.HTTPServer(),
		TLS:    serverutil.TLSConfig{CertFile: certFile, KeyFile: keyFile},
	}
	runErr := serverutil.Run(ctx, runCfg)
	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		logger.Error("server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	captures.StopAll(shutdownCtx)
	sessions.StopAll(shutdownCtx)
	if err := scheduler.Shutdown(); err != nil {
		logger.Warn("scheduler shutdown failed", "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
