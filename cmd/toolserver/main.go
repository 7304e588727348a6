package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/hindsight-io/hindsight/internal/breaker"
	"github.com/hindsight-io/hindsight/internal/cache"
	"github.com/hindsight-io/hindsight/internal/config"
	"github.com/hindsight-io/hindsight/internal/opsbus"
	"github.com/hindsight-io/hindsight/internal/queue"
	"github.com/hindsight-io/hindsight/internal/server"
	"github.com/hindsight-io/hindsight/internal/telemetry"
	"github.com/hindsight-io/hindsight/internal/templates"
	"github.com/hindsight-io/hindsight/internal/tickets"
	"github.com/hindsight-io/hindsight/internal/vault"
	"github.com/hindsight-io/hindsight/internal/warehouse"
)

const serviceName = "hindsight-toolserver"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration failed", zap.Error(err))
	}

	// --- OpenTelemetry ---
	if cfg.OTLPEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), serviceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), serviceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	// --- Credential vault ---
	v, err := vault.Open(cfg.VaultPath, cfg.VaultKey, logger)
	if err != nil {
		logger.Fatal("credential vault failed to open", zap.Error(err))
	}
	creds, err := cfg.Identities()
	if err != nil {
		logger.Fatal("no usable warehouse identities", zap.Error(err))
	}
	if err := v.Seed(creds); err != nil {
		logger.Fatal("credential vault seed failed", zap.Error(err))
	}

	// --- Warehouse: templates, breaker, manager, monitor ---
	registry, err := templates.New()
	if err != nil {
		logger.Fatal("template self-check failed", zap.Error(err))
	}
	brk := breaker.New(breaker.Config{}, logger)
	cleanupStop := make(chan struct{})
	go brk.RunCleanup(cleanupStop)
	defer close(cleanupStop)

	manager := warehouse.NewManager(cfg, v, brk, registry, logger)
	defer manager.Close()

	bus, err := opsbus.Connect(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("ops bus connection failed", zap.Error(err))
	}
	defer bus.Close()

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	defer monitorCancel()
	monitor := warehouse.NewMonitor(manager, v, brk, bus, logger)
	go monitor.Run(monitorCtx)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := manager.WaitHealthy(startupCtx, 25*time.Second); err != nil {
		logger.Warn("starting without a healthy warehouse identity", zap.Error(err))
	}
	startupCancel()

	// --- Cache ---
	var l2 *cache.L2
	if cfg.L2.Enabled() {
		l2 = cache.NewL2(cfg.L2, cfg.Cache.TTL, logger)
	}
	ctxCache := cache.New(cache.NewL1(cfg.Cache.MaxSize, cfg.Cache.TTL), l2, logger)
	defer ctxCache.Close()

	warmerCtx, warmerCancel := context.WithCancel(context.Background())
	defer warmerCancel()
	warmer := cache.NewWarmer(ctxCache, manager, logger)
	if err := warmer.Start(warmerCtx); err != nil {
		logger.Fatal("cache warmer failed to start", zap.Error(err))
	}
	defer warmer.Stop()

	// --- Append queue ---
	writer, err := queue.NewWriter(queue.Config{
		Dir:       cfg.Queue.Path,
		MaxSize:   cfg.Queue.MaxSize,
		MaxAge:    cfg.Queue.MaxAge,
		MaxEvents: cfg.Queue.MaxEvents,
	}, logger)
	if err != nil {
		logger.Fatal("append queue failed to open", zap.Error(err))
	}

	// --- Tickets ---
	ticketMgr := tickets.NewManager(manager, bus, logger)
	defer ticketMgr.Close()

	// --- HTTP server ---
	recorder := telemetry.NewRecorder()
	h := server.NewHandler(cfg, writer, ctxCache, manager, ticketMgr, registry, recorder, monitor, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	h.Register(e)

	go func() {
		logger.Info("tool server listening", zap.String("addr", cfg.ListenAddr))
		if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	// The active segment must be flushed and synced before exit; the
	// uploader picks it up from disk.
	if err := writer.Close(); err != nil {
		logger.Error("queue close error", zap.Error(err))
	}
	logger.Info("tool server shut down cleanly")
}
