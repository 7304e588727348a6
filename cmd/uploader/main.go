package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hindsight-io/hindsight/internal/breaker"
	"github.com/hindsight-io/hindsight/internal/config"
	"github.com/hindsight-io/hindsight/internal/opsbus"
	"github.com/hindsight-io/hindsight/internal/telemetry"
	"github.com/hindsight-io/hindsight/internal/templates"
	"github.com/hindsight-io/hindsight/internal/uploader"
	"github.com/hindsight-io/hindsight/internal/vault"
	"github.com/hindsight-io/hindsight/internal/warehouse"
)

const serviceName = "hindsight-uploader"

// deps is everything one uploader run needs; built once per command.
type deps struct {
	logger   *zap.Logger
	cfg      *config.Config
	uploader *uploader.Uploader
	close    func()
}

func build(logger *zap.Logger) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}

	v, err := vault.Open(cfg.VaultPath, cfg.VaultKey, logger)
	if err != nil {
		return nil, fmt.Errorf("credential vault: %w", err)
	}
	creds, err := cfg.Identities()
	if err != nil {
		return nil, fmt.Errorf("warehouse identities: %w", err)
	}
	if err := v.Seed(creds); err != nil {
		return nil, fmt.Errorf("vault seed: %w", err)
	}

	registry, err := templates.New()
	if err != nil {
		return nil, fmt.Errorf("template self-check: %w", err)
	}
	brk := breaker.New(breaker.Config{}, logger)
	manager := warehouse.NewManager(cfg, v, brk, registry, logger)

	bus, err := opsbus.Connect(cfg.NATSURL, logger)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("ops bus: %w", err)
	}

	return &deps{
		logger:   logger,
		cfg:      cfg,
		uploader: uploader.New(cfg, manager, bus, logger),
		close: func() {
			bus.Close()
			manager.Close()
		},
	}, nil
}

func newRunCommand(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch the queue directory and upload segments continuously",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := build(logger)
			if err != nil {
				return err
			}
			defer d.close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger.Info("uploader watching",
				zap.String("dir", d.cfg.Queue.Path),
				zap.Duration("interval", d.cfg.Upload.Interval),
			)
			if err := d.uploader.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			snap := d.uploader.Snapshot()
			logger.Info("uploader stopped",
				zap.Uint64("segments", snap.Segments),
				zap.Uint64("success", snap.Success),
				zap.Uint64("failed", snap.Failed),
				zap.Uint64("duplicates", snap.Duplicates),
			)
			return nil
		},
	}
}

func newDrainCommand(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Upload every pending segment, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := build(logger)
			if err != nil {
				return err
			}
			defer d.close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := d.uploader.Drain(ctx); err != nil {
				return err
			}
			snap := d.uploader.Snapshot()
			logger.Info("drain complete",
				zap.Uint64("segments", snap.Segments),
				zap.Uint64("success", snap.Success),
				zap.Uint64("failed", snap.Failed),
				zap.Uint64("duplicates", snap.Duplicates),
			)
			return nil
		},
	}
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), serviceName, endpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	root := &cobra.Command{
		Use:  "uploader [command]",
		Long: "Drains durable queue segments into the analytics warehouse",
	}
	root.AddCommand(newRunCommand(logger))
	root.AddCommand(newDrainCommand(logger))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
