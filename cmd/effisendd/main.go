package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"EffiSend-Agent/internal/app"
	"EffiSend-Agent/internal/config"
	"EffiSend-Agent/pkg/logger"
)

// main 是 EffiSend 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("effisendd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("EFFISEND_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "effisend.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(loggerConfig(cfg.Logging)); err != nil {
		return err
	}
	defer logger.Sync()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.StartBackground(ctx)

	if err := a.Server.Start(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func loggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		},
	}
}
