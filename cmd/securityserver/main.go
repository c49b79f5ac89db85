// Command securityserver runs the security server data plane: the client
// facing relay endpoint, the server facing OCSP endpoint and the message
// log pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nordic-institute/X-Road-sub019/internal/app"
	"github.com/nordic-institute/X-Road-sub019/internal/config"
	"github.com/nordic-institute/X-Road-sub019/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/xroad/securityserver.yaml", "path to the configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "securityserver: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "securityserver: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize security server", zap.Error(err))
	}
	if err := a.Run(ctx); err != nil {
		logger.Error("security server failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
