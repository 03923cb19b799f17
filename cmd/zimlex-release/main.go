// Command zimlex-release packages a converted dictionary for distribution.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/openlexica/zimlex/internal/logging"
	"github.com/openlexica/zimlex/pkg/zimlex"
	"github.com/openlexica/zimlex/pkg/zimlex/config"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (empty = defaults)")
	dbPath := flag.String("db", "", "override SQLite path")
	outDir := flag.String("out-dir", "", "override artifact directory")
	samplePages := flag.Int("sample-pages", 0, "override sample database size")
	logLevel := flag.String("log-level", "", "override log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zimlex-release: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Input.SQLitePath = *dbPath
	}
	if *outDir != "" {
		cfg.Release.OutDir = *outDir
	}
	if *samplePages > 0 {
		cfg.Release.SamplePageCount = *samplePages
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.JSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := zimlex.NewApp(cfg, logger)
	if _, err := app.Release(ctx); err != nil {
		logger.Error("release packaging failed", "error", err)
		os.Exit(1)
	}
}
