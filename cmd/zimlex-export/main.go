// Command zimlex-export dumps a converted dictionary as JSON.
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
	outPath := flag.String("out", "", "override output path")
	jsonl := flag.Bool("jsonl", true, "one JSON object per line")
	pretty := flag.Bool("pretty", false, "indent array output (ignored with -jsonl)")
	limit := flag.Int64("limit", 0, "cap exported pages (0 = all)")
	logLevel := flag.String("log-level", "", "override log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zimlex-export: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Input.SQLitePath = *dbPath
	}
	if *outPath != "" {
		cfg.Export.OutputPath = *outPath
	}
	cfg.Export.JSONLines = *jsonl
	cfg.Export.Pretty = *pretty
	if *limit > 0 {
		cfg.Export.Limit = *limit
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.JSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := zimlex.NewApp(cfg, logger)
	if _, err := app.Export(ctx); err != nil {
		logger.Error("export failed", "error", err)
		os.Exit(1)
	}
}
