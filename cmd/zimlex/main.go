// Command zimlex converts a ZIM archive into a SQLite dictionary.
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
	zimPath := flag.String("zim", "", "override input ZIM path")
	dbPath := flag.String("db", "", "override output SQLite path")
	maxEntries := flag.Uint("max-entries", 0, "override scan cap (0 = unbounded)")
	startIndex := flag.Uint("start-index", 0, "override scan start index")
	overwrite := flag.Bool("overwrite", false, "delete any existing database first")
	workers := flag.Int("workers", -1, "override worker count (-1 = config, 0 = auto)")
	logLevel := flag.String("log-level", "", "override log level (debug|info|warn|error)")
	jsonLogs := flag.Bool("json-logs", false, "emit JSON logs")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zimlex: %v\n", err)
		os.Exit(1)
	}
	if *zimPath != "" {
		cfg.Input.ZimPath = *zimPath
	}
	if *dbPath != "" {
		cfg.Input.SQLitePath = *dbPath
	}
	if *maxEntries > 0 {
		cfg.Selection.MaxEntries = uint32(*maxEntries)
	}
	if *startIndex > 0 {
		cfg.Selection.StartIndex = uint32(*startIndex)
	}
	if *overwrite {
		cfg.SQLite.Overwrite = true
	}
	if *workers >= 0 {
		cfg.Workers.Count = *workers
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *jsonLogs {
		cfg.Logging.JSON = true
	}

	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.JSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := zimlex.NewApp(cfg, logger)
	metrics, err := app.Convert(ctx)
	if err != nil {
		logger.Error("conversion failed", "error", err)
		os.Exit(1)
	}

	if metrics.Ingested == 0 {
		logger.Warn("no pages were ingested, check the selection filters")
	}
}
