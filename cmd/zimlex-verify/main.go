// Command zimlex-verify checks a ZIM file for truncation and corruption.
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
	checksum := flag.Bool("checksum", false, "also verify the trailing MD5 (reads the whole file)")
	logLevel := flag.String("log-level", "", "override log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zimlex-verify: %v\n", err)
		os.Exit(1)
	}
	if *zimPath != "" {
		cfg.Input.ZimPath = *zimPath
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.JSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := zimlex.NewApp(cfg, logger)
	report, err := app.Verify(ctx, *checksum)
	if err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}
	if !report.OK(*checksum) {
		logger.Error("archive failed verification",
			"path", report.Path,
			"magic_ok", report.MagicOK,
			"tail_all_zero", report.TailAllZero,
			"checksum_ok", report.ChecksumOK)
		os.Exit(2)
	}
}
