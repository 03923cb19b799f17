// Package zimlex converts ZIM offline-encyclopedia archives into
// queryable SQLite dictionaries. This file is the facade the binaries
// call: it wires configuration into the archive reader, the extraction
// engine, the store and the pipeline.
package zimlex

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/openlexica/zimlex/internal/zimfile"
	"github.com/openlexica/zimlex/pkg/zimlex/config"
	"github.com/openlexica/zimlex/pkg/zimlex/export"
	"github.com/openlexica/zimlex/pkg/zimlex/extract"
	"github.com/openlexica/zimlex/pkg/zimlex/maintenance"
	"github.com/openlexica/zimlex/pkg/zimlex/normalize"
	"github.com/openlexica/zimlex/pkg/zimlex/pipeline"
	"github.com/openlexica/zimlex/pkg/zimlex/release"
	"github.com/openlexica/zimlex/pkg/zimlex/store"
	"github.com/openlexica/zimlex/pkg/zimlex/store/sqlite"
	"github.com/openlexica/zimlex/pkg/zimlex/verify"
)

// App binds a validated configuration to a logger and exposes the
// top-level operations.
type App struct {
	cfg    config.Config
	logger *slog.Logger
}

// NewApp builds an App. The logger must not be nil.
func NewApp(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Convert runs the full conversion: open the archive, migrate the
// database, ingest every selected entry and, when enabled, refresh the
// search index incrementally.
func (a *App) Convert(ctx context.Context) (pipeline.Metrics, error) {
	cfg := a.cfg

	if cfg.SQLite.Overwrite {
		if err := removeDatabase(cfg.Input.SQLitePath); err != nil {
			return pipeline.Metrics{}, err
		}
	}

	reader, err := zimfile.Open(cfg.Input.ZimPath)
	if err != nil {
		return pipeline.Metrics{}, err
	}
	defer reader.Close()

	st, err := a.openStore(ctx)
	if err != nil {
		return pipeline.Metrics{}, err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return pipeline.Metrics{}, fmt.Errorf("migrate database: %w", err)
	}

	norm := normalize.New(cfg.Extraction.DefaultPlugin, cfg.Extraction.LanguagePlugins)
	engine := extract.NewEngine(engineOptions(cfg.Extraction), norm)

	pipe, err := pipeline.New(pipeline.Options{
		Archive:          reader,
		Store:            st,
		Engine:           engine,
		Selection:        cfg.Selection,
		Checkpoint:       cfg.Checkpoint,
		Workers:          cfg.Workers,
		StoreRawHTML:     cfg.Extraction.StoreRawHTML,
		BatchSize:        cfg.SQLite.BatchSize,
		ProgressInterval: cfg.Logging.ProgressInterval,
		Logger:           a.logger,
	})
	if err != nil {
		return pipeline.Metrics{}, err
	}

	metrics, err := pipe.Run(ctx)
	if err != nil {
		return metrics, err
	}

	if cfg.Reindex.Enabled {
		reindexer := &maintenance.Reindexer{
			Store:     st,
			Watermark: cfg.Reindex.Watermark,
			ChunkSize: cfg.Reindex.ChunkSize,
			Logger:    a.logger,
		}
		if _, err := reindexer.Run(ctx); err != nil {
			return metrics, err
		}
	}

	return metrics, nil
}

// Reindex runs one incremental search-index pass without converting.
func (a *App) Reindex(ctx context.Context) (maintenance.Result, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return maintenance.Result{}, err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return maintenance.Result{}, fmt.Errorf("migrate database: %w", err)
	}

	reindexer := &maintenance.Reindexer{
		Store:     st,
		Watermark: a.cfg.Reindex.Watermark,
		ChunkSize: a.cfg.Reindex.ChunkSize,
		Logger:    a.logger,
	}
	return reindexer.Run(ctx)
}

// Export writes the stored dictionary to the configured output path.
func (a *App) Export(ctx context.Context) (export.Metrics, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return export.Metrics{}, err
	}
	defer st.Close()

	out, err := os.Create(a.cfg.Export.OutputPath)
	if err != nil {
		return export.Metrics{}, fmt.Errorf("create export file: %w", err)
	}
	defer out.Close()

	m, err := export.Run(ctx, out, export.Options{
		Store:     st,
		BatchSize: a.cfg.Export.BatchSize,
		JSONLines: a.cfg.Export.JSONLines,
		Pretty:    a.cfg.Export.Pretty,
		Limit:     a.cfg.Export.Limit,
		Logger:    a.logger,
	})
	if err != nil {
		return m, err
	}
	return m, out.Close()
}

// Verify inspects the configured archive for truncation and corruption.
func (a *App) Verify(ctx context.Context, checksum bool) (verify.Report, error) {
	return verify.Run(ctx, a.cfg.Input.ZimPath, verify.Options{
		Checksum: checksum,
		Logger:   a.logger,
	})
}

// Release packages the converted database for distribution.
func (a *App) Release(ctx context.Context) (release.Artifacts, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return release.Artifacts{}, err
	}
	defer st.Close()

	return release.Run(ctx, release.Options{
		Store:           st,
		DBPath:          a.cfg.Input.SQLitePath,
		OutDir:          a.cfg.Release.OutDir,
		SamplePageCount: a.cfg.Release.SamplePageCount,
		Logger:          a.logger,
	})
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	return sqlite.Open(ctx, a.cfg.Input.SQLitePath, sqlite.Options{
		JournalMode:   a.cfg.SQLite.JournalMode,
		Synchronous:   a.cfg.SQLite.Synchronous,
		CacheSizeKiB:  a.cfg.SQLite.CacheSizeKiB,
		BusyTimeoutMS: a.cfg.SQLite.BusyTimeoutMS,
		EnableFTS:     a.cfg.SQLite.EnableFTS,
	})
}

func engineOptions(e config.ExtractionConfig) extract.Options {
	return extract.Options{
		StorePlainText:            e.StorePlainText,
		ParseLanguageSections:     e.ParseLanguageSections,
		ParseRelations:            e.ParseRelations,
		Languages:                 e.Languages,
		MinDefinitionChars:        e.MinDefinitionChars,
		MaxDefinitionsPerLanguage: e.MaxDefinitionsPerLanguage,
		RelationTypes:             e.RelationTypes,
		MaxRelationsPerType:       e.MaxRelationsPerType,
		NestedListDepthLimit:      e.NestedListDepthLimit,
		ConfidenceThreshold:       e.ConfidenceThreshold,
		TitleAsAlias:              e.TitleAsAlias,
		AliasMinLength:            e.AliasMinLength,
	}
}

// removeDatabase deletes the database file plus its WAL sidecars.
func removeDatabase(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("overwrite database: %w", err)
		}
	}
	return nil
}
