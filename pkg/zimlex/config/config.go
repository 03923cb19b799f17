// Package config holds the YAML configuration tree for a conversion run
// and its documented defaults.
package config

import (
	"fmt"
	"runtime"

	"github.com/openlexica/zimlex/pkg/zimlex/internalerr"
)

// Config is the full configuration tree, one struct per section.
type Config struct {
	Input      InputConfig      `yaml:"input"`
	Selection  SelectionConfig  `yaml:"selection"`
	Extraction ExtractionConfig `yaml:"extraction"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Workers    WorkersConfig    `yaml:"workers"`
	Reindex    ReindexConfig    `yaml:"reindex"`
	Logging    LoggingConfig    `yaml:"logging"`
	Export     ExportConfig     `yaml:"export"`
	Release    ReleaseConfig    `yaml:"release"`
}

// InputConfig names the archive to read and the database to write.
type InputConfig struct {
	ZimPath    string `yaml:"zim_path"`
	SQLitePath string `yaml:"sqlite_path"`
}

// SelectionConfig filters which archive entries are ingested.
type SelectionConfig struct {
	Namespaces    []string `yaml:"namespaces"`
	MimePrefixes  []string `yaml:"mime_prefixes"`
	URLExcludes   []string `yaml:"url_excludes"`
	TitleExcludes []string `yaml:"title_excludes"`
	SkipRedirects bool     `yaml:"skip_redirects"`
	RequireTitle  bool     `yaml:"require_title"`
	StartIndex    uint32   `yaml:"start_index"`
	MaxEntries    uint32   `yaml:"max_entries"` // 0 = unbounded
}

// ExtractionConfig tunes the content-extraction engine.
type ExtractionConfig struct {
	StoreRawHTML              bool              `yaml:"store_raw_html"`
	StorePlainText            bool              `yaml:"store_plain_text"`
	ParseLanguageSections     bool              `yaml:"parse_language_sections"`
	ParseRelations            bool              `yaml:"parse_relations"`
	Languages                 []string          `yaml:"languages"` // empty = all
	MinDefinitionChars        int               `yaml:"min_definition_chars"`
	MaxDefinitionsPerLanguage int               `yaml:"max_definitions_per_language"`
	RelationTypes             []string          `yaml:"relation_types"`
	MaxRelationsPerType       int               `yaml:"max_relations_per_type"`
	NestedListDepthLimit      int               `yaml:"nested_list_depth_limit"`
	ConfidenceThreshold       float64           `yaml:"confidence_threshold"`
	TitleAsAlias              bool              `yaml:"title_as_alias"`
	AliasMinLength            int               `yaml:"alias_min_length"`
	DefaultPlugin             string            `yaml:"default_plugin"`
	LanguagePlugins           map[string]string `yaml:"language_plugins"`
}

// SQLiteConfig controls connection setup and batching.
type SQLiteConfig struct {
	BatchSize     int    `yaml:"batch_size"`
	Overwrite     bool   `yaml:"overwrite"`
	EnableFTS     bool   `yaml:"enable_fts"`
	JournalMode   string `yaml:"journal_mode"`
	Synchronous   string `yaml:"synchronous"`
	CacheSizeKiB  int    `yaml:"cache_size_kib"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

// CheckpointConfig controls resumable ingestion.
type CheckpointConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Resume        bool   `yaml:"resume"`
	Name          string `yaml:"name"`
	EveryNEntries int64  `yaml:"every_n_entries"`
}

// WorkersConfig sizes the extraction worker pool.
type WorkersConfig struct {
	Enabled       bool `yaml:"enabled"`
	Count         int  `yaml:"count"` // 0 = min(NumCPU, 8)
	QueueCapacity int  `yaml:"queue_capacity"`
}

// ReindexConfig controls the incremental full-text reindex.
type ReindexConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Watermark string `yaml:"watermark"`
	ChunkSize int    `yaml:"chunk_size"`
}

// LoggingConfig selects level, format and progress cadence.
type LoggingConfig struct {
	Level            string `yaml:"level"`
	JSON             bool   `yaml:"json"`
	ProgressInterval int64  `yaml:"progress_interval"`
}

// ExportConfig controls the JSON export surface.
type ExportConfig struct {
	OutputPath string `yaml:"output_path"`
	BatchSize  int64  `yaml:"batch_size"`
	JSONLines  bool   `yaml:"json_lines"`
	Pretty     bool   `yaml:"pretty"`
	Limit      int64  `yaml:"limit"` // 0 = all
}

// ReleaseConfig controls release artifact packaging.
type ReleaseConfig struct {
	OutDir          string `yaml:"out_dir"`
	SamplePageCount int    `yaml:"sample_page_count"`
}

// Default returns the documented defaults for every section.
func Default() Config {
	return Config{
		Input: InputConfig{
			ZimPath:    "tmp/wiktionary_en_all_nopic_2026-02.zim",
			SQLitePath: "tmp/wiktionary.db",
		},
		Selection: SelectionConfig{
			Namespaces:   []string{"A"},
			MimePrefixes: []string{"text/html"},
			RequireTitle: true,
		},
		Extraction: ExtractionConfig{
			StorePlainText:            true,
			ParseLanguageSections:     true,
			ParseRelations:            true,
			MinDefinitionChars:        20,
			MaxDefinitionsPerLanguage: 32,
			RelationTypes:             []string{"synonyms", "antonyms", "translations"},
			MaxRelationsPerType:       48,
			NestedListDepthLimit:      4,
			ConfidenceThreshold:       0.15,
			TitleAsAlias:              true,
			AliasMinLength:            2,
			DefaultPlugin:             "identity",
			LanguagePlugins: map[string]string{
				"english":    "english_basic",
				"french":     "romance_basic",
				"spanish":    "romance_basic",
				"italian":    "romance_basic",
				"portuguese": "romance_basic",
				"mandarin":   "cjk_basic",
				"japanese":   "cjk_basic",
				"korean":     "cjk_basic",
			},
		},
		SQLite: SQLiteConfig{
			BatchSize:     250,
			EnableFTS:     true,
			JournalMode:   "WAL",
			Synchronous:   "NORMAL",
			CacheSizeKiB:  65536,
			BusyTimeoutMS: 5000,
		},
		Checkpoint: CheckpointConfig{
			Enabled:       true,
			Resume:        true,
			Name:          "default",
			EveryNEntries: 10000,
		},
		Workers: WorkersConfig{
			Enabled:       true,
			Count:         0,
			QueueCapacity: 2048,
		},
		Reindex: ReindexConfig{
			Enabled:   true,
			Watermark: "default",
			ChunkSize: 5000,
		},
		Logging: LoggingConfig{
			Level:            "info",
			ProgressInterval: 1000,
		},
		Export: ExportConfig{
			OutputPath: "tmp/export.jsonl",
			BatchSize:  2000,
			JSONLines:  true,
		},
		Release: ReleaseConfig{
			OutDir:          "dist",
			SamplePageCount: 100,
		},
	}
}

// WorkerCount resolves the effective pool size: the configured count, or
// min(NumCPU, 8) when zero.
func (w WorkersConfig) WorkerCount() int {
	if w.Count > 0 {
		return w.Count
	}
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Validate rejects configurations the pipeline cannot honor.
func (c *Config) Validate() error {
	if c.Input.ZimPath == "" {
		return fmt.Errorf("%w: input.zim_path is empty", internalerr.ErrInvalidConfig)
	}
	if c.Input.SQLitePath == "" {
		return fmt.Errorf("%w: input.sqlite_path is empty", internalerr.ErrInvalidConfig)
	}
	if c.Extraction.MinDefinitionChars < 0 {
		return fmt.Errorf("%w: extraction.min_definition_chars is negative", internalerr.ErrInvalidConfig)
	}
	if c.Extraction.MaxDefinitionsPerLanguage <= 0 {
		return fmt.Errorf("%w: extraction.max_definitions_per_language must be positive", internalerr.ErrInvalidConfig)
	}
	if c.Extraction.MaxRelationsPerType <= 0 {
		return fmt.Errorf("%w: extraction.max_relations_per_type must be positive", internalerr.ErrInvalidConfig)
	}
	if c.Extraction.NestedListDepthLimit < 1 {
		return fmt.Errorf("%w: extraction.nested_list_depth_limit must be at least 1", internalerr.ErrInvalidConfig)
	}
	if c.Extraction.ConfidenceThreshold < 0 || c.Extraction.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: extraction.confidence_threshold must lie in [0,1]", internalerr.ErrInvalidConfig)
	}
	if c.SQLite.BatchSize <= 0 {
		return fmt.Errorf("%w: sqlite.batch_size must be positive", internalerr.ErrInvalidConfig)
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Name == "" {
		return fmt.Errorf("%w: checkpoint.name is empty", internalerr.ErrInvalidConfig)
	}
	if c.Workers.Count < 0 {
		return fmt.Errorf("%w: workers.count is negative", internalerr.ErrInvalidConfig)
	}
	if c.Workers.QueueCapacity <= 0 {
		return fmt.Errorf("%w: workers.queue_capacity must be positive", internalerr.ErrInvalidConfig)
	}
	if c.Reindex.Enabled && c.Reindex.ChunkSize <= 0 {
		return fmt.Errorf("%w: reindex.chunk_size must be positive", internalerr.ErrInvalidConfig)
	}
	if c.Export.BatchSize <= 0 {
		return fmt.Errorf("%w: export.batch_size must be positive", internalerr.ErrInvalidConfig)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level %q is not one of debug|info|warn|error", internalerr.ErrInvalidConfig, c.Logging.Level)
	}
	return nil
}
