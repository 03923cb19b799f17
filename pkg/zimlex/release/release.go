// Package release packages a converted dictionary for distribution: a
// sample database with the first N pages, a gzip tarball of the
// database artifacts and a SHA256SUMS manifest.
package release

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/openlexica/zimlex/pkg/zimlex/internalerr"
	"github.com/openlexica/zimlex/pkg/zimlex/store"
	"github.com/openlexica/zimlex/pkg/zimlex/store/sqlite"
)

// Options controls one packaging run.
type Options struct {
	// Store is the converted dictionary to sample from.
	Store store.Store
	// DBPath is the full database file included in the tarball.
	DBPath string
	// OutDir receives every artifact.
	OutDir string
	// SamplePageCount caps the sample database. Zero means 100.
	SamplePageCount int
	Logger          *slog.Logger
}

// Artifacts lists what was produced.
type Artifacts struct {
	SampleDBPath string
	SamplePages  int64
	TarballPath  string
	ChecksumPath string
}

// Run builds the release artifacts under OutDir.
func Run(ctx context.Context, opts Options) (Artifacts, error) {
	if opts.Store == nil {
		return Artifacts{}, fmt.Errorf("release: %w: nil store", internalerr.ErrInvalidInput)
	}
	if opts.DBPath == "" {
		return Artifacts{}, fmt.Errorf("release: %w: empty database path", internalerr.ErrInvalidInput)
	}
	if opts.OutDir == "" {
		return Artifacts{}, fmt.Errorf("release: %w: empty output directory", internalerr.ErrInvalidInput)
	}
	sample := opts.SamplePageCount
	if sample <= 0 {
		sample = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return Artifacts{}, fmt.Errorf("release: create output directory: %w", err)
	}

	art := Artifacts{
		SampleDBPath: filepath.Join(opts.OutDir, "sample.db"),
		TarballPath:  filepath.Join(opts.OutDir, "dictionary.tar.gz"),
		ChecksumPath: filepath.Join(opts.OutDir, "SHA256SUMS"),
	}

	pages, err := buildSampleDB(ctx, opts.Store, art.SampleDBPath, sample)
	if err != nil {
		return art, err
	}
	art.SamplePages = pages

	if err := writeTarball(art.TarballPath, opts.DBPath, art.SampleDBPath); err != nil {
		return art, err
	}

	if err := writeChecksums(art.ChecksumPath, art.TarballPath, art.SampleDBPath); err != nil {
		return art, err
	}

	logger.Info("release artifacts written",
		"out_dir", opts.OutDir,
		"sample_pages", art.SamplePages,
		"tarball", art.TarballPath)
	return art, nil
}

// buildSampleDB copies the first limit pages into a fresh database at
// path, going through the normal store so the sample carries the same
// schema and search index.
func buildSampleDB(ctx context.Context, src store.Store, path string, limit int) (int64, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("release: remove stale sample: %w", err)
	}

	dst, err := sqlite.Open(ctx, path, sqlite.DefaultOptions())
	if err != nil {
		return 0, fmt.Errorf("release: open sample database: %w", err)
	}
	defer dst.Close()
	if err := dst.Migrate(ctx); err != nil {
		return 0, fmt.Errorf("release: migrate sample database: %w", err)
	}

	bundles, err := src.PageBundles(ctx, 0, int64(limit))
	if err != nil {
		return 0, fmt.Errorf("release: read sample pages: %w", err)
	}

	tx, err := dst.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("release: begin sample transaction: %w", err)
	}
	for _, b := range bundles {
		if _, err := tx.ReplacePage(ctx, b); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("release: write sample page %s: %w", b.Page.URL, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("release: commit sample: %w", err)
	}
	return int64(len(bundles)), nil
}

func writeTarball(path string, files ...string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("release: create tarball: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, file := range files {
		if err := addTarFile(tw, file); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("release: finalize tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("release: finalize gzip: %w", err)
	}
	return nil
}

func addTarFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("release: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("release: stat %s: %w", path, err)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("release: tar header for %s: %w", path, err)
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("release: write tar header for %s: %w", path, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("release: archive %s: %w", path, err)
	}
	return nil
}

// writeChecksums emits a sha256sum-compatible manifest for the named
// files.
func writeChecksums(path string, files ...string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("release: create checksum manifest: %w", err)
	}
	defer out.Close()

	for _, file := range files {
		sum, err := fileSHA256(file)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "%s  %s\n", sum, filepath.Base(file)); err != nil {
			return fmt.Errorf("release: write checksum manifest: %w", err)
		}
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("release: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("release: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
