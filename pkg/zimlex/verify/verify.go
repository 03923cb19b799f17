// Package verify inspects a ZIM file for truncation and corruption
// before a conversion is attempted.
package verify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/openlexica/zimlex/internal/zimfile"
	"github.com/openlexica/zimlex/pkg/zimlex/internalerr"
)

// Options tunes a verification pass.
type Options struct {
	// Checksum enables the full-file MD5 check. It reads the whole
	// file, so it is opt-in.
	Checksum bool
	// TailWindowBytes sizes the trailing window inspected for the
	// all-zero truncation heuristic. Zero means 4 KiB.
	TailWindowBytes int64
	Logger          *slog.Logger
}

// Report is the outcome of one verification pass. ChecksumOK is only
// meaningful when the checksum was requested.
type Report struct {
	Path          string
	SizeBytes     int64
	MagicOK       bool
	TailAllZero   bool
	TailZeroRatio float64
	EntryCount    uint32
	ClusterCount  uint32
	ChecksumOK    bool
}

// OK reports whether every performed check passed.
func (r Report) OK(checksumRequested bool) bool {
	if !r.MagicOK || r.TailAllZero {
		return false
	}
	if checksumRequested && !r.ChecksumOK {
		return false
	}
	return true
}

// Run verifies the archive at path. Structural failures surface in the
// Report rather than as errors; an error means the file could not be
// inspected at all.
func Run(ctx context.Context, path string, opts Options) (Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	window := opts.TailWindowBytes
	if window <= 0 {
		window = 4096
	}

	rep := Report{Path: path}

	info, err := os.Stat(path)
	if err != nil {
		return rep, fmt.Errorf("verify: stat %s: %w", path, err)
	}
	rep.SizeBytes = info.Size()
	if rep.SizeBytes < 80 {
		return rep, fmt.Errorf("verify: %w: %s is only %d bytes, smaller than a ZIM header",
			internalerr.ErrInvalidInput, path, rep.SizeBytes)
	}

	if err := checkTail(path, rep.SizeBytes, window, &rep); err != nil {
		return rep, err
	}

	reader, err := zimfile.Open(path)
	if err != nil {
		logger.Warn("header validation failed", "path", path, "error", err)
		return rep, nil
	}
	defer reader.Close()

	rep.MagicOK = true
	header := reader.Header()
	rep.EntryCount = header.EntryCount
	rep.ClusterCount = header.ClusterCount

	if opts.Checksum {
		if err := reader.Verify(ctx); err != nil {
			logger.Warn("checksum mismatch", "path", path, "error", err)
		} else {
			rep.ChecksumOK = true
		}
	}

	logger.Info("verification complete",
		"path", path,
		"size_bytes", rep.SizeBytes,
		"magic_ok", rep.MagicOK,
		"tail_all_zero", rep.TailAllZero,
		"tail_zero_ratio", rep.TailZeroRatio,
		"entries", rep.EntryCount,
		"clusters", rep.ClusterCount,
		"checksum_checked", opts.Checksum,
		"checksum_ok", rep.ChecksumOK)
	return rep, nil
}

// checkTail reads the trailing window and records how much of it is
// zero bytes. An entirely zero tail is the signature of a download that
// was preallocated but never finished.
func checkTail(path string, size, window int64, rep *Report) error {
	if window > size {
		window = size
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("verify: open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, window)
	if _, err := f.ReadAt(buf, size-window); err != nil {
		return fmt.Errorf("verify: read tail of %s: %w", path, err)
	}

	zeros := 0
	for _, b := range buf {
		if b == 0 {
			zeros++
		}
	}
	rep.TailZeroRatio = float64(zeros) / float64(len(buf))
	rep.TailAllZero = zeros == len(buf)
	return nil
}
