// Package zimfile reads the ZIM binary container format and exposes it
// through the archive.Reader interface: an 80-byte little-endian header,
// a NUL-terminated MIME list, URL-ordered directory entries, and
// compressed clusters holding blob payloads.
package zimfile

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/openlexica/zimlex/pkg/zimlex/archive"
	"github.com/openlexica/zimlex/pkg/zimlex/internalerr"
)

// MagicNumber identifies a ZIM file in the first four header bytes.
const MagicNumber uint32 = 72173914

const headerSize = 80

// Directory entry MIME type indexes reserved for special entries.
const (
	mimeIndexRedirect   = 0xffff
	mimeIndexLinkTarget = 0xfffe
	mimeIndexDeleted    = 0xfffd
)

// Cluster compression codes (low nibble of the cluster's first byte).
const (
	compressionNone = 1
	compressionXZ   = 4
	compressionZstd = 5
)

// Reader implements archive.Reader over a ZIM file on disk. Blob reads
// cache the most recently decoded cluster, which serves the pipeline's
// URL-ordered scan well since consecutive entries usually share one.
type Reader struct {
	f    *os.File
	size int64

	header        archive.Header
	urlPtrPos     uint64
	clusterPtrPos uint64
	checksumPos   uint64
	mimeTypes     []string

	mu            sync.Mutex
	cachedCluster int64
	cachedData    []byte
	cachedOffsets []uint64

	zstdDec *zstd.Decoder
}

// Open reads and validates the container header and MIME list.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("zimfile: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("zimfile: stat %s: %w", path, err)
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, fmt.Errorf("zimfile: %s: %w: file smaller than header", path, internalerr.ErrInvalidInput)
	}

	var raw [headerSize]byte
	if _, err := f.ReadAt(raw[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("zimfile: read header: %w", err)
	}

	if magic := binary.LittleEndian.Uint32(raw[0:4]); magic != MagicNumber {
		f.Close()
		return nil, fmt.Errorf("zimfile: %w: bad magic %d (want %d)", internalerr.ErrInvalidInput, magic, MagicNumber)
	}

	r := &Reader{
		f:             f,
		size:          info.Size(),
		cachedCluster: -1,
	}
	r.header.VersionMajor = binary.LittleEndian.Uint16(raw[4:6])
	r.header.VersionMinor = binary.LittleEndian.Uint16(raw[6:8])
	copy(r.header.UUID[:], raw[8:24])
	r.header.EntryCount = binary.LittleEndian.Uint32(raw[24:28])
	r.header.ClusterCount = binary.LittleEndian.Uint32(raw[28:32])
	r.urlPtrPos = binary.LittleEndian.Uint64(raw[32:40])
	// raw[40:48] is the title pointer list position; the pipeline scans
	// in URL order and never consults it.
	r.clusterPtrPos = binary.LittleEndian.Uint64(raw[48:56])
	mimeListPos := binary.LittleEndian.Uint64(raw[56:64])
	r.checksumPos = binary.LittleEndian.Uint64(raw[72:80])

	if err := r.readMimeList(mimeListPos); err != nil {
		f.Close()
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("zimfile: init zstd decoder: %w", err)
	}
	r.zstdDec = dec

	return r, nil
}

func (r *Reader) readMimeList(pos uint64) error {
	sr := bufio.NewReader(io.NewSectionReader(r.f, int64(pos), r.size-int64(pos)))
	for {
		label, err := sr.ReadString(0)
		if err != nil {
			return fmt.Errorf("zimfile: read mime list: %w", err)
		}
		label = label[:len(label)-1] // drop NUL
		if label == "" {
			return nil
		}
		r.mimeTypes = append(r.mimeTypes, label)
	}
}

// Header returns the container counters.
func (r *Reader) Header() archive.Header {
	return r.header
}

// EntryAt decodes the directory entry at the given URL-order index.
func (r *Reader) EntryAt(ctx context.Context, index uint32) (archive.Entry, error) {
	if index >= r.header.EntryCount {
		return archive.Entry{}, fmt.Errorf("zimfile: entry %d of %d: %w", index, r.header.EntryCount, internalerr.ErrNotFound)
	}

	entryPos, err := r.readUint64At(int64(r.urlPtrPos) + 8*int64(index))
	if err != nil {
		return archive.Entry{}, fmt.Errorf("zimfile: entry pointer %d: %w", index, err)
	}
	if int64(entryPos) >= r.size {
		return archive.Entry{}, fmt.Errorf("zimfile: entry %d: %w: pointer past end of file", index, internalerr.ErrInvalidInput)
	}

	br := bufio.NewReader(io.NewSectionReader(r.f, int64(entryPos), r.size-int64(entryPos)))

	var fixed [8]byte // mimetype u16, parameter len u8, namespace u8, revision u32
	if _, err := io.ReadFull(br, fixed[:]); err != nil {
		return archive.Entry{}, fmt.Errorf("zimfile: entry %d header: %w", index, err)
	}
	mimeIndex := binary.LittleEndian.Uint16(fixed[0:2])
	paramLen := int(fixed[2])

	e := archive.Entry{
		Index:     index,
		Namespace: string(fixed[3:4]),
	}

	switch mimeIndex {
	case mimeIndexRedirect:
		var target [4]byte
		if _, err := io.ReadFull(br, target[:]); err != nil {
			return archive.Entry{}, fmt.Errorf("zimfile: entry %d redirect target: %w", index, err)
		}
		e.MimeType = archive.MimeRedirect
		e.Target = archive.TargetRedirect
		e.Redirect = binary.LittleEndian.Uint32(target[:])
	case mimeIndexLinkTarget:
		e.MimeType = archive.MimeLinkTarget
		e.Target = archive.TargetNone
	case mimeIndexDeleted:
		e.MimeType = archive.MimeDeleted
		e.Target = archive.TargetNone
	default:
		if int(mimeIndex) >= len(r.mimeTypes) {
			return archive.Entry{}, fmt.Errorf("zimfile: entry %d: %w: mime index %d out of range", index, internalerr.ErrInvalidInput, mimeIndex)
		}
		var loc [8]byte
		if _, err := io.ReadFull(br, loc[:]); err != nil {
			return archive.Entry{}, fmt.Errorf("zimfile: entry %d cluster/blob: %w", index, err)
		}
		e.MimeType = r.mimeTypes[mimeIndex]
		e.Target = archive.TargetCluster
		e.Cluster = binary.LittleEndian.Uint32(loc[0:4])
		e.Blob = binary.LittleEndian.Uint32(loc[4:8])
	}

	if e.URL, err = readCString(br); err != nil {
		return archive.Entry{}, fmt.Errorf("zimfile: entry %d url: %w", index, err)
	}
	if e.Title, err = readCString(br); err != nil {
		return archive.Entry{}, fmt.Errorf("zimfile: entry %d title: %w", index, err)
	}
	if paramLen > 0 {
		if _, err := br.Discard(paramLen); err != nil {
			return archive.Entry{}, fmt.Errorf("zimfile: entry %d parameters: %w", index, err)
		}
	}

	return e, nil
}

// BlobData returns the payload bytes for one blob within a cluster.
func (r *Reader) BlobData(ctx context.Context, cluster, blob uint32) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int64(cluster) != r.cachedCluster {
		data, offsets, err := r.loadCluster(cluster)
		if err != nil {
			return nil, err
		}
		r.cachedCluster = int64(cluster)
		r.cachedData = data
		r.cachedOffsets = offsets
	}

	if int(blob)+1 >= len(r.cachedOffsets) {
		return nil, fmt.Errorf("zimfile: cluster %d blob %d: %w", cluster, blob, internalerr.ErrNotFound)
	}
	start, end := r.cachedOffsets[blob], r.cachedOffsets[blob+1]
	if start > end || end > uint64(len(r.cachedData)) {
		return nil, fmt.Errorf("zimfile: cluster %d blob %d: %w: offsets out of bounds", cluster, blob, internalerr.ErrInvalidInput)
	}
	return append([]byte(nil), r.cachedData[start:end]...), nil
}

func (r *Reader) loadCluster(cluster uint32) ([]byte, []uint64, error) {
	if cluster >= r.header.ClusterCount {
		return nil, nil, fmt.Errorf("zimfile: cluster %d of %d: %w", cluster, r.header.ClusterCount, internalerr.ErrNotFound)
	}

	start, err := r.readUint64At(int64(r.clusterPtrPos) + 8*int64(cluster))
	if err != nil {
		return nil, nil, fmt.Errorf("zimfile: cluster pointer %d: %w", cluster, err)
	}
	end := r.checksumPos
	if cluster+1 < r.header.ClusterCount {
		if end, err = r.readUint64At(int64(r.clusterPtrPos) + 8*int64(cluster+1)); err != nil {
			return nil, nil, fmt.Errorf("zimfile: cluster pointer %d: %w", cluster+1, err)
		}
	}
	if start >= end || int64(end) > r.size {
		return nil, nil, fmt.Errorf("zimfile: cluster %d: %w: bad extent [%d,%d)", cluster, internalerr.ErrInvalidInput, start, end)
	}

	raw := make([]byte, end-start)
	if _, err := r.f.ReadAt(raw, int64(start)); err != nil {
		return nil, nil, fmt.Errorf("zimfile: read cluster %d: %w", cluster, err)
	}

	info := raw[0]
	compression := info & 0x0f
	extended := info&0x10 != 0
	body := raw[1:]

	var data []byte
	switch compression {
	case compressionNone:
		data = body
	case compressionXZ:
		xr, err := xz.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, nil, fmt.Errorf("zimfile: cluster %d xz: %w", cluster, err)
		}
		if data, err = io.ReadAll(xr); err != nil {
			return nil, nil, fmt.Errorf("zimfile: cluster %d xz: %w", cluster, err)
		}
	case compressionZstd:
		var err error
		if data, err = r.zstdDec.DecodeAll(body, nil); err != nil {
			return nil, nil, fmt.Errorf("zimfile: cluster %d zstd: %w", cluster, err)
		}
	default:
		return nil, nil, fmt.Errorf("zimfile: cluster %d: %w: compression code %d", cluster, internalerr.ErrUnsupported, compression)
	}

	offsets, err := parseBlobOffsets(data, extended)
	if err != nil {
		return nil, nil, fmt.Errorf("zimfile: cluster %d: %w", cluster, err)
	}
	return data, offsets, nil
}

// parseBlobOffsets decodes the cluster's leading offset table. The first
// offset points just past the table itself, which fixes the blob count.
func parseBlobOffsets(data []byte, extended bool) ([]uint64, error) {
	offSize := 4
	if extended {
		offSize = 8
	}
	if len(data) < offSize {
		return nil, fmt.Errorf("%w: cluster shorter than one offset", internalerr.ErrInvalidInput)
	}

	var first uint64
	if extended {
		first = binary.LittleEndian.Uint64(data[:8])
	} else {
		first = uint64(binary.LittleEndian.Uint32(data[:4]))
	}
	if first < uint64(offSize) || first > uint64(len(data)) || first%uint64(offSize) != 0 {
		return nil, fmt.Errorf("%w: bad offset table extent %d", internalerr.ErrInvalidInput, first)
	}

	count := int(first) / offSize
	offsets := make([]uint64, count)
	for i := 0; i < count; i++ {
		if extended {
			offsets[i] = binary.LittleEndian.Uint64(data[i*8 : i*8+8])
		} else {
			offsets[i] = uint64(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
		}
	}
	return offsets, nil
}

// Verify hashes the whole file except the trailing 16 bytes and compares
// against the stored MD5 digest.
func (r *Reader) Verify(ctx context.Context) error {
	if r.size < md5.Size {
		return fmt.Errorf("zimfile: %w: file smaller than checksum", internalerr.ErrInvalidInput)
	}

	hash := md5.New()
	if _, err := io.Copy(hash, io.NewSectionReader(r.f, 0, r.size-md5.Size)); err != nil {
		return fmt.Errorf("zimfile: checksum read: %w", err)
	}

	var stored [md5.Size]byte
	if _, err := r.f.ReadAt(stored[:], r.size-md5.Size); err != nil {
		return fmt.Errorf("zimfile: checksum read: %w", err)
	}

	if !bytes.Equal(hash.Sum(nil), stored[:]) {
		return fmt.Errorf("zimfile: %w: checksum mismatch", internalerr.ErrInvalidInput)
	}
	return nil
}

// Close releases the file handle and decoder.
func (r *Reader) Close() error {
	if r.zstdDec != nil {
		r.zstdDec.Close()
	}
	return r.f.Close()
}

func (r *Reader) readUint64At(pos int64) (uint64, error) {
	var buf [8]byte
	if _, err := r.f.ReadAt(buf[:], pos); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func readCString(br *bufio.Reader) (string, error) {
	s, err := br.ReadString(0)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}
