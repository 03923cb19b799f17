package zimfile

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Builder assembles a small ZIM file for tests and demonstration
// tooling: one cluster holding every content blob, entries kept in
// insertion order. Compression selects the cluster codec and defaults
// to uncompressed.
type Builder struct {
	Compression byte

	mimes   []string
	entries []builderEntry
	blobs   [][]byte
}

type builderEntry struct {
	mimeIndex uint16
	namespace byte
	url       string
	title     string
	redirect  uint32
	blob      uint32
}

// NewBuilder returns an empty Builder writing uncompressed clusters.
func NewBuilder() *Builder {
	return &Builder{Compression: compressionNone}
}

// AddContent appends a content entry carrying data, returning its index.
func (b *Builder) AddContent(url, title string, namespace byte, mime string, data []byte) uint32 {
	index := uint32(len(b.entries))
	blob := uint32(len(b.blobs))
	b.blobs = append(b.blobs, append([]byte(nil), data...))
	b.entries = append(b.entries, builderEntry{
		mimeIndex: b.mimeIndex(mime),
		namespace: namespace,
		url:       url,
		title:     title,
		blob:      blob,
	})
	return index
}

// AddRedirect appends a redirect entry pointing at target's index.
func (b *Builder) AddRedirect(url, title string, namespace byte, target uint32) uint32 {
	index := uint32(len(b.entries))
	b.entries = append(b.entries, builderEntry{
		mimeIndex: mimeIndexRedirect,
		namespace: namespace,
		url:       url,
		title:     title,
		redirect:  target,
	})
	return index
}

// AddDeleted appends a payload-less deleted-entry marker.
func (b *Builder) AddDeleted(url string, namespace byte) uint32 {
	index := uint32(len(b.entries))
	b.entries = append(b.entries, builderEntry{
		mimeIndex: mimeIndexDeleted,
		namespace: namespace,
		url:       url,
	})
	return index
}

func (b *Builder) mimeIndex(mime string) uint16 {
	for i, m := range b.mimes {
		if m == mime {
			return uint16(i)
		}
	}
	b.mimes = append(b.mimes, mime)
	return uint16(len(b.mimes) - 1)
}

// WriteFile lays the container out on disk with a valid trailing MD5.
func (b *Builder) WriteFile(path string) error {
	var mimeList bytes.Buffer
	for _, m := range b.mimes {
		mimeList.WriteString(m)
		mimeList.WriteByte(0)
	}
	mimeList.WriteByte(0) // empty string terminates the list

	entryBlobs := make([][]byte, len(b.entries))
	for i, e := range b.entries {
		var buf bytes.Buffer
		var fixed [8]byte
		binary.LittleEndian.PutUint16(fixed[0:2], e.mimeIndex)
		fixed[3] = e.namespace
		buf.Write(fixed[:])
		switch e.mimeIndex {
		case mimeIndexRedirect:
			var target [4]byte
			binary.LittleEndian.PutUint32(target[:], e.redirect)
			buf.Write(target[:])
		case mimeIndexLinkTarget, mimeIndexDeleted:
		default:
			var loc [8]byte
			binary.LittleEndian.PutUint32(loc[0:4], 0) // single cluster
			binary.LittleEndian.PutUint32(loc[4:8], e.blob)
			buf.Write(loc[:])
		}
		buf.WriteString(e.url)
		buf.WriteByte(0)
		buf.WriteString(e.title)
		buf.WriteByte(0)
		entryBlobs[i] = buf.Bytes()
	}

	cluster, err := b.buildCluster()
	if err != nil {
		return err
	}

	n := len(b.entries)
	mimeListPos := uint64(headerSize)
	urlPtrPos := mimeListPos + uint64(mimeList.Len())
	titlePtrPos := urlPtrPos + uint64(8*n)
	entriesPos := titlePtrPos + uint64(4*n)

	entryPositions := make([]uint64, n)
	pos := entriesPos
	for i, blob := range entryBlobs {
		entryPositions[i] = pos
		pos += uint64(len(blob))
	}
	clusterPtrPos := pos
	clusterCount := uint32(0)
	if cluster != nil {
		clusterCount = 1
		pos += 8
	}
	clusterPos := pos
	pos += uint64(len(cluster))
	checksumPos := pos

	var out bytes.Buffer
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], MagicNumber)
	binary.LittleEndian.PutUint16(header[4:6], 5)
	binary.LittleEndian.PutUint32(header[24:28], uint32(n))
	binary.LittleEndian.PutUint32(header[28:32], clusterCount)
	binary.LittleEndian.PutUint64(header[32:40], urlPtrPos)
	binary.LittleEndian.PutUint64(header[40:48], titlePtrPos)
	binary.LittleEndian.PutUint64(header[48:56], clusterPtrPos)
	binary.LittleEndian.PutUint64(header[56:64], mimeListPos)
	binary.LittleEndian.PutUint64(header[72:80], checksumPos)
	out.Write(header[:])

	out.Write(mimeList.Bytes())
	for _, p := range entryPositions {
		var raw [8]byte
		binary.LittleEndian.PutUint64(raw[:], p)
		out.Write(raw[:])
	}
	for i := range b.entries {
		var raw [4]byte
		binary.LittleEndian.PutUint32(raw[:], uint32(i))
		out.Write(raw[:])
	}
	for _, blob := range entryBlobs {
		out.Write(blob)
	}
	if cluster != nil {
		var raw [8]byte
		binary.LittleEndian.PutUint64(raw[:], clusterPos)
		out.Write(raw[:])
		out.Write(cluster)
	}

	digest := md5.Sum(out.Bytes())
	out.Write(digest[:])

	return os.WriteFile(path, out.Bytes(), 0o644)
}

// buildCluster serializes all blobs into one cluster: the compression
// info byte, then the blob offset table, then the payload bytes.
func (b *Builder) buildCluster() ([]byte, error) {
	if len(b.blobs) == 0 {
		return nil, nil
	}

	tableSize := 4 * (len(b.blobs) + 1)
	var body bytes.Buffer
	offset := uint32(tableSize)
	for _, blob := range b.blobs {
		var raw [4]byte
		binary.LittleEndian.PutUint32(raw[:], offset)
		body.Write(raw[:])
		offset += uint32(len(blob))
	}
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], offset)
	body.Write(raw[:])
	for _, blob := range b.blobs {
		body.Write(blob)
	}

	var encoded []byte
	switch b.Compression {
	case compressionNone:
		encoded = body.Bytes()
	case compressionXZ:
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("zimfile: xz writer: %w", err)
		}
		if _, err := w.Write(body.Bytes()); err != nil {
			return nil, fmt.Errorf("zimfile: xz compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zimfile: xz compress: %w", err)
		}
		encoded = buf.Bytes()
	case compressionZstd:
		var buf bytes.Buffer
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("zimfile: zstd writer: %w", err)
		}
		if _, err := w.Write(body.Bytes()); err != nil {
			return nil, fmt.Errorf("zimfile: zstd compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zimfile: zstd compress: %w", err)
		}
		encoded = buf.Bytes()
	default:
		return nil, fmt.Errorf("zimfile: unsupported compression code %d", b.Compression)
	}

	return append([]byte{b.Compression}, encoded...), nil
}

// CompressionNone, CompressionXZ and CompressionZstd are the codec
// values accepted by Builder.Compression.
const (
	CompressionNone = compressionNone
	CompressionXZ   = compressionXZ
	CompressionZstd = compressionZstd
)
