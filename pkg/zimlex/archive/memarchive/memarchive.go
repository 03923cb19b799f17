// Package memarchive provides an in-memory archive.Reader for tests.
package memarchive

import (
	"context"
	"fmt"

	"github.com/openlexica/zimlex/pkg/zimlex/archive"
	"github.com/openlexica/zimlex/pkg/zimlex/internalerr"
)

// Reader is an in-memory archive. Build it with the Add methods before
// handing it to the pipeline; it is immutable during reading.
type Reader struct {
	entries []archive.Entry
	blobs   [][]byte
}

// New creates an empty in-memory archive.
func New() *Reader {
	return &Reader{}
}

// AddContent appends a content entry whose payload is data. Each content
// entry occupies its own synthetic cluster with a single blob.
// Returns the entry's index.
func (r *Reader) AddContent(url, title, namespace, mimeType string, data []byte) uint32 {
	index := uint32(len(r.entries))
	cluster := uint32(len(r.blobs))
	r.blobs = append(r.blobs, append([]byte(nil), data...))
	r.entries = append(r.entries, archive.Entry{
		Index:     index,
		URL:       url,
		Title:     title,
		Namespace: namespace,
		MimeType:  mimeType,
		Target:    archive.TargetCluster,
		Cluster:   cluster,
		Blob:      0,
	})
	return index
}

// AddRedirect appends a redirect entry pointing at target's index.
func (r *Reader) AddRedirect(url, title, namespace string, target uint32) uint32 {
	index := uint32(len(r.entries))
	r.entries = append(r.entries, archive.Entry{
		Index:     index,
		URL:       url,
		Title:     title,
		Namespace: namespace,
		MimeType:  archive.MimeRedirect,
		Target:    archive.TargetRedirect,
		Redirect:  target,
	})
	return index
}

// AddMarker appends a payload-less entry with the given special MIME
// label (archive.MimeDeleted or archive.MimeLinkTarget).
func (r *Reader) AddMarker(url, namespace, mimeType string) uint32 {
	index := uint32(len(r.entries))
	r.entries = append(r.entries, archive.Entry{
		Index:     index,
		URL:       url,
		Namespace: namespace,
		MimeType:  mimeType,
		Target:    archive.TargetNone,
	})
	return index
}

// AddBroken appends an entry that claims content but whose blob read
// fails, for exercising per-entry error handling.
func (r *Reader) AddBroken(url, title, namespace, mimeType string) uint32 {
	index := uint32(len(r.entries))
	r.entries = append(r.entries, archive.Entry{
		Index:     index,
		URL:       url,
		Title:     title,
		Namespace: namespace,
		MimeType:  mimeType,
		Target:    archive.TargetCluster,
		Cluster:   uint32(len(r.blobs)) + 1000, // deliberately out of range
	})
	return index
}

func (r *Reader) Header() archive.Header {
	return archive.Header{
		EntryCount:   uint32(len(r.entries)),
		ClusterCount: uint32(len(r.blobs)),
		VersionMajor: 5,
	}
}

func (r *Reader) EntryAt(ctx context.Context, index uint32) (archive.Entry, error) {
	if int(index) >= len(r.entries) {
		return archive.Entry{}, fmt.Errorf("memarchive: entry %d: %w", index, internalerr.ErrNotFound)
	}
	return r.entries[index], nil
}

func (r *Reader) BlobData(ctx context.Context, cluster, blob uint32) ([]byte, error) {
	if int(cluster) >= len(r.blobs) || blob != 0 {
		return nil, fmt.Errorf("memarchive: cluster %d blob %d: %w", cluster, blob, internalerr.ErrNotFound)
	}
	return append([]byte(nil), r.blobs[cluster]...), nil
}

func (r *Reader) Verify(ctx context.Context) error { return nil }

func (r *Reader) Close() error { return nil }
