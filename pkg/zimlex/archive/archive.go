// Package archive defines the read-only collaborator interface over an
// offline-encyclopedia container. The ingestion pipeline consumes this
// interface; internal/zimfile implements it over the ZIM binary format
// and memarchive provides an in-memory version for tests.
package archive

import "context"

// MIME labels for the container's special (non-content) entries.
const (
	MimeRedirect   = "redirect"
	MimeLinkTarget = "link-target"
	MimeDeleted    = "deleted"
)

// TargetKind tags where an entry's payload lives.
type TargetKind int

const (
	// TargetNone marks entries without a payload (deleted/link markers).
	TargetNone TargetKind = iota
	// TargetRedirect points at another entry by index.
	TargetRedirect
	// TargetCluster points at a blob within a compressed cluster.
	TargetCluster
)

// Entry is one addressable item in the container's directory.
type Entry struct {
	Index     uint32
	URL       string
	Title     string
	Namespace string
	MimeType  string

	Target   TargetKind
	Redirect uint32 // valid when Target == TargetRedirect
	Cluster  uint32 // valid when Target == TargetCluster
	Blob     uint32 // valid when Target == TargetCluster
}

// Header carries the container-level counters.
type Header struct {
	EntryCount   uint32
	ClusterCount uint32
	VersionMajor uint16
	VersionMinor uint16
	UUID         [16]byte
}

// Reader is the archive collaborator. Implementations must be safe for
// sequential use by a single goroutine; the pipeline performs all reads
// on the orchestrator side and hands payload copies to workers.
type Reader interface {
	Header() Header
	EntryAt(ctx context.Context, index uint32) (Entry, error)
	BlobData(ctx context.Context, cluster, blob uint32) ([]byte, error)
	Verify(ctx context.Context) error
	Close() error
}

// NamespaceDescription maps the single-letter namespace codes to their
// documented roles. Unknown codes describe themselves.
func NamespaceDescription(code string) string {
	switch code {
	case "-":
		return "layout"
	case "A":
		return "article text"
	case "B":
		return "article meta"
	case "C":
		return "user content"
	case "I":
		return "images, files"
	case "J":
		return "images, text"
	case "M":
		return "metadata"
	case "U":
		return "categories, text"
	case "V":
		return "categories, article list"
	case "W":
		return "categories, per article"
	case "X":
		return "search indexes"
	default:
		return "unknown (" + code + ")"
	}
}
