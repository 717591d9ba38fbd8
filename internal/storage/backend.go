// Package storage defines the Backend capability contract shared by every
// storage kind, the strategy registry that maps strategy ids to constructed
// backends, and the usage statistics cache.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/fireflycloud/fireflycloud/internal/models"
)

// Backend is the capability contract implemented by every storage kind.
// Implementations are safe for concurrent use and hold no per-request state.
type Backend interface {
	// Upload stores content at destinationPath and returns the
	// backend-relative storage path to persist on the file record.
	// size is the declared content length, or -1 when unknown.
	Upload(ctx context.Context, content io.Reader, size int64, destinationPath, ownerHint string) (string, error)

	// ResolveAccess returns a time-limited native URL or a stream handle.
	ResolveAccess(ctx context.Context, storagePath string, hints AccessHints) (*AccessDescriptor, error)

	// Delete removes the object. Deleting an absent object succeeds.
	Delete(ctx context.Context, storagePath string) error

	// RawRead opens the object for server-side proxying and returns its size.
	RawRead(ctx context.Context, storagePath string) (io.ReadCloser, int64, error)

	// Kind returns the backend kind.
	Kind() models.StrategyType

	// Close releases idle resources. In-flight calls are not interrupted.
	Close() error
}

// Prober is implemented by backends that can check connectivity cheaply.
type Prober interface {
	Probe(ctx context.Context) error
}

// StatsProvider is implemented by backends whose usage can be computed by
// listing the remote namespace (object storage and OneDrive).
type StatsProvider interface {
	Usage(ctx context.Context) (*Usage, error)
}

// ObjectInfo names one object in usage statistics.
type ObjectInfo struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Usage is an aggregate over every object of a backend namespace.
type Usage struct {
	TotalSize  int64       `json:"total_size"`
	FileCount  int64       `json:"file_count"`
	Largest    *ObjectInfo `json:"largest,omitempty"`
	Smallest   *ObjectInfo `json:"smallest,omitempty"`
	ComputedAt time.Time   `json:"computed_at"`
	Stale      bool        `json:"stale"`
}

// Add folds one object into the aggregate.
func (u *Usage) Add(path string, size int64) {
	u.TotalSize += size
	u.FileCount++
	if u.Largest == nil || size > u.Largest.Size {
		u.Largest = &ObjectInfo{Path: path, Size: size}
	}
	if u.Smallest == nil || size < u.Smallest.Size {
		u.Smallest = &ObjectInfo{Path: path, Size: size}
	}
}

// AccessHints carries file metadata an adapter may embed in native URLs.
type AccessHints struct {
	FileName string
	MimeType string
}

// AccessKind tells the caller how to deliver content.
type AccessKind int

const (
	// AccessRedirect means the client can fetch URL directly until ExpiresAt.
	AccessRedirect AccessKind = iota + 1
	// AccessStream means the caller must copy Stream to the client.
	AccessStream
)

func (k AccessKind) String() string {
	switch k {
	case AccessRedirect:
		return "redirect"
	case AccessStream:
		return "proxy"
	default:
		return "unknown"
	}
}

// AccessDescriptor is either a native URL or a stream handle.
type AccessDescriptor struct {
	Kind AccessKind

	URL       string
	ExpiresAt time.Time

	Stream io.ReadCloser
	Size   int64
}

// RedirectTo builds a redirect descriptor.
func RedirectTo(url string, expiresAt time.Time) *AccessDescriptor {
	return &AccessDescriptor{Kind: AccessRedirect, URL: url, ExpiresAt: expiresAt}
}

// StreamOf builds a stream descriptor.
func StreamOf(rc io.ReadCloser, size int64) *AccessDescriptor {
	return &AccessDescriptor{Kind: AccessStream, Stream: rc, Size: size}
}

// Close releases the stream, if any.
func (d *AccessDescriptor) Close() error {
	if d == nil || d.Stream == nil {
		return nil
	}
	return d.Stream.Close()
}
