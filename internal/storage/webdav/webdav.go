// Package webdav provides a storage backend on a WebDAV server.
package webdav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"

	"github.com/fireflycloud/fireflycloud/internal/models"
	"github.com/fireflycloud/fireflycloud/internal/storage"
)

const defaultTimeout = 60 * time.Second

// Config is the per-strategy config of a WebDAV backend.
type Config struct {
	URL      string `mapstructure:"url" json:"url"`
	Username string `mapstructure:"username" json:"username"`
	Password string `mapstructure:"password" json:"password"`
	RootPath string `mapstructure:"root_path" json:"root_path"`
	// PublicURL is a read-only URL prefix serving the same tree. When set,
	// access resolves to a redirect instead of a proxied stream.
	PublicURL string `mapstructure:"public_url" json:"public_url"`
	// Timeout bounds connecting and waiting for response headers. Transfers
	// themselves are bounded by the request context.
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

func checkURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s %q must be an http(s) URL", field, raw)
	}
	return nil
}

// Validate checks the config before a backend is built.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if err := checkURL("url", c.URL); err != nil {
		return err
	}
	if c.PublicURL != "" {
		if err := checkURL("public_url", c.PublicURL); err != nil {
			return err
		}
	}
	if _, err := storage.CleanPrefix(c.RootPath); err != nil {
		return fmt.Errorf("root_path: %w", err)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// Backend implements storage.Backend on WebDAV.
type Backend struct {
	client    *gowebdav.Client
	root      string
	publicURL string
	transport *http.Transport
}

// New creates a WebDAV backend. No request is made until first use.
func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	transport := storage.Transport(timeout)
	client := gowebdav.NewClient(cfg.URL, cfg.Username, cfg.Password)
	client.SetTransport(transport)

	root, _ := storage.CleanPrefix(cfg.RootPath)
	return &Backend{
		client:    client,
		root:      root,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		transport: transport,
	}, nil
}

// classify folds gowebdav errors into the storage taxonomy.
func classify(op, p string, err error) error {
	if gowebdav.IsErrNotFound(err) {
		return storage.NotFound(op, p)
	}
	var se gowebdav.StatusError
	if errors.As(err, &se) && se.Status == http.StatusInsufficientStorage {
		return storage.QuotaExceeded(op+" "+p, err)
	}
	return storage.Unavailable(op+" "+p, err)
}

func (b *Backend) remotePath(storagePath string) string {
	return "/" + storagePath
}

// Upload writes the file below the root path, creating parent collections.
func (b *Backend) Upload(ctx context.Context, content io.Reader, _ int64, destinationPath, _ string) (string, error) {
	clean, err := storage.CleanKey(destinationPath)
	if err != nil {
		return "", err
	}
	key := storage.JoinKey(b.root, clean)

	// gowebdav has no context support; the reader stops the transfer instead.
	body := storage.WithContext(ctx, io.NopCloser(content))
	if err := b.client.WriteStream(b.remotePath(key), body, 0o644); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classify("put", key, err)
	}
	return key, nil
}

// ResolveAccess redirects to the public URL when one is configured and
// otherwise streams through the server. The object is checked first.
func (b *Backend) ResolveAccess(ctx context.Context, storagePath string, _ storage.AccessHints) (*storage.AccessDescriptor, error) {
	if b.publicURL == "" {
		rc, size, err := b.RawRead(ctx, storagePath)
		if err != nil {
			return nil, err
		}
		return storage.StreamOf(rc, size), nil
	}
	info, err := b.client.Stat(b.remotePath(storagePath))
	if err != nil {
		return nil, classify("stat", storagePath, err)
	}
	if info.IsDir() {
		return nil, storage.NotFound("stat", storagePath)
	}
	segs := strings.Split(storagePath, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	// Public URLs are not time-limited, so no expiry is advertised.
	return storage.RedirectTo(b.publicURL+"/"+strings.Join(segs, "/"), time.Time{}), nil
}

// RawRead streams the file through the server.
func (b *Backend) RawRead(ctx context.Context, storagePath string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	p := b.remotePath(storagePath)
	info, err := b.client.Stat(p)
	if err != nil {
		return nil, 0, classify("stat", storagePath, err)
	}
	if info.IsDir() {
		return nil, 0, storage.NotFound("stat", storagePath)
	}
	rc, err := b.client.ReadStream(p)
	if err != nil {
		return nil, 0, classify("get", storagePath, err)
	}
	return storage.WithContext(ctx, rc), info.Size(), nil
}

// Delete removes the file. gowebdav already treats 404 as success.
func (b *Backend) Delete(ctx context.Context, storagePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.client.Remove(b.remotePath(storagePath)); err != nil {
		return classify("delete", storagePath, err)
	}
	return nil
}

// Probe checks the server answers PROPFIND with the configured credentials.
func (b *Backend) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.client.Connect(); err != nil {
		return storage.Unavailable("connect", err)
	}
	return nil
}

// Kind returns models.StrategyWebDAV.
func (b *Backend) Kind() models.StrategyType { return models.StrategyWebDAV }

// Close drops idle connections.
func (b *Backend) Close() error {
	b.transport.CloseIdleConnections()
	return nil
}
