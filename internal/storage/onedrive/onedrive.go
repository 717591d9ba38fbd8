// Package onedrive provides a storage backend on OneDrive through the
// Microsoft Graph SDK.
package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoft/kiota-abstractions-go/authentication"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/drives"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/fireflycloud/fireflycloud/internal/models"
	"github.com/fireflycloud/fireflycloud/internal/storage"
)

const (
	defaultGraphURL = "https://graph.microsoft.com/v1.0"
	defaultTenant   = "common"

	// Graph accepts simple uploads up to 4 MiB; anything larger needs an
	// upload session. Session chunks must be multiples of 320 KiB.
	simpleUploadLimit = 4 * 1024 * 1024
	uploadChunkSize   = 10 * 320 * 1024

	// Pre-authenticated download URLs are short-lived; advertise a
	// conservative lifetime.
	downloadURLLifetime = 5 * time.Minute

	defaultTimeout = 60 * time.Second

	downloadURLKey = "@microsoft.graph.downloadUrl"
)

var scopes = []string{"Files.ReadWrite.All", "offline_access"}

// Config is the per-strategy config of a OneDrive backend.
type Config struct {
	ClientID     string `mapstructure:"client_id" json:"client_id"`
	ClientSecret string `mapstructure:"client_secret" json:"client_secret"`
	TenantID     string `mapstructure:"tenant_id" json:"tenant_id"`
	RefreshToken string `mapstructure:"refresh_token" json:"refresh_token"`
	// AccessToken is used as-is when no refresh token is configured.
	AccessToken string `mapstructure:"access_token" json:"access_token"`
	// DriveID selects a drive; empty means the signed-in user's drive.
	DriveID    string `mapstructure:"drive_id" json:"drive_id"`
	RootFolder string `mapstructure:"root_folder" json:"root_folder"`
	GraphURL   string `mapstructure:"graph_url" json:"graph_url"`
	// Timeout bounds connecting and waiting for response headers.
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// Validate checks the config before a backend is built.
func (c Config) Validate() error {
	switch {
	case c.RefreshToken != "":
		if c.ClientID == "" {
			return fmt.Errorf("client_id is required with refresh_token")
		}
	case c.AccessToken == "":
		return fmt.Errorf("refresh_token or access_token is required")
	}
	if c.GraphURL != "" {
		u, err := url.Parse(c.GraphURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("graph_url %q must be an http(s) URL", c.GraphURL)
		}
	}
	if _, err := storage.CleanPrefix(c.RootFolder); err != nil {
		return fmt.Errorf("root_folder: %w", err)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// Backend implements storage.Backend and storage.StatsProvider on a drive.
// The storage path of a file is its drive item id.
type Backend struct {
	client    *msgraphsdk.GraphServiceClient
	api       *http.Client // carries the bearer token for Graph calls
	raw       *http.Client // pre-authenticated upload and download URLs
	root      string
	now       func() time.Time
	simpleMax int64
	chunkSize int64

	mu      sync.Mutex
	driveID string
}

// New creates a OneDrive backend. Tokens are refreshed lazily on first use
// and the drive id is looked up on first use when not configured.
func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	raw := &http.Client{Transport: storage.Transport(timeout)}
	// Token refreshes go through the same transport as Graph calls.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, raw)

	var ts oauth2.TokenSource
	if cfg.RefreshToken != "" {
		tenant := cfg.TenantID
		if tenant == "" {
			tenant = defaultTenant
		}
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
			Scopes:       scopes,
		}
		ts = oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	} else {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"})
	}
	api := oauth2.NewClient(ctx, ts)

	// The oauth2 client attaches the token, so the adapter itself is
	// anonymous.
	adapter, err := msgraphsdk.NewGraphRequestAdapterWithParseNodeFactoryAndSerializationWriterFactoryAndHttpClient(
		&authentication.AnonymousAuthenticationProvider{}, nil, nil, api)
	if err != nil {
		return nil, fmt.Errorf("graph adapter: %w", err)
	}
	graph := strings.TrimRight(cfg.GraphURL, "/")
	if graph == "" {
		graph = defaultGraphURL
	}
	adapter.SetBaseUrl(graph)

	root, _ := storage.CleanPrefix(cfg.RootFolder)
	return &Backend{
		client:    msgraphsdk.NewGraphServiceClient(adapter),
		api:       api,
		raw:       raw,
		root:      root,
		now:       time.Now,
		simpleMax: simpleUploadLimit,
		chunkSize: uploadChunkSize,
		driveID:   cfg.DriveID,
	}, nil
}

// classify folds a Graph SDK error into the storage taxonomy.
func classify(op, ref string, err error) error {
	target := strings.TrimSpace(op + " " + ref)
	status, code := 0, ""
	var oerr *odataerrors.ODataError
	var aerr *abstractions.ApiError
	switch {
	case errors.As(err, &oerr):
		status = oerr.ResponseStatusCode
		if main := oerr.GetErrorEscaped(); main != nil && main.GetCode() != nil {
			code = *main.GetCode()
		}
	case errors.As(err, &aerr):
		status = aerr.ResponseStatusCode
	default:
		return storage.Unavailable(target, err)
	}

	switch {
	case status == http.StatusNotFound || code == "itemNotFound":
		return storage.NotFound(op, ref)
	case status == http.StatusInsufficientStorage || code == "quotaLimitReached":
		return storage.QuotaExceeded(target, fmt.Errorf("graph %d %s", status, code))
	default:
		return storage.Unavailable(target, fmt.Errorf("graph %d %s: %w", status, code, err))
	}
}

// drive returns the configured drive id, looking up the user's drive once.
func (b *Backend) drive(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.driveID != "" {
		return b.driveID, nil
	}
	drive, err := b.client.Me().Drive().Get(ctx, nil)
	if err != nil {
		return "", classify("get drive", "", err)
	}
	if str(drive.GetId()) == "" {
		return "", storage.Unavailable("get drive", fmt.Errorf("drive has no id"))
	}
	b.driveID = *drive.GetId()
	return b.driveID, nil
}

// items returns the item collection of the drive.
func (b *Backend) items(ctx context.Context) (*drives.ItemItemsRequestBuilder, error) {
	id, err := b.drive(ctx)
	if err != nil {
		return nil, err
	}
	return b.client.Drives().ByDriveId(id).Items(), nil
}

// pathRef addresses an item by its path below the drive root.
func pathRef(p string) string {
	return "root:/" + p + ":"
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func downloadURL(item graphmodels.DriveItemable) string {
	switch v := item.GetAdditionalData()[downloadURLKey].(type) {
	case *string:
		return str(v)
	case string:
		return v
	}
	return ""
}

// Upload stores the file under the root folder and returns its item id.
func (b *Backend) Upload(ctx context.Context, content io.Reader, size int64, destinationPath, _ string) (string, error) {
	clean, err := storage.CleanKey(destinationPath)
	if err != nil {
		return "", err
	}
	p := storage.JoinKey(b.root, clean)

	if size < 0 {
		rs, n, cleanup, err := storage.Seekable(content)
		if err != nil {
			return "", storage.Unavailable("spool "+p, err)
		}
		defer cleanup()
		content, size = rs, n
	}

	items, err := b.items(ctx)
	if err != nil {
		return "", err
	}
	var id string
	if size <= b.simpleMax {
		id, err = b.uploadSimple(ctx, items, p, content, size)
	} else {
		id, err = b.uploadSession(ctx, items, p, content, size)
	}
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", storage.Unavailable("upload "+p, fmt.Errorf("response carried no item id"))
	}
	return id, nil
}

func (b *Backend) uploadSimple(ctx context.Context, items *drives.ItemItemsRequestBuilder, p string, content io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(content, size))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", storage.Unavailable("read "+p, err)
	}
	item, err := items.ByDriveItemId(pathRef(p)).Content().Put(ctx, data, nil)
	if err != nil {
		return "", classify("upload", p, err)
	}
	return str(item.GetId()), nil
}

func (b *Backend) uploadSession(ctx context.Context, items *drives.ItemItemsRequestBuilder, p string, content io.Reader, size int64) (string, error) {
	props := graphmodels.NewDriveItemUploadableProperties()
	props.SetAdditionalData(map[string]any{"@microsoft.graph.conflictBehavior": "replace"})
	body := drives.NewItemItemsItemCreateUploadSessionPostRequestBody()
	body.SetItem(props)

	session, err := items.ByDriveItemId(pathRef(p)).CreateUploadSession().Post(ctx, body, nil)
	if err != nil {
		return "", classify("create upload session", p, err)
	}
	uploadURL := str(session.GetUploadUrl())
	if uploadURL == "" {
		return "", storage.Unavailable("create upload session "+p, fmt.Errorf("no upload url"))
	}

	buf := make([]byte, b.chunkSize)
	var offset int64
	for offset < size {
		n, err := io.ReadFull(content, buf[:min(b.chunkSize, size-offset)])
		if err != nil {
			b.cancelSession(uploadURL)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", storage.Unavailable("read chunk", err)
		}
		end := offset + int64(n) - 1
		id, done, err := b.putChunk(ctx, uploadURL, buf[:n], offset, end, size)
		if err != nil {
			b.cancelSession(uploadURL)
			return "", storage.Unavailable("upload chunk "+p, err)
		}
		if done {
			return id, nil
		}
		offset = end + 1
	}
	return "", storage.Unavailable("upload "+p, fmt.Errorf("session ended without a drive item"))
}

// putChunk sends one byte range to the session URL. The URL is
// pre-authenticated, so it goes through the raw client without a bearer
// token.
func (b *Backend) putChunk(ctx context.Context, uploadURL string, chunk []byte, start, end, total int64) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return "", false, err
	}
	req.ContentLength = int64(len(chunk))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	resp, err := b.raw.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		io.Copy(io.Discard, resp.Body)
		return "", false, nil
	case http.StatusOK, http.StatusCreated:
		var item struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
			return "", false, fmt.Errorf("decode response: %w", err)
		}
		return item.ID, true, nil
	default:
		return "", false, fmt.Errorf("session returned %s", resp.Status)
	}
}

func (b *Backend) cancelSession(uploadURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, uploadURL, nil)
	if err != nil {
		return
	}
	if resp, err := b.raw.Do(req); err == nil {
		resp.Body.Close()
	}
}

func (b *Backend) item(ctx context.Context, id string) (graphmodels.DriveItemable, error) {
	items, err := b.items(ctx)
	if err != nil {
		return nil, err
	}
	item, err := items.ByDriveItemId(id).Get(ctx, nil)
	if err != nil {
		return nil, classify("get item", id, err)
	}
	if item.GetFolder() != nil || downloadURL(item) == "" {
		return nil, storage.NotFound("get item", id)
	}
	return item, nil
}

// ResolveAccess returns the item's pre-authenticated download URL.
func (b *Backend) ResolveAccess(ctx context.Context, storagePath string, _ storage.AccessHints) (*storage.AccessDescriptor, error) {
	item, err := b.item(ctx, storagePath)
	if err != nil {
		return nil, err
	}
	return storage.RedirectTo(downloadURL(item), b.now().Add(downloadURLLifetime)), nil
}

// RawRead streams the item content through the server.
func (b *Backend) RawRead(ctx context.Context, storagePath string) (io.ReadCloser, int64, error) {
	item, err := b.item(ctx, storagePath)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL(item), nil)
	if err != nil {
		return nil, 0, storage.Unavailable("download "+storagePath, err)
	}
	resp, err := b.raw.Do(req)
	if err != nil {
		return nil, 0, storage.Unavailable("download "+storagePath, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, storage.NotFound("download", storagePath)
	default:
		resp.Body.Close()
		return nil, 0, storage.Unavailable("download "+storagePath, fmt.Errorf("download returned %s", resp.Status))
	}
	var size int64
	if s := item.GetSize(); s != nil {
		size = *s
	}
	return resp.Body, size, nil
}

// Delete removes the item. A missing item is not an error.
func (b *Backend) Delete(ctx context.Context, storagePath string) error {
	items, err := b.items(ctx)
	if err != nil {
		return err
	}
	if err := items.ByDriveItemId(storagePath).Delete(ctx, nil); err != nil {
		if err := classify("delete", storagePath, err); !errors.Is(err, storage.ErrObjectNotFound) {
			return err
		}
	}
	return nil
}

// Usage walks the root folder recursively.
func (b *Backend) Usage(ctx context.Context) (*storage.Usage, error) {
	items, err := b.items(ctx)
	if err != nil {
		return nil, err
	}
	start := "root"
	if b.root != "" {
		start = pathRef(b.root)
	}
	usage := &storage.Usage{}
	if err := b.walk(ctx, items, start, b.root, usage); err != nil {
		return nil, err
	}
	return usage, nil
}

func (b *Backend) walk(ctx context.Context, items *drives.ItemItemsRequestBuilder, ref, prefix string, usage *storage.Usage) error {
	children := items.ByDriveItemId(ref).Children()
	page, err := children.Get(ctx, nil)
	for {
		if err != nil {
			return classify("list children", prefix, err)
		}
		for _, it := range page.GetValue() {
			p := storage.JoinKey(prefix, str(it.GetName()))
			if it.GetFolder() != nil {
				if err := b.walk(ctx, items, str(it.GetId()), p, usage); err != nil {
					return err
				}
				continue
			}
			var size int64
			if s := it.GetSize(); s != nil {
				size = *s
			}
			usage.Add(p, size)
		}
		next := str(page.GetOdataNextLink())
		if next == "" {
			return nil
		}
		page, err = children.WithUrl(next).Get(ctx, nil)
	}
}

// Probe reads the drive resource to check the credentials.
func (b *Backend) Probe(ctx context.Context) error {
	id, err := b.drive(ctx)
	if err != nil {
		return err
	}
	if _, err := b.client.Drives().ByDriveId(id).Get(ctx, nil); err != nil {
		return classify("get drive", "", err)
	}
	return nil
}

// Kind returns models.StrategyOneDrive.
func (b *Backend) Kind() models.StrategyType { return models.StrategyOneDrive }

// Close drops idle connections.
func (b *Backend) Close() error {
	b.api.CloseIdleConnections()
	b.raw.CloseIdleConnections()
	return nil
}
