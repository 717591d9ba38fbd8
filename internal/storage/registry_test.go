package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/fireflycloud/fireflycloud/internal/models"
)

// memSource is an in-memory StrategySource.
type memSource struct {
	mu   sync.Mutex
	rows map[string]models.StorageStrategy
}

func newMemSource(rows ...models.StorageStrategy) *memSource {
	s := &memSource{rows: make(map[string]models.StorageStrategy)}
	for _, r := range rows {
		s.rows[r.ID] = r
	}
	return s
}

func (s *memSource) Get(_ context.Context, id string) (*models.StorageStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	return &r, nil
}

func (s *memSource) List(_ context.Context) ([]models.StorageStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StorageStrategy
	for _, r := range s.rows {
		out = append(out, r)
	}
	return out, nil
}

func (s *memSource) put(r models.StorageStrategy) {
	s.mu.Lock()
	s.rows[r.ID] = r
	s.mu.Unlock()
}

// memBackend is a concurrency-safe in-memory backend that reports usage.
type memBackend struct {
	name   string
	mu     sync.Mutex
	data   map[string][]byte
	closed atomic.Bool

	usageCalls atomic.Int32
	usageGate  chan struct{}
	usageErr   error
}

func newMemBackend(name string) *memBackend {
	return &memBackend{name: name, data: make(map[string][]byte)}
}

func (b *memBackend) Upload(_ context.Context, content io.Reader, _ int64, dest, _ string) (string, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.data[dest] = data
	b.mu.Unlock()
	return dest, nil
}

func (b *memBackend) ResolveAccess(ctx context.Context, p string, _ AccessHints) (*AccessDescriptor, error) {
	rc, n, err := b.RawRead(ctx, p)
	if err != nil {
		return nil, err
	}
	return StreamOf(rc, n), nil
}

func (b *memBackend) Delete(_ context.Context, p string) error {
	b.mu.Lock()
	delete(b.data, p)
	b.mu.Unlock()
	return nil
}

func (b *memBackend) RawRead(_ context.Context, p string) (io.ReadCloser, int64, error) {
	b.mu.Lock()
	data, ok := b.data[p]
	b.mu.Unlock()
	if !ok {
		return nil, 0, NotFound("read", p)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (b *memBackend) Kind() models.StrategyType { return models.StrategyS3Compatible }

func (b *memBackend) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *memBackend) Usage(ctx context.Context) (*Usage, error) {
	b.usageCalls.Add(1)
	if b.usageGate != nil {
		select {
		case <-b.usageGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.usageErr != nil {
		return nil, b.usageErr
	}
	u := &Usage{}
	b.mu.Lock()
	for k, v := range b.data {
		u.Add(k, int64(len(v)))
	}
	b.mu.Unlock()
	return u, nil
}

func strategy(id string, active bool, cfg map[string]any) models.StorageStrategy {
	return models.StorageStrategy{
		ID:       id,
		Name:     id,
		Type:     models.StrategyS3Compatible,
		Config:   datatypes.JSONMap(cfg),
		IsActive: active,
		Version:  1,
	}
}

// buildByName constructs one memBackend per config "name" and remembers them.
type buildByName struct {
	mu    sync.Mutex
	built map[string][]*memBackend
	calls atomic.Int32
}

func (b *buildByName) construct(_ context.Context, _ models.StrategyType, cfg map[string]any) (Backend, error) {
	b.calls.Add(1)
	name, _ := cfg["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	mb := newMemBackend(name)
	b.mu.Lock()
	if b.built == nil {
		b.built = make(map[string][]*memBackend)
	}
	b.built[name] = append(b.built[name], mb)
	b.mu.Unlock()
	return mb, nil
}

func TestRegistryLoadAndLookup(t *testing.T) {
	src := newMemSource(
		strategy("local-1", true, map[string]any{"name": "one"}),
		strategy("r2-1", false, map[string]any{"name": "two"}),
		strategy("broken", true, map[string]any{}),
	)
	b := &buildByName{}
	reg := NewRegistry(src, b.construct)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if _, err := reg.Get("local-1"); err != nil {
		t.Errorf("Get(local-1) error: %v", err)
	}
	if _, err := reg.Writable("r2-1"); !errors.Is(err, ErrStrategyInactive) {
		t.Errorf("Writable(inactive) error = %v, want ErrStrategyInactive", err)
	}
	if _, err := reg.Get("r2-1"); err != nil {
		t.Errorf("Get(inactive) should stay readable, got %v", err)
	}
	if _, err := reg.Get("broken"); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Get(broken) error = %v, want ErrBackendUnavailable", err)
	}
	if _, err := reg.Get("missing"); !errors.Is(err, ErrStrategyNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrStrategyNotFound", err)
	}

	active := reg.ActiveOfType(models.StrategyS3Compatible)
	if len(active) != 1 || active[0].Strategy.ID != "local-1" {
		t.Errorf("ActiveOfType = %v, want only local-1", active)
	}
}

func TestRegistryReconfigureRebuildsOnlyTarget(t *testing.T) {
	src := newMemSource(
		strategy("a", true, map[string]any{"name": "a1"}),
		strategy("b", true, map[string]any{"name": "b1"}),
	)
	b := &buildByName{}
	reg := NewRegistry(src, b.construct)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := b.calls.Load()

	beforeB, _ := reg.Get("b")
	held, _ := reg.Get("a")

	src.put(strategy("a", true, map[string]any{"name": "a2"}))
	if err := reg.Reconfigure(context.Background(), "a"); err != nil {
		t.Fatalf("Reconfigure() error: %v", err)
	}

	if got := b.calls.Load() - before; got != 1 {
		t.Errorf("constructor calls = %d, want 1", got)
	}
	afterB, _ := reg.Get("b")
	if afterB != beforeB {
		t.Error("reconfiguring a replaced the entry of b")
	}

	now, _ := reg.Get("a")
	if Unwrap(now.Backend).(*memBackend).name != "a2" {
		t.Error("new lookups should use the rebuilt backend")
	}
	// A caller holding the old entry can still complete its call.
	old := Unwrap(held.Backend).(*memBackend)
	if old.name != "a1" {
		t.Fatalf("held entry changed to %s", old.name)
	}
	if _, err := held.Backend.Upload(context.Background(), bytes.NewReader([]byte("x")), 1, "k", ""); err != nil {
		t.Errorf("upload on held entry: %v", err)
	}
	if !old.closed.Load() {
		t.Error("old backend should be closed after swap")
	}
}

func TestRegistryReconfigureRemovedStrategy(t *testing.T) {
	src := newMemSource(strategy("a", true, map[string]any{"name": "a1"}))
	b := &buildByName{}
	reg := NewRegistry(src, b.construct)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.mu.Lock()
	delete(src.rows, "a")
	src.mu.Unlock()

	if err := reg.Reconfigure(context.Background(), "a"); !errors.Is(err, ErrStrategyNotFound) {
		t.Fatalf("Reconfigure(deleted) error = %v, want ErrStrategyNotFound", err)
	}
	if _, err := reg.Get("a"); !errors.Is(err, ErrStrategyNotFound) {
		t.Errorf("Get after removal error = %v, want ErrStrategyNotFound", err)
	}
}

func TestRegistryConcurrentLookupsDuringReconfigure(t *testing.T) {
	src := newMemSource(strategy("a", true, map[string]any{"name": "a0"}))
	b := &buildByName{}
	reg := NewRegistry(src, b.construct)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := reg.Get("a"); err != nil {
					t.Errorf("Get during reconfigure: %v", err)
					return
				}
			}
		}()
	}
	for i := 1; i <= 20; i++ {
		src.put(strategy("a", true, map[string]any{"name": fmt.Sprintf("a%d", i)}))
		if err := reg.Reconfigure(context.Background(), "a"); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestRegistryReconfigureKeepsNewestVersion(t *testing.T) {
	src := newMemSource(strategy("a", true, map[string]any{"name": "v1"}))
	b := &buildByName{}
	started := make(chan struct{})
	release := make(chan struct{})
	build := func(ctx context.Context, kind models.StrategyType, cfg map[string]any) (Backend, error) {
		if cfg["name"] == "v2" {
			close(started)
			<-release
		}
		return b.construct(ctx, kind, cfg)
	}
	reg := NewRegistry(src, build)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	v2 := strategy("a", true, map[string]any{"name": "v2"})
	v2.Version = 2
	src.put(v2)
	done := make(chan error, 1)
	go func() { done <- reg.Reconfigure(context.Background(), "a") }()
	<-started

	// v3 lands while the v2 backend is still being built.
	v3 := strategy("a", true, map[string]any{"name": "v3"})
	v3.Version = 3
	src.put(v3)
	if err := reg.Reconfigure(context.Background(), "a"); err != nil {
		t.Fatalf("Reconfigure(v3) error: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Reconfigure(v2) error: %v", err)
	}

	e, err := reg.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if name := Unwrap(e.Backend).(*memBackend).name; name != "v3" || e.Strategy.Version != 3 {
		t.Errorf("serving %s at version %d, want v3 at version 3", name, e.Strategy.Version)
	}
	b.mu.Lock()
	stale := b.built["v2"]
	b.mu.Unlock()
	if len(stale) != 1 || !stale[0].closed.Load() {
		t.Error("the discarded v2 backend should be closed")
	}
}

func TestStatsCacheHitInvalidateForce(t *testing.T) {
	src := newMemSource(strategy("a", true, map[string]any{"name": "a"}))
	b := &buildByName{}
	reg := NewRegistry(src, b.construct)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	entry, _ := reg.Get("a")
	mb := Unwrap(entry.Backend).(*memBackend)
	mb.Upload(context.Background(), bytes.NewReader([]byte("12345")), 5, "x", "")

	cache := NewStatsCache(reg, time.Minute)
	ctx := context.Background()

	u, err := cache.Usage(ctx, "a", false)
	if err != nil {
		t.Fatalf("Usage() error: %v", err)
	}
	if u.FileCount != 1 || u.TotalSize != 5 {
		t.Errorf("usage = %+v, want 1 file / 5 bytes", u)
	}

	mb.Upload(ctx, bytes.NewReader([]byte("678")), 3, "y", "")
	u, _ = cache.Usage(ctx, "a", false)
	if u.FileCount != 1 {
		t.Errorf("cached usage should still report 1 file, got %d", u.FileCount)
	}
	if got := mb.usageCalls.Load(); got != 1 {
		t.Errorf("usage calls = %d, want 1 (cache hit)", got)
	}

	cache.Invalidate("a")
	u, _ = cache.Usage(ctx, "a", false)
	if u.FileCount != 2 {
		t.Errorf("after invalidate usage = %d files, want 2", u.FileCount)
	}

	u, _ = cache.Usage(ctx, "a", true)
	if got := mb.usageCalls.Load(); got != 3 {
		t.Errorf("usage calls = %d, want 3 after forced recompute", got)
	}
	if u.Smallest.Size != 3 || u.Largest.Size != 5 {
		t.Errorf("smallest/largest = %d/%d, want 3/5", u.Smallest.Size, u.Largest.Size)
	}
}

func TestStatsCacheExpiry(t *testing.T) {
	src := newMemSource(strategy("a", true, map[string]any{"name": "a"}))
	b := &buildByName{}
	reg := NewRegistry(src, b.construct)
	reg.Load(context.Background())
	entry, _ := reg.Get("a")
	mb := Unwrap(entry.Backend).(*memBackend)

	now := time.Now()
	cache := NewStatsCache(reg, time.Minute)
	cache.now = func() time.Time { return now }

	cache.Usage(context.Background(), "a", false)
	now = now.Add(2 * time.Minute)
	cache.Usage(context.Background(), "a", false)

	if got := mb.usageCalls.Load(); got != 2 {
		t.Errorf("usage calls = %d, want 2 after TTL expiry", got)
	}
}

func TestStatsCacheCoalescesConcurrentRecomputes(t *testing.T) {
	src := newMemSource(strategy("a", true, map[string]any{"name": "a"}))
	b := &buildByName{}
	reg := NewRegistry(src, b.construct)
	reg.Load(context.Background())
	entry, _ := reg.Get("a")
	mb := Unwrap(entry.Backend).(*memBackend)
	mb.usageGate = make(chan struct{})

	cache := NewStatsCache(reg, time.Minute)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Usage(context.Background(), "a", true)
			errs <- err
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for mb.usageCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	close(mb.usageGate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Usage() error: %v", err)
		}
	}
	if got := mb.usageCalls.Load(); got != 1 {
		t.Errorf("backend listings = %d, want 1", got)
	}
}

func TestStatsCacheServesStaleOnError(t *testing.T) {
	src := newMemSource(strategy("a", true, map[string]any{"name": "a"}))
	b := &buildByName{}
	reg := NewRegistry(src, b.construct)
	reg.Load(context.Background())
	entry, _ := reg.Get("a")
	mb := Unwrap(entry.Backend).(*memBackend)

	cache := NewStatsCache(reg, time.Minute)
	if _, err := cache.Usage(context.Background(), "a", false); err != nil {
		t.Fatal(err)
	}

	mb.usageErr = errors.New("listing failed")
	u, err := cache.Usage(context.Background(), "a", true)
	if err != nil {
		t.Fatalf("forced Usage() with stale value error: %v", err)
	}
	if !u.Stale {
		t.Error("usage should be marked stale")
	}
}
