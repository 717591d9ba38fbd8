package mounts

import (
	"context"
	"errors"
	"testing"

	"gorm.io/gorm"

	"github.com/fireflycloud/fireflycloud/internal/database"
	"github.com/fireflycloud/fireflycloud/internal/models"
	"github.com/fireflycloud/fireflycloud/internal/storage"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, id := range []string{models.DefaultStrategyID, "s3-media", "dav-docs", "s3-archive"} {
		row := models.StorageStrategy{ID: id, Name: id, Type: models.StrategyLocal, IsActive: true, Version: 1}
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("seed strategy: %v", err)
		}
	}
	return db
}

func mustMount(t *testing.T, s *Store, user, folder, strategy, backendPath string) *models.MountPoint {
	t.Helper()
	m, err := s.CreateMount(context.Background(), NewMount{
		UserID: user, FolderPath: folder, StrategyID: strategy, BackendPath: backendPath, Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateMount(%s) error: %v", folder, err)
	}
	return m
}

func TestResolveNearestMount(t *testing.T) {
	store := NewStore(setupTestDB(t))
	r := NewResolver(store)
	ctx := context.Background()

	media := mustMount(t, store, "u1", "/Media", "s3-media", "media/u1")
	raw := mustMount(t, store, "u1", "/Media/Raw/", "s3-archive", "raw")
	mustMount(t, store, "u2", "/Docs", "dav-docs", "u2")

	tests := []struct {
		name        string
		user        string
		folder      string
		wantID      string
		wantPath    string
		wantMountID string
		wantSource  Source
	}{
		{"mount root", "u1", "/Media", "s3-media", "media/u1", media.ID, SourceMount},
		{"below mount", "u1", "/Media/2024/trips", "s3-media", "media/u1/2024/trips", media.ID, SourceMount},
		{"nested mount wins", "u1", "/Media/Raw/day1", "s3-archive", "raw/day1", raw.ID, SourceMount},
		{"other users mount ignored", "u1", "/Docs", models.DefaultStrategyID, "users/u1/Docs", "", SourceSystem},
		{"prefix is not an ancestor", "u1", "/MediaX", models.DefaultStrategyID, "users/u1/MediaX", "", SourceSystem},
		{"root folder", "u1", "/", models.DefaultStrategyID, "users/u1", "", SourceSystem},
	}
	for _, tt := range tests {
		got, err := r.Resolve(ctx, tt.user, models.RoleUser, tt.folder)
		if err != nil {
			t.Fatalf("%s: Resolve() error: %v", tt.name, err)
		}
		if got.StrategyID != tt.wantID || got.BackendPath != tt.wantPath || got.MountID != tt.wantMountID || got.Source != tt.wantSource {
			t.Errorf("%s: Resolve() = %+v, want %s %s %q %s", tt.name, got, tt.wantID, tt.wantPath, tt.wantMountID, tt.wantSource)
		}
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	store := NewStore(setupTestDB(t))
	r := NewResolver(store)
	ctx := context.Background()
	mustMount(t, store, "u1", "/A", "s3-media", "a")
	mustMount(t, store, "u1", "/A/B", "dav-docs", "b")

	first, err := r.Resolve(ctx, "u1", models.RoleUser, "/A/B/C")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		got, err := r.Resolve(ctx, "u1", models.RoleUser, "/A/B/C")
		if err != nil {
			t.Fatal(err)
		}
		if *got != *first {
			t.Fatalf("Resolve() run %d = %+v, want %+v", i, got, first)
		}
	}
}

func TestResolveFallbackPrecedence(t *testing.T) {
	store := NewStore(setupTestDB(t))
	r := NewResolver(store)
	ctx := context.Background()

	got, err := r.Resolve(ctx, "u1", models.RoleUser, "/x")
	if err != nil {
		t.Fatal(err)
	}
	if got.StrategyID != models.DefaultStrategyID || got.Source != SourceSystem {
		t.Errorf("no defaults: %+v, want system default", got)
	}

	if _, err := store.SetRoleDefault(ctx, models.RoleUser, "s3-archive"); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Resolve(ctx, "u1", models.RoleUser, "/x")
	if got.StrategyID != "s3-archive" || got.Source != SourceRole || got.BackendPath != "users/u1/x" {
		t.Errorf("role default: %+v", got)
	}
	// Admins have no default set and still use the system strategy.
	got, _ = r.Resolve(ctx, "a1", models.RoleAdmin, "/x")
	if got.StrategyID != models.DefaultStrategyID {
		t.Errorf("admin without default: %+v", got)
	}

	if _, err := store.AssignUser(ctx, "u1", "dav-docs", "home/alice"); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Resolve(ctx, "u1", models.RoleUser, "/x")
	if got.StrategyID != "dav-docs" || got.Source != SourceAssignment || got.BackendPath != "home/alice/x" {
		t.Errorf("assignment: %+v", got)
	}

	m := mustMount(t, store, "u1", "/x", "s3-media", "mx")
	got, _ = r.Resolve(ctx, "u1", models.RoleUser, "/x")
	if got.StrategyID != "s3-media" || got.Source != SourceMount {
		t.Errorf("mount: %+v", got)
	}

	if _, err := store.SetMountEnabled(ctx, m.ID, false); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Resolve(ctx, "u1", models.RoleUser, "/x")
	if got.Source != SourceAssignment {
		t.Errorf("disabled mount should be skipped: %+v", got)
	}
}

func TestRoleDefaultChangeAppliesToUnseededUsers(t *testing.T) {
	store := NewStore(setupTestDB(t))
	r := NewResolver(store)
	ctx := context.Background()

	if _, err := store.SetRoleDefault(ctx, models.RoleUser, "s3-media"); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.Resolve(ctx, "u9", models.RoleUser, "/"); got.StrategyID != "s3-media" {
		t.Fatalf("before change: %+v", got)
	}
	if _, err := store.SetRoleDefault(ctx, models.RoleUser, "dav-docs"); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.Resolve(ctx, "u9", models.RoleUser, "/"); got.StrategyID != "dav-docs" {
		t.Errorf("after change: %+v, want dav-docs", got)
	}
}

func TestSeedUser(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	if _, err := store.SetRoleDefault(ctx, models.RoleUser, "s3-media"); err != nil {
		t.Fatal(err)
	}
	a, created, err := store.SeedUser(ctx, "u1", models.RoleUser)
	if err != nil || !created {
		t.Fatalf("SeedUser() = %v, %v", created, err)
	}
	if a.StrategyID != "s3-media" || a.UserFolder != "users/u1" {
		t.Errorf("seeded assignment = %+v", a)
	}

	// A later role default change does not move a seeded user.
	store.SetRoleDefault(ctx, models.RoleUser, "dav-docs")
	a, created, err = store.SeedUser(ctx, "u1", models.RoleUser)
	if err != nil || created || a.StrategyID != "s3-media" {
		t.Errorf("second SeedUser() = %+v, %v, %v", a, created, err)
	}

	a, _, err = store.SeedUser(ctx, "admin1", models.RoleAdmin)
	if err != nil || a.StrategyID != models.DefaultStrategyID {
		t.Errorf("SeedUser(admin) = %+v, %v", a, err)
	}
}

func TestMountValidation(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()
	first := mustMount(t, store, "u1", "/Media", "s3-media", "m")

	tests := []struct {
		name string
		in   NewMount
		want error
	}{
		{"duplicate enabled", NewMount{UserID: "u1", FolderPath: "/Media/", StrategyID: "dav-docs", Enabled: true}, ErrMountConflict},
		{"unknown strategy", NewMount{UserID: "u1", FolderPath: "/New", StrategyID: "nope", Enabled: true}, storage.ErrStrategyNotFound},
		{"traversal", NewMount{UserID: "u1", FolderPath: "/a/../b", StrategyID: "s3-media"}, storage.ErrInvalidPath},
		{"bad backend path", NewMount{UserID: "u1", FolderPath: "/ok", StrategyID: "s3-media", BackendPath: "x/../../y"}, storage.ErrInvalidPath},
	}
	for _, tt := range tests {
		if _, err := store.CreateMount(ctx, tt.in); !errors.Is(err, tt.want) {
			t.Errorf("%s: CreateMount() error = %v, want %v", tt.name, err, tt.want)
		}
	}

	// A disabled duplicate is allowed but cannot be enabled while the first is.
	second, err := store.CreateMount(ctx, NewMount{UserID: "u1", FolderPath: "/Media", StrategyID: "dav-docs"})
	if err != nil {
		t.Fatalf("CreateMount(disabled duplicate) error: %v", err)
	}
	if _, err := store.SetMountEnabled(ctx, second.ID, true); !errors.Is(err, ErrMountConflict) {
		t.Errorf("enable duplicate error = %v, want ErrMountConflict", err)
	}
	if err := store.DeleteMount(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SetMountEnabled(ctx, second.ID, true); err != nil {
		t.Errorf("enable after delete error: %v", err)
	}
	if err := store.DeleteMount(ctx, first.ID); !errors.Is(err, ErrMountNotFound) {
		t.Errorf("second DeleteMount() error = %v, want ErrMountNotFound", err)
	}
}

func TestEnabledMountUniqueInSchema(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	row := func(id string, enabled bool) *models.MountPoint {
		return &models.MountPoint{ID: id, UserID: "u1", FolderPath: "/Media", StrategyID: "s3-media", Enabled: enabled}
	}

	// Inserts that skip the store's conflict check still hit the index.
	if err := db.Create(row("m1", true)).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(row("m2", true)).Error; !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Errorf("second enabled insert error = %v, want ErrDuplicatedKey", err)
	}
	for _, id := range []string{"m3", "m4"} {
		if err := db.Create(row(id, false)).Error; err != nil {
			t.Errorf("disabled duplicate %s error: %v", id, err)
		}
	}
	other := row("m5", true)
	other.UserID = "u2"
	if err := db.Create(other).Error; err != nil {
		t.Errorf("same folder for another user error: %v", err)
	}

	// The store reports the index violation as a mount conflict.
	store := NewStore(db)
	if _, err := store.SetMountEnabled(ctx, "m3", true); !errors.Is(err, ErrMountConflict) {
		t.Errorf("enable duplicate error = %v, want ErrMountConflict", err)
	}
}

func TestResolveRejectsInvalidFolder(t *testing.T) {
	r := NewResolver(NewStore(setupTestDB(t)))
	if _, err := r.Resolve(context.Background(), "u1", models.RoleUser, "/a/../../etc"); !errors.Is(err, storage.ErrInvalidPath) {
		t.Errorf("Resolve(traversal) error = %v, want ErrInvalidPath", err)
	}
}
