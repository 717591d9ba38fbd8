package tokens

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/fireflycloud/fireflycloud/internal/auth"
	"github.com/fireflycloud/fireflycloud/internal/files"
	"github.com/fireflycloud/fireflycloud/internal/models"
)

func TestLookupPickupCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expires := f.now.Add(time.Hour)
	coded, code, err := f.svc.CreateShare(ctx, "alice", f.file.ID, ShareOptions{
		GeneratePickupCode:  true,
		Gatekeeper:          true,
		CustomFileExtension: "zip",
		ExpiresAt:           &expires,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(coded.PickupCodeHash) != 64 || strings.Contains(coded.PickupCodeHash, code) {
		t.Errorf("pickup code hash = %q", coded.PickupCodeHash)
	}

	meta, err := f.svc.LookupPickupCode(ctx, code)
	if err != nil {
		t.Fatalf("LookupPickupCode() error: %v", err)
	}
	if meta.ShareToken != coded.ShareToken || !meta.HasPickupCode {
		t.Errorf("meta = %+v, want share %s", meta, coded.ShareToken)
	}
	if meta.FileName != "report.zip" || meta.MimeType != "application/zip" {
		t.Errorf("meta display = %q/%q", meta.FileName, meta.MimeType)
	}
	if got := accessCount(t, f, coded.ShareToken); got != 0 {
		t.Errorf("access count after lookup = %d, want 0", got)
	}

	n, _ := strconv.Atoi(code)
	other := fmt.Sprintf("%0*d", pickupCodeDigits, (n+1)%1000000)
	for _, bad := range []string{"", "12a456", "1234567", "12345"} {
		if _, err := f.svc.LookupPickupCode(ctx, bad); !errors.Is(err, ErrMalformedPickupCode) {
			t.Errorf("LookupPickupCode(%q) error = %v, want ErrMalformedPickupCode", bad, err)
		}
	}
	if _, err := f.svc.LookupPickupCode(ctx, other); !errors.Is(err, ErrShareNotFound) {
		t.Errorf("LookupPickupCode(other) error = %v, want ErrShareNotFound", err)
	}

	f.advance(2 * time.Hour)
	if _, err := f.svc.LookupPickupCode(ctx, code); !errors.Is(err, ErrShareUnavailable) {
		t.Errorf("LookupPickupCode(expired) error = %v, want ErrShareUnavailable", err)
	}

	_, code, err = f.svc.CreateShare(ctx, "alice", f.file.ID, ShareOptions{GeneratePickupCode: true})
	if err != nil {
		t.Fatal(err)
	}
	meta, err = f.svc.LookupPickupCode(ctx, code)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.DisableShare(ctx, "alice", meta.ShareToken); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.LookupPickupCode(ctx, code); !errors.Is(err, ErrShareNotFound) {
		t.Errorf("LookupPickupCode(disabled) error = %v, want ErrShareNotFound", err)
	}
}

func TestPickupCodeSecretSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := NewService(f.db, f.files, Config{PickupSecret: []byte("pickup-secret")})
	share, code, err := first.CreateShare(ctx, "alice", f.file.ID, ShareOptions{GeneratePickupCode: true})
	if err != nil {
		t.Fatal(err)
	}

	restarted := NewService(f.db, f.files, Config{PickupSecret: []byte("pickup-secret")})
	meta, err := restarted.LookupPickupCode(ctx, code)
	if err != nil {
		t.Fatalf("LookupPickupCode() after restart error: %v", err)
	}
	if meta.ShareToken != share.ShareToken {
		t.Errorf("share token = %s, want %s", meta.ShareToken, share.ShareToken)
	}
	a, err := restarted.RedeemShare(ctx, share.ShareToken, code, false, files.Options{})
	if err != nil {
		t.Fatalf("RedeemShare() after restart error: %v", err)
	}
	a.Descriptor.Close()

	rotated := NewService(f.db, f.files, Config{PickupSecret: []byte("another-secret")})
	if _, err := rotated.LookupPickupCode(ctx, code); !errors.Is(err, ErrShareNotFound) {
		t.Errorf("LookupPickupCode() with rotated secret error = %v, want ErrShareNotFound", err)
	}
}

func TestPickupCodeHashUnique(t *testing.T) {
	f := newFixture(t)

	row := func(token, hash string) *models.ShareLink {
		return &models.ShareLink{ShareToken: token, FileID: f.file.ID, OwnerID: "alice", PickupCodeHash: hash, Enabled: true}
	}
	if err := f.db.Create(row("s1", "")).Error; err != nil {
		t.Fatal(err)
	}
	if err := f.db.Create(row("s2", "")).Error; err != nil {
		t.Fatalf("second share without pickup code: %v", err)
	}
	if err := f.db.Create(row("s3", "abc")).Error; err != nil {
		t.Fatal(err)
	}
	if err := f.db.Create(row("s4", "abc")).Error; !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Errorf("duplicate pickup hash error = %v, want ErrDuplicatedKey", err)
	}
}

func TestDirectNameCandidates(t *testing.T) {
	tests := []struct {
		original string
		n        int
		want     string
	}{
		{"report.pdf", 0, "report.pdf"},
		{"report.pdf", 1, "report_1.pdf"},
		{"archive.tar.gz", 2, "archive.tar_2.gz"},
		{"README", 3, "README_3"},
		{".env", 1, ".env_1"},
	}
	for _, tt := range tests {
		if got := directName(tt.original, tt.n); got != tt.want {
			t.Errorf("directName(%q, %d) = %q, want %q", tt.original, tt.n, got, tt.want)
		}
	}
}

func directAccessCount(t *testing.T, f *fixture, id string) int64 {
	t.Helper()
	var link models.DirectLink
	if err := f.db.First(&link, "id = ?", id).Error; err != nil {
		t.Fatal(err)
	}
	return link.AccessCount
}

func TestDirectLinkLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.svc.DirectLink(ctx, "alice", f.file.ID)
	if err != nil {
		t.Fatalf("DirectLink() error: %v", err)
	}
	if link.DirectName != "report.pdf" || len(link.Token) != 2*tokenBytes || !link.Enabled {
		t.Errorf("link = %+v", link)
	}
	again, err := f.svc.DirectLink(ctx, "alice", f.file.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != link.ID || again.Token != link.Token {
		t.Errorf("second DirectLink() = %+v, want existing %s", again, link.ID)
	}
	if _, err := f.svc.DirectLink(ctx, "mallory", f.file.ID); !errors.Is(err, files.ErrFileNotFound) {
		t.Errorf("DirectLink(non-owner) error = %v, want ErrFileNotFound", err)
	}

	a, err := f.svc.RedeemDirectLink(ctx, link.DirectName, link.Token, files.Options{})
	if err != nil {
		t.Fatalf("RedeemDirectLink() error: %v", err)
	}
	if got := read(t, a); got != "secret report" {
		t.Errorf("content = %q", got)
	}
	if got := directAccessCount(t, f, link.ID); got != 1 {
		t.Errorf("access count = %d, want 1", got)
	}

	for name, token := range map[string]string{
		link.DirectName: "wrong",
		"missing.pdf":   link.Token,
		"":              "",
	} {
		if _, err := f.svc.RedeemDirectLink(ctx, name, token, files.Options{}); !errors.Is(err, ErrDirectLinkNotFound) {
			t.Errorf("RedeemDirectLink(%q, %q) error = %v, want ErrDirectLinkNotFound", name, token, err)
		}
	}

	if _, err := f.svc.SetDirectLinkEnabled(ctx, "mallory", link.ID, false); !errors.Is(err, ErrDirectLinkNotFound) {
		t.Errorf("SetDirectLinkEnabled(non-owner) error = %v, want ErrDirectLinkNotFound", err)
	}
	off, err := f.svc.SetDirectLinkEnabled(ctx, "alice", link.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if off.Enabled || off.Token != link.Token {
		t.Errorf("disabled link = %+v", off)
	}
	if _, err := f.svc.RedeemDirectLink(ctx, link.DirectName, link.Token, files.Options{}); !errors.Is(err, ErrDirectLinkDisabled) {
		t.Errorf("RedeemDirectLink(disabled) error = %v, want ErrDirectLinkDisabled", err)
	}
	if got := directAccessCount(t, f, link.ID); got != 1 {
		t.Errorf("access count after disabled redeem = %d, want 1", got)
	}
	if _, err := f.svc.SetDirectLinkEnabled(ctx, "alice", link.ID, true); err != nil {
		t.Fatal(err)
	}
	a, err = f.svc.RedeemDirectLink(ctx, link.DirectName, link.Token, files.Options{})
	if err != nil {
		t.Fatalf("RedeemDirectLink(re-enabled) error: %v", err)
	}
	a.Descriptor.Close()

	if err := f.svc.DeleteDirectLink(ctx, "mallory", link.ID); !errors.Is(err, ErrDirectLinkNotFound) {
		t.Errorf("DeleteDirectLink(non-owner) error = %v, want ErrDirectLinkNotFound", err)
	}
	if err := f.svc.DeleteDirectLink(ctx, "alice", link.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RedeemDirectLink(ctx, link.DirectName, link.Token, files.Options{}); !errors.Is(err, ErrDirectLinkNotFound) {
		t.Errorf("RedeemDirectLink(deleted) error = %v, want ErrDirectLinkNotFound", err)
	}
	fresh, err := f.svc.DirectLink(ctx, "alice", f.file.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == link.ID || fresh.Token == link.Token {
		t.Errorf("link after delete reused %s", link.ID)
	}
}

func TestDirectLinkNamesAreUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.DirectLink(ctx, "alice", f.file.ID)
	if err != nil {
		t.Fatal(err)
	}
	bob := auth.Principal{UserID: "bob", Role: models.RoleUser}
	other, err := f.files.Store(ctx, bob, "/inbox/report.pdf", strings.NewReader("bob's report"), 12, "application/pdf")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.DirectLink(ctx, "bob", other.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.DirectName != "report.pdf" || second.DirectName != "report_1.pdf" {
		t.Errorf("names = %q, %q", first.DirectName, second.DirectName)
	}

	a, err := f.svc.RedeemDirectLink(ctx, second.DirectName, second.Token, files.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := read(t, a); got != "bob's report" {
		t.Errorf("content = %q", got)
	}
	if _, err := f.svc.RedeemDirectLink(ctx, second.DirectName, first.Token, files.Options{}); !errors.Is(err, ErrDirectLinkNotFound) {
		t.Errorf("RedeemDirectLink(other token) error = %v, want ErrDirectLinkNotFound", err)
	}

	links, err := f.svc.ListDirectLinks(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || links[0].ID != second.ID {
		t.Errorf("bob's links = %+v", links)
	}

	if err := f.files.DeleteFile(ctx, other.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RedeemDirectLink(ctx, second.DirectName, second.Token, files.Options{}); !errors.Is(err, ErrDirectLinkNotFound) {
		t.Errorf("RedeemDirectLink(deleted file) error = %v, want ErrDirectLinkNotFound", err)
	}
}

func TestConcurrentDirectLinkRedeemCountsEveryAccess(t *testing.T) {
	checkConcurrentDirectLinkCount(t, newFixture(t))
}

func checkConcurrentDirectLinkCount(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()

	link, err := f.svc.DirectLink(ctx, "alice", f.file.ID)
	if err != nil {
		t.Fatal(err)
	}
	const n = 16
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			a, err := f.svc.RedeemDirectLink(ctx, link.DirectName, link.Token, files.Options{})
			if err == nil {
				a.Descriptor.Close()
			}
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("RedeemDirectLink() error: %v", err)
		}
	}
	if got := directAccessCount(t, f, link.ID); got != n {
		t.Errorf("access count = %d, want %d", got, n)
	}
}
