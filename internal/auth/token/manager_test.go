package token

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/marketrelay/internal/db/dbtest"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/egress"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/pysugar/marketrelay/internal/platformtest"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	fake    *platformtest.Server
	manager *Manager
	account *models.PlatformAccount
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := dbtest.New(t)
	fake := platformtest.New(t)
	reg := egress.NewRegistry(database, nil, logging.Discard(), nil)
	acc := fake.SeedAccount(t, database, reg, "user-1")
	return &fixture{
		db:      database,
		fake:    fake,
		manager: NewManager(database, fake.Registry(), reg, logging.Discard(), nil),
		account: acc,
	}
}

func (f *fixture) expire(t *testing.T) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	if err := f.db.Model(f.account).Update("token_expires_at", past).Error; err != nil {
		t.Fatalf("expire token: %v", err)
	}
	f.account.TokenExpiresAt = past
}

func (f *fixture) reload(t *testing.T) models.PlatformAccount {
	t.Helper()
	var acc models.PlatformAccount
	if err := f.db.First(&acc, "id = ?", f.account.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	return acc
}

func TestEnsureFreshToken_NoopWhenValid(t *testing.T) {
	f := newFixture(t)
	before := f.account.AccessToken

	if err := f.manager.EnsureFreshToken(context.Background(), f.account); err != nil {
		t.Fatalf("EnsureFreshToken: %v", err)
	}
	if f.account.AccessToken != before {
		t.Fatalf("token changed without expiry")
	}
	if n := f.fake.Count("token:refresh_token"); n != 0 {
		t.Fatalf("expected no refresh grant, got %d", n)
	}
}

func TestEnsureFreshToken_RefreshesAndRotates(t *testing.T) {
	f := newFixture(t)
	f.expire(t)
	oldAccess, oldRefresh := f.account.AccessToken, f.account.RefreshToken

	if err := f.manager.EnsureFreshToken(context.Background(), f.account); err != nil {
		t.Fatalf("EnsureFreshToken: %v", err)
	}
	if f.account.AccessToken == oldAccess || f.account.RefreshToken == oldRefresh {
		t.Fatalf("expected new token pair, got %q/%q", f.account.AccessToken, f.account.RefreshToken)
	}

	stored := f.reload(t)
	if stored.AccessToken != f.account.AccessToken || stored.RefreshToken != f.account.RefreshToken {
		t.Fatalf("refreshed tokens not persisted")
	}
	if !stored.TokenExpiresAt.After(time.Now().Add(50 * time.Minute)) {
		t.Fatalf("expiry not advanced: %v", stored.TokenExpiresAt)
	}
	if stored.Status != models.StatusActive {
		t.Fatalf("status = %s, want active", stored.Status)
	}
}

func TestRefresh_SingleFlightPerAccount(t *testing.T) {
	f := newFixture(t)
	f.expire(t)
	f.fake.RefreshDelay(100 * time.Millisecond)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc := *f.account
			errs <- f.manager.EnsureFreshToken(context.Background(), &acc)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent refresh: %v", err)
		}
	}
	if n := f.fake.Count("token:refresh_token"); n != 1 {
		t.Fatalf("expected exactly one refresh grant, got %d", n)
	}
}

func TestRefresh_ReusesTokenRefreshedElsewhere(t *testing.T) {
	f := newFixture(t)
	stale := f.account.AccessToken

	access, refresh := f.fake.IssueTokens()
	if err := f.db.Model(f.account).Updates(map[string]any{
		"access_token": access, "refresh_token": refresh, "token_expires_at": time.Now().UTC().Add(time.Hour),
	}).Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := f.manager.Refresh(context.Background(), f.account, stale); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if f.account.AccessToken != access {
		t.Fatalf("expected stored token %q, got %q", access, f.account.AccessToken)
	}
	if n := f.fake.Count("token:refresh_token"); n != 0 {
		t.Fatalf("expected no provider call, got %d", n)
	}
}

func TestRefresh_RejectedMarksExpired(t *testing.T) {
	f := newFixture(t)
	f.expire(t)
	f.fake.RejectRefresh(true)

	err := f.manager.EnsureFreshToken(context.Background(), f.account)
	if !errors.Is(err, ErrTokenRefreshFailed) {
		t.Fatalf("expected ErrTokenRefreshFailed, got %v", err)
	}
	stored := f.reload(t)
	if stored.Status != models.StatusExpired {
		t.Fatalf("status = %s, want expired", stored.Status)
	}
	if stored.LastError == "" {
		t.Fatalf("expected last_error to be recorded")
	}
}

func TestRefresh_MissingRefreshTokenMarksExpired(t *testing.T) {
	f := newFixture(t)
	f.expire(t)
	if err := f.db.Model(f.account).Update("refresh_token", "").Error; err != nil {
		t.Fatalf("clear refresh token: %v", err)
	}

	err := f.manager.EnsureFreshToken(context.Background(), f.account)
	if !errors.Is(err, ErrTokenRefreshFailed) {
		t.Fatalf("expected ErrTokenRefreshFailed, got %v", err)
	}
	if n := f.fake.Count("token:refresh_token"); n != 0 {
		t.Fatalf("provider must not be called, got %d", n)
	}
	if stored := f.reload(t); stored.Status != models.StatusExpired {
		t.Fatalf("status = %s, want expired", stored.Status)
	}
}

func TestRefresh_TransientFailureKeepsAccountActive(t *testing.T) {
	f := newFixture(t)
	f.expire(t)
	f.fake.RefreshStatus(http.StatusServiceUnavailable)

	err := f.manager.EnsureFreshToken(context.Background(), f.account)
	if err == nil || errors.Is(err, ErrTokenRefreshFailed) {
		t.Fatalf("expected transient error, got %v", err)
	}
	stored := f.reload(t)
	if stored.Status != models.StatusActive {
		t.Fatalf("status = %s, want active", stored.Status)
	}
	if stored.LastError == "" {
		t.Fatalf("expected last_error to be recorded")
	}
}

func TestRefreshExpiring(t *testing.T) {
	f := newFixture(t)
	soon := time.Now().UTC().Add(5 * time.Minute)
	if err := f.db.Model(f.account).Update("token_expires_at", soon).Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	n, err := f.manager.RefreshExpiring(context.Background(), 15*time.Minute)
	if err != nil {
		t.Fatalf("RefreshExpiring: %v", err)
	}
	if n != 1 {
		t.Fatalf("refreshed %d accounts, want 1", n)
	}

	n, err = f.manager.RefreshExpiring(context.Background(), 15*time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("second pass refreshed %d (err %v), want 0", n, err)
	}
}

func TestTokenAndUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok, err := f.manager.Token(ctx, f.account.ID)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != f.account.AccessToken || tok.RefreshToken != f.account.RefreshToken {
		t.Fatalf("unexpected token %+v", tok)
	}

	tok.AccessToken = "replacement"
	tok.RefreshToken = ""
	if err := f.manager.Update(ctx, f.account.ID, tok); err != nil {
		t.Fatalf("Update: %v", err)
	}
	stored := f.reload(t)
	if stored.AccessToken != "replacement" || stored.RefreshToken != f.account.RefreshToken {
		t.Fatalf("update mismatch: %q %q", stored.AccessToken, stored.RefreshToken)
	}
}

func TestIsPermanentRefreshError(t *testing.T) {
	tests := []struct {
		name      string
		errText   string
		permanent bool
	}{
		{name: "invalid grant", errText: "oauth2: cannot fetch token: 400 Bad Request {\"error\":\"invalid_grant\"}", permanent: true},
		{name: "revoked", errText: "token has been expired or revoked", permanent: true},
		{name: "timeout", errText: "context deadline exceeded", permanent: false},
		{name: "temporary", errText: "temporarily_unavailable", permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isPermanentRefreshError(assertErr(tt.errText))
			if got != tt.permanent {
				t.Fatalf("expected %v, got %v", tt.permanent, got)
			}
		})
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
