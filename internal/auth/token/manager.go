// Package token is the credential store: it persists OAuth token material per
// platform account and refreshes it through the account's own egress.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pysugar/marketrelay/internal/config"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/egress"
	"github.com/pysugar/marketrelay/internal/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// ErrTokenRefreshFailed means the account has no usable refresh token or the
// provider rejected it. The account is marked expired and must re-authorize.
var ErrTokenRefreshFailed = errors.New("token refresh failed")

// expirySkew treats tokens about to expire as already expired.
const expirySkew = 30 * time.Second

// defaultLifetime applies when the provider omits expires_in.
const defaultLifetime = time.Hour

// Manager handles token lifecycle including single-flighted refresh.
type Manager struct {
	db        *gorm.DB
	platforms *config.Registry
	egress    *egress.Registry
	log       logrus.FieldLogger
	metrics   metrics.Recorder
	group     singleflight.Group
	now       func() time.Time
}

// NewManager creates a credential store.
func NewManager(db *gorm.DB, platforms *config.Registry, eg *egress.Registry, log logrus.FieldLogger, m metrics.Recorder) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		db:        db,
		platforms: platforms,
		egress:    eg,
		log:       log.WithField("component", "token"),
		metrics:   metrics.OrNoop(m),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Token returns the persisted token of an account.
func (m *Manager) Token(ctx context.Context, accountID string) (*oauth2.Token, error) {
	var acc models.PlatformAccount
	if err := m.db.WithContext(ctx).
		Select("id", "access_token", "refresh_token", "token_expires_at").
		First(&acc, "id = ?", accountID).Error; err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  acc.AccessToken,
		RefreshToken: acc.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       acc.TokenExpiresAt,
	}, nil
}

// Update persists token material. An empty refresh token keeps the stored one.
func (m *Manager) Update(ctx context.Context, accountID string, tok *oauth2.Token) error {
	updates := map[string]any{
		"access_token":     tok.AccessToken,
		"token_expires_at": m.expiryOf(tok),
		"last_error":       "",
	}
	if tok.RefreshToken != "" {
		updates["refresh_token"] = tok.RefreshToken
	}
	return m.db.WithContext(ctx).Model(&models.PlatformAccount{}).
		Where("id = ?", accountID).
		Updates(updates).Error
}

// EnsureFreshToken refreshes acct's token when it is expired. acct is updated in place.
func (m *Manager) EnsureFreshToken(ctx context.Context, acct *models.PlatformAccount) error {
	if !acct.TokenExpired(m.now().Add(expirySkew)) {
		return nil
	}
	return m.Refresh(ctx, acct, acct.AccessToken)
}

// Refresh forces a refresh unless the stored token already differs from
// staleAccessToken and is still valid. Concurrent callers for the same account
// share one provider call.
func (m *Manager) Refresh(ctx context.Context, acct *models.PlatformAccount, staleAccessToken string) error {
	v, err, shared := m.group.Do(acct.ID, func() (any, error) {
		return m.refresh(ctx, acct.ID, staleAccessToken)
	})
	if err != nil {
		return err
	}
	fresh := v.(*models.PlatformAccount)
	if shared {
		m.log.WithField("account_id", acct.ID).Debug("joined in-flight token refresh")
	}
	acct.AccessToken = fresh.AccessToken
	acct.RefreshToken = fresh.RefreshToken
	acct.TokenExpiresAt = fresh.TokenExpiresAt
	return nil
}

// RefreshExpiring refreshes active accounts whose token expires within the window.
// It returns how many accounts now hold a fresh token.
func (m *Manager) RefreshExpiring(ctx context.Context, within time.Duration) (int, error) {
	var accounts []models.PlatformAccount
	err := m.db.WithContext(ctx).
		Where("status = ? AND refresh_token <> ? AND token_expires_at < ?", models.StatusActive, "", m.now().Add(within)).
		Find(&accounts).Error
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for i := range accounts {
		acc := &accounts[i]
		if err := m.Refresh(ctx, acc, acc.AccessToken); err != nil {
			m.log.WithError(err).WithField("account_id", acc.ID).Warn("proactive refresh failed")
			continue
		}
		refreshed++
	}
	if len(accounts) > 0 {
		m.log.WithFields(logrus.Fields{"candidates": len(accounts), "refreshed": refreshed}).Info("proactive token refresh pass")
	}
	return refreshed, nil
}

func (m *Manager) refresh(ctx context.Context, accountID, stale string) (*models.PlatformAccount, error) {
	var current models.PlatformAccount
	if err := m.db.WithContext(ctx).First(&current, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: account %s is not persisted", ErrTokenRefreshFailed, accountID)
		}
		return nil, err
	}
	log := m.log.WithFields(logrus.Fields{"account_id": current.ID, "platform": current.Platform})

	// Another caller may have refreshed between our read and this call.
	if current.AccessToken != stale && !current.TokenExpired(m.now().Add(expirySkew)) {
		return &current, nil
	}

	if current.RefreshToken == "" {
		m.markExpired(ctx, current.ID, "no refresh token; re-authorization required")
		m.metrics.RecordTokenRefresh(current.Platform, false)
		return nil, fmt.Errorf("%w: no refresh token", ErrTokenRefreshFailed)
	}

	platform, ok := m.platforms.Get(current.Platform)
	if !ok {
		return nil, fmt.Errorf("%w: platform %q is not configured", ErrTokenRefreshFailed, current.Platform)
	}

	client, _, err := m.egress.HTTPClient(ctx, current.BoundEgress())
	if err != nil {
		m.recordError(ctx, current.ID, "token refresh: "+err.Error())
		return nil, fmt.Errorf("token refresh egress: %w", err)
	}

	tok, err := m.exchange(ctx, platform.OAuth2Config(), client, current.RefreshToken)
	if err != nil {
		m.metrics.RecordTokenRefresh(current.Platform, false)
		if isPermanentRefreshError(err) {
			m.markExpired(ctx, current.ID, err.Error())
			log.WithError(err).Warn("refresh token rejected, account marked expired")
			return nil, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
		}
		m.recordError(ctx, current.ID, "token refresh: "+err.Error())
		log.WithError(err).Warn("transient refresh failure, account remains active")
		return nil, fmt.Errorf("token refresh: %w", err)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != current.RefreshToken {
		log.Info("rotating refresh token")
	}
	if err := m.Update(ctx, current.ID, tok); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	m.metrics.RecordTokenRefresh(current.Platform, true)

	current.AccessToken = tok.AccessToken
	current.TokenExpiresAt = m.expiryOf(tok)
	if tok.RefreshToken != "" {
		current.RefreshToken = tok.RefreshToken
	}
	log.WithField("expires_at", current.TokenExpiresAt.Format(time.RFC3339)).Info("refreshed token")
	return &current, nil
}

func (m *Manager) exchange(ctx context.Context, cfg *oauth2.Config, client *http.Client, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

func (m *Manager) expiryOf(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return m.now().Add(defaultLifetime)
	}
	return tok.Expiry.UTC()
}

func (m *Manager) markExpired(ctx context.Context, accountID, reason string) {
	err := m.db.WithContext(ctx).Model(&models.PlatformAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]any{"status": models.StatusExpired, "last_error": reason}).Error
	if err != nil {
		m.log.WithError(err).WithField("account_id", accountID).Error("failed to mark account expired")
	}
}

func (m *Manager) recordError(ctx context.Context, accountID, reason string) {
	err := m.db.WithContext(ctx).Model(&models.PlatformAccount{}).
		Where("id = ?", accountID).
		Update("last_error", reason).Error
	if err != nil {
		m.log.WithError(err).WithField("account_id", accountID).Error("failed to record account error")
	}
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
