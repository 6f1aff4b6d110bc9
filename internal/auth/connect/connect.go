// Package connect runs the authorization-code flow that links a marketplace
// account to a local user and pins it to an egress identity.
package connect

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/config"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/egress"
	"github.com/pysugar/marketrelay/internal/identity"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/pysugar/marketrelay/internal/mirror"
	"github.com/pysugar/marketrelay/internal/upstream"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

var (
	// ErrInvalidOrExpiredState means the callback state is unknown, already used or stale.
	ErrInvalidOrExpiredState = errors.New("invalid or expired oauth state")
	// ErrUnknownPlatform means no platform is configured under the slug.
	ErrUnknownPlatform = errors.New("unknown platform")
	// ErrCodeExchange means the provider refused the authorization code.
	ErrCodeExchange = errors.New("authorization code exchange failed")
)

// Executor fetches the remote profile through the account's egress.
type Executor interface {
	Do(ctx context.Context, acct *models.PlatformAccount, method, path string, opts *upstream.Options, out any) error
}

// Options configures the flow.
type Options struct {
	StateTTL time.Duration
	// CaptureCallerIP records the caller's address as a local egress when the
	// user has no idle identity.
	CaptureCallerIP bool
}

// AuthorizeRequest starts an authorization.
type AuthorizeRequest struct {
	Platform  string
	EgressRef string
	ClientIP  string
}

// Manager drives authorization round-trips.
type Manager struct {
	db        *gorm.DB
	platforms *config.Registry
	accounts  *accounts.Registry
	egress    *egress.Registry
	executor  Executor
	opts      Options
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewManager creates a flow manager.
func NewManager(db *gorm.DB, platforms *config.Registry, accts *accounts.Registry, eg *egress.Registry, executor Executor, opts Options, log logrus.FieldLogger) *Manager {
	if opts.StateTTL <= 0 {
		opts.StateTTL = 5 * time.Minute
	}
	return &Manager{
		db:        db,
		platforms: platforms,
		accounts:  accts,
		egress:    eg,
		executor:  executor,
		opts:      opts,
		log:       logging.OrDiscard(log).WithField("component", "connect"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// BuildAuthorizationURL records a single-use state for the caller and returns
// the provider URL to redirect to.
func (m *Manager) BuildAuthorizationURL(ctx context.Context, caller identity.Caller, req AuthorizeRequest) (string, string, error) {
	if !caller.Valid() {
		return "", "", accounts.NewValidationError("user", "is required")
	}
	platform, ok := m.platforms.Get(req.Platform)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownPlatform, req.Platform)
	}

	egressID, err := m.chooseEgress(ctx, caller.UserID, platform.Slug, req)
	if err != nil {
		return "", "", err
	}

	state, err := randomState()
	if err != nil {
		return "", "", err
	}
	row := &models.OAuthState{
		Token:     state,
		UserID:    caller.UserID,
		Platform:  platform.Slug,
		EgressID:  egressID,
		ExpiresAt: m.now().Add(m.opts.StateTTL),
	}
	if err := m.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", "", fmt.Errorf("store oauth state: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"user_id":   caller.UserID,
		"platform":  platform.Slug,
		"egress_id": egressID,
	}).Info("authorization started")
	return platform.OAuth2Config().AuthCodeURL(state), state, nil
}

// chooseEgress prefers the account's current binding, then the requested
// identity, then any idle one, then the caller's own address.
func (m *Manager) chooseEgress(ctx context.Context, userID, platform string, req AuthorizeRequest) (string, error) {
	existing, err := m.accounts.FindForUser(ctx, userID, platform)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.BoundEgress() != "" {
		return existing.BoundEgress(), nil
	}

	if req.EgressRef != "" {
		e, err := m.egress.Resolve(ctx, userID, req.EgressRef)
		if err != nil {
			return "", err
		}
		if !e.Active {
			return "", egress.ErrEgressInactive
		}
		return e.ID, nil
	}

	e, err := m.egress.Allocate(ctx, userID, "")
	if err == nil {
		return e.ID, nil
	}
	if !errors.Is(err, egress.ErrNoEgressAvailable) || !m.opts.CaptureCallerIP || req.ClientIP == "" {
		return "", err
	}
	captured, capErr := m.egress.CaptureLocal(ctx, userID, req.ClientIP)
	if capErr != nil {
		m.log.WithError(capErr).WithField("client_ip", req.ClientIP).Warn("could not capture caller address")
		return "", err
	}
	return captured.ID, nil
}

// CompleteAuthorization consumes state, exchanges code through the resolved
// egress and stores the authorized account.
func (m *Manager) CompleteAuthorization(ctx context.Context, code, state string) (acct *models.PlatformAccount, err error) {
	if code == "" {
		return nil, accounts.NewValidationError("code", "is required")
	}
	st, err := m.consumeState(ctx, state)
	if err != nil {
		return nil, err
	}
	platform, ok := m.platforms.Get(st.Platform)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, st.Platform)
	}
	log := logging.FromContext(ctx, m.log).WithFields(logrus.Fields{"user_id": st.UserID, "platform": st.Platform})

	pending, created, err := m.accounts.EnsurePending(ctx, st.UserID, st.Platform)
	if err != nil {
		return nil, err
	}
	if created {
		defer func() {
			if err == nil {
				return
			}
			discardCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if dErr := m.accounts.Discard(discardCtx, pending.ID); dErr != nil {
				log.WithError(dErr).Warn("failed to discard pending account")
			}
		}()
	}

	// An account that already owns an identity keeps it; the state's choice
	// only applies to a first binding.
	e, err := m.egress.Acquire(ctx, st.UserID, st.EgressID, pending.ID)
	if err != nil {
		return nil, err
	}
	client, _, err := m.egress.HTTPClient(ctx, e.ID)
	if err != nil {
		return nil, err
	}

	tok, err := platform.OAuth2Config().Exchange(context.WithValue(ctx, oauth2.HTTPClient, client), code)
	if err != nil {
		log.WithError(err).Warn("code exchange failed")
		return nil, fmt.Errorf("%w: %v", ErrCodeExchange, err)
	}

	transient := *pending
	transient.Status = models.StatusActive
	transient.AccessToken = tok.AccessToken
	transient.EgressID = &e.ID
	var raw json.RawMessage
	if err := m.executor.Do(ctx, &transient, http.MethodGet, platform.ProfilePath, &upstream.Options{SkipRefresh: true}, &raw); err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	profile, err := parseProfile(raw)
	if err != nil {
		return nil, err
	}

	acct, err = m.accounts.Authorize(ctx, pending.ID, accounts.Authorization{
		ExternalID: profile.ID.String(),
		Username:   profile.Username,
		Email:      profile.Email,
		Token:      tok,
		Metadata:   raw,
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"account_id": acct.ID,
		"username":   acct.Username,
		"egress":     e.DisplayIP(),
		"relogin":    !created,
	}).Info("account authorized")
	return acct, nil
}

// consumeState deletes the state row and returns it. Only one caller can win.
func (m *Manager) consumeState(ctx context.Context, token string) (*models.OAuthState, error) {
	if token == "" {
		return nil, ErrInvalidOrExpiredState
	}
	var st models.OAuthState
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&st, "token = ?", token).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidOrExpiredState
			}
			return err
		}
		res := tx.Delete(&models.OAuthState{}, "token = ?", token)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidOrExpiredState
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !st.ExpiresAt.After(m.now()) {
		return nil, ErrInvalidOrExpiredState
	}
	return &st, nil
}

// PurgeExpiredStates removes abandoned authorizations.
func (m *Manager) PurgeExpiredStates(ctx context.Context) (int64, error) {
	res := m.db.WithContext(ctx).Where("expires_at <= ?", m.now()).Delete(&models.OAuthState{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		m.log.WithField("purged", res.RowsAffected).Debug("expired oauth states purged")
	}
	return res.RowsAffected, nil
}

type profile struct {
	ID       mirror.RemoteID `json:"id"`
	Username string          `json:"username"`
	Email    string          `json:"email"`
}

func parseProfile(raw json.RawMessage) (*profile, error) {
	var p profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if p.ID.String() == "" {
		return nil, errors.New("profile has no id")
	}
	return &p, nil
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
