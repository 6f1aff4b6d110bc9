// Package accounts owns platform accounts: creation, lookup, status changes
// and their binding to exactly one egress identity.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/marketrelay/internal/config"
	"github.com/pysugar/marketrelay/internal/db"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/egress"
	"github.com/pysugar/marketrelay/internal/identity"
	"github.com/pysugar/marketrelay/internal/mirror"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Registry is the account repository.
type Registry struct {
	db        *gorm.DB
	platforms *config.Registry
	egress    *egress.Registry
	mirror    *mirror.Store
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewRegistry creates an account registry.
func NewRegistry(database *gorm.DB, platforms *config.Registry, eg *egress.Registry, store *mirror.Store, log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		db:        database,
		platforms: platforms,
		egress:    eg,
		mirror:    store,
		log:       log.WithField("component", "accounts"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest is a manual account registration.
type CreateRequest struct {
	Username   string          `json:"username"`
	Email      string          `json:"email"`
	ExternalID string          `json:"external_id"`
	EgressRef  string          `json:"egress"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// UpdateRequest changes mutable account fields. Nil fields are left alone.
type UpdateRequest struct {
	Status   *models.AccountStatus `json:"status,omitempty"`
	Username *string               `json:"username,omitempty"`
	Email    *string               `json:"email,omitempty"`
	Metadata json.RawMessage       `json:"metadata,omitempty"`
}

// Authorization is the outcome of a completed OAuth round-trip.
type Authorization struct {
	ExternalID string
	Username   string
	Email      string
	Token      *oauth2.Token
	Metadata   json.RawMessage
}

// Create registers a pending account for the caller and binds it to an egress
// identity. The account becomes active once authorized.
func (r *Registry) Create(ctx context.Context, caller identity.Caller, platform string, req CreateRequest) (*models.PlatformAccount, error) {
	platform = config.NormalizeSlug(platform)
	if err := r.validatePlatform(platform); err != nil {
		return nil, err
	}
	if req.Metadata != nil && !json.Valid(req.Metadata) {
		return nil, NewValidationError("metadata", "must be valid JSON")
	}

	acc := &models.PlatformAccount{
		ID:         uuid.NewString(),
		UserID:     caller.UserID,
		Platform:   platform,
		ExternalID: strings.TrimSpace(req.ExternalID),
		Username:   strings.TrimSpace(req.Username),
		Email:      strings.TrimSpace(req.Email),
		Status:     models.StatusPending,
		Metadata:   datatypes.JSON(req.Metadata),
	}
	if err := r.db.WithContext(ctx).Create(acc).Error; err != nil {
		if db.IsUniqueViolation(err) {
			return nil, NewValidationError("platform", "an account for this platform already exists")
		}
		return nil, err
	}

	e, err := r.egress.Acquire(ctx, caller.UserID, req.EgressRef, acc.ID)
	if err != nil {
		if delErr := r.db.WithContext(ctx).Delete(&models.PlatformAccount{}, "id = ?", acc.ID).Error; delErr != nil {
			r.log.WithError(delErr).WithField("account_id", acc.ID).Error("failed to roll back account without egress")
		}
		return nil, err
	}
	acc.EgressID = &e.ID
	r.log.WithFields(logrus.Fields{"account_id": acc.ID, "platform": platform, "egress_id": e.ID}).Info("account created")
	return acc, nil
}

// Get finds one account of the caller on platform by id, username or external id.
func (r *Registry) Get(ctx context.Context, caller identity.Caller, platform, ref string) (*models.PlatformAccount, error) {
	if ref = strings.TrimSpace(ref); ref == "" {
		return nil, ErrAccountNotFound
	}
	var acc models.PlatformAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND platform = ?", caller.UserID, config.NormalizeSlug(platform)).
		Where("id = ? OR username = ? OR external_id = ?", ref, ref, ref).
		First(&acc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// GetByID loads an account without ownership checks. Used by background jobs.
func (r *Registry) GetByID(ctx context.Context, id string) (*models.PlatformAccount, error) {
	var acc models.PlatformAccount
	if err := r.db.WithContext(ctx).First(&acc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// FindForUser returns the caller's account on platform, or nil.
func (r *Registry) FindForUser(ctx context.Context, userID, platform string) (*models.PlatformAccount, error) {
	var acc models.PlatformAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND platform = ?", userID, config.NormalizeSlug(platform)).
		First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// FindByExternalID resolves the local account of a remote user id. When several
// local users connected the same remote identity, an active one is preferred.
func (r *Registry) FindByExternalID(ctx context.Context, platform, externalID string) (*models.PlatformAccount, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, ErrAccountNotFound
	}
	var candidates []models.PlatformAccount
	err := r.db.WithContext(ctx).
		Where("platform = ? AND external_id = ?", config.NormalizeSlug(platform), externalID).
		Order("updated_at DESC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrAccountNotFound
	}
	for i := range candidates {
		if candidates[i].Status == models.StatusActive {
			return &candidates[i], nil
		}
	}
	return &candidates[0], nil
}

// List returns the caller's accounts, optionally restricted to one platform.
func (r *Registry) List(ctx context.Context, caller identity.Caller, platform string) ([]models.PlatformAccount, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", caller.UserID)
	if platform != "" {
		q = q.Where("platform = ?", config.NormalizeSlug(platform))
	}
	var out []models.PlatformAccount
	err := q.Order("created_at ASC").Find(&out).Error
	return out, err
}

// ListActive returns every active account across users.
func (r *Registry) ListActive(ctx context.Context) ([]models.PlatformAccount, error) {
	var out []models.PlatformAccount
	err := r.db.WithContext(ctx).
		Where("status = ?", models.StatusActive).
		Order("last_sync_at ASC").
		Find(&out).Error
	return out, err
}

// Update applies req to one of the caller's accounts.
func (r *Registry) Update(ctx context.Context, caller identity.Caller, platform, ref string, req UpdateRequest) (*models.PlatformAccount, error) {
	acc, err := r.Get(ctx, caller, platform, ref)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if req.Status != nil {
		to := *req.Status
		if !to.Valid() {
			return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", to))
		}
		if !CanTransition(acc.Status, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, acc.Status, to)
		}
		if to == models.StatusActive && acc.AccessToken == "" {
			return nil, NewValidationError("status", "account has no credentials; authorize it first")
		}
		updates["status"] = to
	}
	if req.Username != nil {
		updates["username"] = strings.TrimSpace(*req.Username)
	}
	if req.Email != nil {
		updates["email"] = strings.TrimSpace(*req.Email)
	}
	if req.Metadata != nil {
		if !json.Valid(req.Metadata) {
			return nil, NewValidationError("metadata", "must be valid JSON")
		}
		updates["metadata"] = datatypes.JSON(req.Metadata)
	}
	if len(updates) == 0 {
		return acc, nil
	}
	if err := r.db.WithContext(ctx).Model(acc).Updates(updates).Error; err != nil {
		return nil, err
	}
	return r.GetByID(ctx, acc.ID)
}

// Delete removes an account, releases its egress and drops its mirrored rows.
func (r *Registry) Delete(ctx context.Context, caller identity.Caller, platform, ref string) error {
	acc, err := r.Get(ctx, caller, platform, ref)
	if err != nil {
		return err
	}
	if err := r.egress.Release(ctx, acc.BoundEgress()); err != nil {
		return fmt.Errorf("release egress: %w", err)
	}
	if r.mirror != nil {
		if err := r.mirror.PurgeAccount(ctx, acc.ID); err != nil {
			return fmt.Errorf("purge mirror: %w", err)
		}
	}
	if err := r.db.WithContext(ctx).Delete(&models.PlatformAccount{}, "id = ?", acc.ID).Error; err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"account_id": acc.ID, "platform": acc.Platform}).Info("account deleted")
	return nil
}

// Rebind moves an account to another egress identity. An empty egressRef picks
// any idle identity of the caller.
func (r *Registry) Rebind(ctx context.Context, caller identity.Caller, platform, ref, egressRef string) (*models.PlatformAccount, error) {
	acc, err := r.Get(ctx, caller, platform, ref)
	if err != nil {
		return nil, err
	}
	if egressRef == "" {
		if _, err := r.egress.Reassign(ctx, caller.UserID, acc.ID, ""); err != nil {
			return nil, err
		}
		return r.GetByID(ctx, acc.ID)
	}

	e, err := r.egress.Resolve(ctx, caller.UserID, egressRef)
	if err != nil {
		return nil, err
	}
	if err := r.egress.Bind(ctx, e.ID, acc.ID); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, acc.ID)
}

// EnsurePending returns the user's account on platform, creating a pending one
// when none exists. created reports whether a row was inserted.
func (r *Registry) EnsurePending(ctx context.Context, userID, platform string) (*models.PlatformAccount, bool, error) {
	platform = config.NormalizeSlug(platform)
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := r.FindForUser(ctx, userID, platform)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
		acc := &models.PlatformAccount{
			ID:       uuid.NewString(),
			UserID:   userID,
			Platform: platform,
			Status:   models.StatusPending,
		}
		err = r.db.WithContext(ctx).Create(acc).Error
		if err == nil {
			return acc, true, nil
		}
		if !db.IsUniqueViolation(err) {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("ensure account for %s/%s: concurrent creation", userID, platform)
}

// Authorize stores token material and profile from a completed OAuth round-trip
// and marks the account active and verified.
func (r *Registry) Authorize(ctx context.Context, accountID string, auth Authorization) (*models.PlatformAccount, error) {
	expiry := auth.Token.Expiry.UTC()
	if auth.Token.Expiry.IsZero() {
		expiry = r.now().Add(time.Hour)
	}
	updates := map[string]any{
		"external_id":      auth.ExternalID,
		"username":         auth.Username,
		"email":            auth.Email,
		"access_token":     auth.Token.AccessToken,
		"token_expires_at": expiry,
		"status":           models.StatusActive,
		"verified":         true,
		"last_error":       "",
	}
	if auth.Token.RefreshToken != "" {
		updates["refresh_token"] = auth.Token.RefreshToken
	}
	if len(auth.Metadata) > 0 && json.Valid(auth.Metadata) {
		updates["metadata"] = datatypes.JSON(auth.Metadata)
	}
	if err := r.db.WithContext(ctx).Model(&models.PlatformAccount{}).
		Where("id = ?", accountID).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	return r.GetByID(ctx, accountID)
}

// Discard deletes a pending account created for an authorization that failed.
func (r *Registry) Discard(ctx context.Context, accountID string) error {
	acc, err := r.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}
		return err
	}
	if acc.Status != models.StatusPending {
		return nil
	}
	if err := r.egress.Release(ctx, acc.BoundEgress()); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Delete(&models.PlatformAccount{}, "id = ?", accountID).Error
}

// RecordSync stamps last_sync_at and stores the outcome in last_error.
func (r *Registry) RecordSync(ctx context.Context, accountID string, syncErr error) error {
	msg := ""
	if syncErr != nil {
		msg = syncErr.Error()
	}
	return r.db.WithContext(ctx).Model(&models.PlatformAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]any{"last_sync_at": r.now(), "last_error": msg}).Error
}

// RecordFailure stores an error on the account; expire also moves an active
// account to expired.
func (r *Registry) RecordFailure(ctx context.Context, accountID, message string, expire bool) error {
	if err := r.db.WithContext(ctx).Model(&models.PlatformAccount{}).
		Where("id = ?", accountID).
		Update("last_error", message).Error; err != nil {
		return err
	}
	if !expire {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.PlatformAccount{}).
		Where("id = ? AND status = ?", accountID, models.StatusActive).
		Update("status", models.StatusExpired).Error
}

// TouchWebhook stamps the last webhook arrival.
func (r *Registry) TouchWebhook(ctx context.Context, accountID string) error {
	return r.db.WithContext(ctx).Model(&models.PlatformAccount{}).
		Where("id = ?", accountID).
		Update("last_webhook_at", r.now()).Error
}

func (r *Registry) validatePlatform(platform string) error {
	if platform == "" {
		return NewValidationError("platform", "is required")
	}
	if r.platforms != nil {
		if _, ok := r.platforms.Get(platform); !ok {
			return NewValidationError("platform", fmt.Sprintf("unknown platform %q", platform))
		}
	}
	return nil
}
