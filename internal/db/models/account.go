package models

import (
	"time"

	"gorm.io/datatypes"
)

// AccountStatus is the lifecycle state of a platform account.
type AccountStatus string

const (
	StatusPending   AccountStatus = "pending"
	StatusActive    AccountStatus = "active"
	StatusPaused    AccountStatus = "paused"
	StatusExpired   AccountStatus = "expired"
	StatusSuspended AccountStatus = "suspended"
)

// Valid reports whether s is a known status.
func (s AccountStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusPaused, StatusExpired, StatusSuspended:
		return true
	}
	return false
}

// PlatformAccount is one marketplace identity controlled by one local user.
// At most one account per (user, platform); the egress binding is unique.
type PlatformAccount struct {
	ID             string         `gorm:"primaryKey" json:"id"`
	UserID         string         `gorm:"not null;uniqueIndex:idx_account_user_platform,priority:1" json:"user_id"`
	Platform       string         `gorm:"not null;uniqueIndex:idx_account_user_platform,priority:2;index:idx_account_external,priority:1" json:"platform"`
	EgressID       *string        `gorm:"uniqueIndex" json:"egress_id,omitempty"`
	ExternalID     string         `gorm:"index:idx_account_external,priority:2" json:"external_id"`
	Username       string         `json:"username"`
	Email          string         `json:"email"`
	AccessToken    string         `gorm:"type:text" json:"-"`
	RefreshToken   string         `gorm:"type:text" json:"-"`
	TokenExpiresAt time.Time      `json:"token_expires_at"`
	Status         AccountStatus  `gorm:"not null;index" json:"status"`
	Verified       bool           `json:"verified"`
	LastSyncAt     *time.Time     `json:"last_sync_at,omitempty"`
	LastWebhookAt  *time.Time     `json:"last_webhook_at,omitempty"`
	LastError      string         `gorm:"type:text" json:"last_error,omitempty"`
	Metadata       datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TokenExpired reports whether the access token is unusable at now.
func (a *PlatformAccount) TokenExpired(now time.Time) bool {
	return a.AccessToken == "" || !a.TokenExpiresAt.After(now)
}

// BoundEgress returns the bound egress id or "".
func (a *PlatformAccount) BoundEgress() string {
	if a.EgressID == nil {
		return ""
	}
	return *a.EgressID
}
