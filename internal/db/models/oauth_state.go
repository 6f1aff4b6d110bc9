package models

import "time"

// OAuthState correlates an authorization redirect with the user and egress that started it.
// Rows are consumed exactly once at callback.
type OAuthState struct {
	Token     string `gorm:"primaryKey"`
	UserID    string `gorm:"not null"`
	Platform  string `gorm:"not null"`
	EgressID  string
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time
}
