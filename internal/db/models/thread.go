package models

import (
	"time"

	"gorm.io/datatypes"
)

// Thread mirrors a remote conversation, unique per (account, remote thread id).
type Thread struct {
	ID             string                      `gorm:"primaryKey" json:"id"`
	AccountID      string                      `gorm:"not null;uniqueIndex:idx_thread_account_remote,priority:1" json:"account_id"`
	RemoteThreadID string                      `gorm:"not null;uniqueIndex:idx_thread_account_remote,priority:2" json:"remote_thread_id"`
	Participants   datatypes.JSONSlice[string] `json:"participants"`
	ContextType    string                      `json:"context_type,omitempty"`
	ContextID      string                      `json:"context_id,omitempty"`
	LastMessageAt  *time.Time                  `gorm:"index" json:"last_message_at,omitempty"`
	Archived       bool                        `json:"archived"`
	Muted          bool                        `json:"muted"`
	Metadata       datatypes.JSON              `json:"metadata,omitempty"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}
