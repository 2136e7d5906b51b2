// Package domain contains persistence models for the usage ledger.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Platform identifies the client surface a request originated from.
type Platform string

const (
	PlatformTerminal Platform = "terminal"
	PlatformWeb      Platform = "web"
	PlatformFlutter  Platform = "flutter"
	PlatformWhatsApp Platform = "whatsapp"
	PlatformTelegram Platform = "telegram"
	PlatformEmail    Platform = "email"
)

// ParsePlatform validates a raw platform label.
func ParsePlatform(raw string) (Platform, bool) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case PlatformTerminal:
		return PlatformTerminal, true
	case PlatformWeb:
		return PlatformWeb, true
	case PlatformFlutter:
		return PlatformFlutter, true
	case PlatformWhatsApp:
		return PlatformWhatsApp, true
	case PlatformTelegram:
		return PlatformTelegram, true
	case PlatformEmail:
		return PlatformEmail, true
	default:
		return "", false
	}
}

// UsageRecord stores one completed AI operation. Rows are ledger
// entries: written once, never updated or deleted by the service.
type UsageRecord struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID     string       `gorm:"type:text;not null;index:idx_gitu_usage_user_ts,priority:1" json:"user_id"`
	Operation  string       `gorm:"type:text;not null" json:"operation"`
	Model      string       `gorm:"type:text" json:"model"`
	Platform   Platform     `gorm:"type:text;not null" json:"platform"`
	TokensUsed int64        `gorm:"not null" json:"tokens_used"`
	CostUSD    float64      `gorm:"not null" json:"cost_usd"`
	Timestamp  time.Time    `gorm:"not null;index:idx_gitu_usage_user_ts,priority:2" json:"timestamp"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "gitu_usage_records" }
