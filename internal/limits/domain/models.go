// Package domain contains the per-user spend ceiling model.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// UsageLimits holds one user's configurable ceilings. A ceiling of zero
// means the dimension is not enforced ("no limit").
type UsageLimits struct {
	UserID          string                       `gorm:"primaryKey;type:text" json:"user_id"`
	DailyLimitUSD   float64                      `gorm:"not null;default:0" json:"daily_limit_usd"`
	PerTaskLimitUSD float64                      `gorm:"not null;default:0" json:"per_task_limit_usd"`
	MonthlyLimitUSD float64                      `gorm:"not null;default:0" json:"monthly_limit_usd"`
	HardStop        bool                         `gorm:"not null;default:false" json:"hard_stop"`
	AlertThresholds datatypes.JSONSlice[float64] `gorm:"type:jsonb" json:"alert_thresholds"`
	CreatedAt       time.Time                    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time                    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (UsageLimits) TableName() string { return "gitu_usage_limits" }

// HasDailyLimit reports whether the daily ceiling is enforced.
func (l UsageLimits) HasDailyLimit() bool { return l.DailyLimitUSD > 0 }

// HasPerTaskLimit reports whether the per-task ceiling is enforced.
func (l UsageLimits) HasPerTaskLimit() bool { return l.PerTaskLimitUSD > 0 }

// HasMonthlyLimit reports whether the monthly ceiling is enforced.
func (l UsageLimits) HasMonthlyLimit() bool { return l.MonthlyLimitUSD > 0 }
