package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Lead is a prospective customer record owned by an affiliate. Only the
// ownership column matters to this engine: recovery reassigns it wholesale.
type Lead struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	OwnerProfileID snowflake.ID `gorm:"not null;index"`
	CustomerName   string       `gorm:"type:text;not null"`
	Phone          string       `gorm:"type:text"`
	Source         string       `gorm:"type:text"`
	CreatedAt      time.Time    `gorm:"not null"`
	UpdatedAt      time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Lead) TableName() string { return "leads" }

// ReferralLink is a tracked signup link owned by an affiliate.
type ReferralLink struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	OwnerProfileID snowflake.ID `gorm:"not null;index"`
	Slug           string       `gorm:"type:text;not null;uniqueIndex"`
	TargetURL      string       `gorm:"type:text;not null"`
	Clicks         int64        `gorm:"not null;default:0"`
	CreatedAt      time.Time    `gorm:"not null"`
	UpdatedAt      time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (ReferralLink) TableName() string { return "referral_links" }
