package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// Action names for every semantically meaningful step in the commission and
// contract lifecycle. One audit row per action, enough detail to reconstruct
// who did what, when, and why without consulting any other table.
const (
	ActionSaleApproved         = "sale.approved"
	ActionSaleRejected         = "sale.rejected"
	ActionCommissionSynced     = "commission.synced"
	ActionContractSubmitted    = "contract.submitted"
	ActionContractCompleted    = "contract.completed"
	ActionContractTerminated   = "contract.terminated"
	ActionContractRecovered    = "contract.recovered"
	ActionContractRetryAttempt = "contract.recovery_retried"
	ActionContractDeleted      = "contract.deleted"
	ActionSettlementApproved   = "settlement.approved"
	ActionAuthorizationDenied  = "authorization.denied"
	ActionAuthorizationGranted = "authorization.granted"
)

// AuditLog is append-only: rows are inserted, never updated or deleted.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	ActorType  string            `gorm:"type:text;not null;index"`
	ActorID    *string           `gorm:"type:text"`
	Action     string            `gorm:"type:text;not null;index"`
	TargetType string            `gorm:"type:text;not null;index"`
	TargetID   *string           `gorm:"type:text;index"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;index"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}
