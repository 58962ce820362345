package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type RoleKind string

const (
	RoleBranchManager     RoleKind = "BRANCH_MANAGER"
	RoleSalesAgent        RoleKind = "SALES_AGENT"
	RoleSubscriptionAgent RoleKind = "SUBSCRIPTION_AGENT"
)

type ProfileStatus string

const (
	ProfileStatusActive     ProfileStatus = "ACTIVE"
	ProfileStatusSuspended  ProfileStatus = "SUSPENDED"
	ProfileStatusTerminated ProfileStatus = "TERMINATED"
)

type RelationStatus string

const (
	RelationStatusActive RelationStatus = "ACTIVE"
	RelationStatusEnded  RelationStatus = "ENDED"
)

// HQProfileID is the implicit top-level payee. HQ has no profile row; its id
// is zero everywhere a payee or owner column can point at it.
const HQProfileID snowflake.ID = 0

// AffiliateProfile is a reseller identity (branch manager or sales agent).
type AffiliateProfile struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	DisplayName       string        `gorm:"type:text;not null"`
	RoleKind          RoleKind      `gorm:"type:text;not null;index"`
	AffiliateCode     string        `gorm:"type:text;not null;uniqueIndex"`
	WithholdingRateBp int64         `gorm:"not null;default:0"`
	Status            ProfileStatus `gorm:"type:text;not null;index"`
	Trial             bool          `gorm:"not null;default:false"`
	CreatedAt         time.Time     `gorm:"not null"`
	UpdatedAt         time.Time     `gorm:"not null"`
}

// TableName sets the database table name.
func (AffiliateProfile) TableName() string { return "affiliate_profiles" }

// AffiliateRelation is the directed agent→manager edge. At most one ACTIVE
// relation per agent at a time.
type AffiliateRelation struct {
	ID               snowflake.ID   `gorm:"primaryKey"`
	AgentProfileID   snowflake.ID   `gorm:"not null;index"`
	ManagerProfileID snowflake.ID   `gorm:"not null;index"`
	Status           RelationStatus `gorm:"type:text;not null;index"`
	StartedAt        time.Time      `gorm:"not null"`
	EndedAt          *time.Time
}

// TableName sets the database table name.
func (AffiliateRelation) TableName() string { return "affiliate_relations" }

// OwnershipChain is the resolved agent→manager→HQ chain captured at the
// moment commission is generated. Manager is nil for direct-to-HQ agents.
type OwnershipChain struct {
	Agent   AffiliateProfile
	Manager *AffiliateProfile
}

type Service interface {
	CreateProfile(ctx context.Context, displayName string, role RoleKind, withholdingRateBp int64, trial bool) (AffiliateProfile, error)
	AssignManager(ctx context.Context, agentID, managerID snowflake.ID) (AffiliateRelation, error)
	GetProfile(ctx context.Context, id snowflake.ID) (AffiliateProfile, error)
	ResolveOwnership(ctx context.Context, agentID snowflake.ID) (OwnershipChain, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, profile *AffiliateProfile) error
	Get(ctx context.Context, db *gorm.DB, id snowflake.ID) (*AffiliateProfile, error)
	ActiveRelation(ctx context.Context, db *gorm.DB, agentID snowflake.ID) (*AffiliateRelation, error)
	InsertRelation(ctx context.Context, db *gorm.DB, relation *AffiliateRelation) error
	EndRelation(ctx context.Context, db *gorm.DB, relationID snowflake.ID, endedAt time.Time) error
}

var (
	ErrProfileNotFound       = errors.New("profile_not_found")
	ErrInvalidDisplayName    = errors.New("invalid_display_name")
	ErrInvalidRoleKind       = errors.New("invalid_role_kind")
	ErrInvalidWithholding    = errors.New("invalid_withholding_rate")
	ErrNotAnAgent            = errors.New("profile_is_not_an_agent")
	ErrNotAManager           = errors.New("profile_is_not_a_manager")
	ErrRelationAlreadyActive = errors.New("agent_already_has_active_manager")
)
