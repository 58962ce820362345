package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type SaleStatus string

const (
	SaleStatusPending         SaleStatus = "PENDING"
	SaleStatusPendingApproval SaleStatus = "PENDING_APPROVAL"
	SaleStatusConfirmed       SaleStatus = "CONFIRMED"
	SaleStatusRejected        SaleStatus = "REJECTED"
)

// Sale is a confirmed (or pending) booking transaction. AgentProfileID and
// ManagerProfileID capture the ownership chain at confirmation time and are
// immutable afterward, even if the agent's manager relation later changes.
// OwnerProfileID is the current data owner and moves on DB recovery.
type Sale struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	ProductCode         string       `gorm:"type:text;not null;index"`
	SaleAmount          int64        `gorm:"not null"`
	CostAmount          int64        `gorm:"not null"`
	Status              SaleStatus   `gorm:"type:text;not null;index"`
	AgentProfileID      snowflake.ID `gorm:"not null;index"`
	ManagerProfileID    snowflake.ID `gorm:"not null;default:0;index"`
	OwnerProfileID      snowflake.ID `gorm:"not null;index"`
	CommissionProcessed bool         `gorm:"not null;default:false"`
	ConfirmedAt         *time.Time
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (Sale) TableName() string { return "sales" }

// NetRevenue is the amount split across HQ, manager and agent.
func (s Sale) NetRevenue() int64 { return s.SaleAmount - s.CostAmount }

type ApproveResult struct {
	Sale Sale
	// CommissionSkipped is true when the sale was already processed and the
	// call was an idempotent no-op.
	CommissionSkipped bool
	EntriesWritten    int
}

type Service interface {
	// Approve confirms the sale and generates its commission ledger in one
	// transaction. Safe to retry: an already-confirmed, already-processed
	// sale returns success with CommissionSkipped set.
	Approve(ctx context.Context, saleID snowflake.ID, actorID string) (ApproveResult, error)

	// Reject moves a pending sale to REJECTED. No ledger is generated.
	Reject(ctx context.Context, saleID snowflake.ID, actorID string, reason string) (Sale, error)

	Get(ctx context.Context, saleID snowflake.ID) (Sale, error)
}

var (
	ErrSaleNotFound     = errors.New("sale_not_found")
	ErrInvalidSaleState = errors.New("invalid_sale_state")
	ErrAmountMismatch   = errors.New("sale_amount_below_cost")
)
