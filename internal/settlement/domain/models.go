package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/voyagecrm/affiliate/internal/ledger/domain"
)

type SettlementStatus string

const (
	SettlementStatusDraft    SettlementStatus = "DRAFT"
	SettlementStatusApproved SettlementStatus = "APPROVED"
	SettlementStatusPaid     SettlementStatus = "PAID"
)

// MonthlySettlement groups a calendar month of ledger entries for payout.
// The period is [PeriodStart, PeriodEnd). While DRAFT the attached entry set
// may still grow; APPROVED and PAID freeze it.
type MonthlySettlement struct {
	ID          snowflake.ID     `gorm:"primaryKey"`
	PeriodStart time.Time        `gorm:"not null;uniqueIndex"`
	PeriodEnd   time.Time        `gorm:"not null"`
	Status      SettlementStatus `gorm:"type:text;not null;index"`
	ApprovedAt  *time.Time
	ApprovedBy  *string   `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (MonthlySettlement) TableName() string { return "monthly_settlements" }

// LineItem is one ledger entry as it appears on a payee's statement section.
type LineItem struct {
	EntryID        snowflake.ID           `json:"entry_id"`
	SaleID         snowflake.ID           `json:"sale_id"`
	ProductCode    string                 `json:"product_code"`
	EntryType      ledgerdomain.EntryType `json:"entry_type"`
	GrossAmount    int64                  `json:"gross_amount"`
	WithheldAmount int64                  `json:"withheld_amount"`
}

// PayeeLine is one payee's statement section: totals plus the entries behind
// them.
type PayeeLine struct {
	PayeeProfileID snowflake.ID `json:"payee_profile_id"`
	GrossTotal     int64        `json:"gross_total"`
	WithheldTotal  int64        `json:"withheld_total"`
	NetTotal       int64        `json:"net_total"`
	Items          []LineItem   `json:"items"`
}

// Statement is the full deterministic rendering of a settlement: HQ first,
// then payees in ascending id order, items in creation order. The same
// settlement always renders byte-for-byte identically.
type Statement struct {
	SettlementID snowflake.ID     `json:"settlement_id"`
	PeriodStart  time.Time        `json:"period_start"`
	PeriodEnd    time.Time        `json:"period_end"`
	Status       SettlementStatus `json:"status"`
	Lines        []PayeeLine      `json:"lines"`
}

type Service interface {
	// EnsurePeriod returns the settlement row for the month containing ts,
	// creating the DRAFT row if it does not exist yet. Safe under races: the
	// unique index on period_start collapses concurrent creates.
	EnsurePeriod(ctx context.Context, ts time.Time) (MonthlySettlement, error)

	// AttachEntries links unsettled, unattached ledger entries whose sale
	// confirmed inside the settlement period. Returns the number attached.
	AttachEntries(ctx context.Context, settlementID snowflake.ID) (int, error)

	BuildStatement(ctx context.Context, settlementID snowflake.ID) (Statement, error)

	// Approve freezes the settlement: status DRAFT→APPROVED and every attached
	// entry marked settled, in one transaction.
	Approve(ctx context.Context, settlementID snowflake.ID, actorID string) (MonthlySettlement, error)
}

var (
	ErrSettlementNotFound = errors.New("settlement_not_found")
	ErrSettlementNotDraft = errors.New("settlement_not_draft")
)
