package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	saledomain "github.com/voyagecrm/affiliate/internal/sale/domain"
	"gorm.io/gorm"
)

type EntryType string

const (
	// EntryTypeHQNet is the operating company's remainder after all
	// commissions; its payee id is always zero and it is never withheld.
	EntryTypeHQNet              EntryType = "HQ_NET"
	EntryTypeBranchCommission   EntryType = "BRANCH_COMMISSION"
	EntryTypeOverrideCommission EntryType = "OVERRIDE_COMMISSION"
	EntryTypeSalesCommission    EntryType = "SALES_COMMISSION"
)

// CommissionLedgerEntry is one immutable commission line for a sale.
// (sale_id, entry_type, payee_profile_id) is unique: regeneration replaces,
// never duplicates, and concurrent double-inserts die on the constraint.
type CommissionLedgerEntry struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	SaleID         snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_commission_ledger_sale_type_payee,priority:1"`
	EntryType      EntryType     `gorm:"type:text;not null;uniqueIndex:ux_commission_ledger_sale_type_payee,priority:2"`
	PayeeProfileID snowflake.ID  `gorm:"not null;default:0;index;uniqueIndex:ux_commission_ledger_sale_type_payee,priority:3"`
	GrossAmount    int64         `gorm:"not null"`
	WithheldAmount int64         `gorm:"not null;default:0"`
	SettlementID   *snowflake.ID `gorm:"index"`
	IsSettled      bool          `gorm:"not null;default:false;index"`
	CreatedAt      time.Time     `gorm:"not null"`
}

// TableName sets the database table name.
func (CommissionLedgerEntry) TableName() string { return "commission_ledger" }

// ProposedEntry is the calculator's output before persistence.
type ProposedEntry struct {
	EntryType      EntryType
	PayeeProfileID snowflake.ID
	GrossAmount    int64
	WithheldAmount int64
}

type SyncOptions struct {
	// Regenerate replaces existing non-settled entries with the calculator's
	// current output. Settled entries make the whole call fail instead.
	Regenerate bool
}

type SyncResult struct {
	// Skipped reports the idempotent no-op path: the sale was already
	// processed and no regeneration was requested.
	Skipped bool
	Written int
}

type Service interface {
	// SyncSaleLedgers reconciles the entries that exist for the sale against
	// what the calculator says should exist, inside the caller's transaction.
	// The caller remains responsible for flipping sale.CommissionProcessed in
	// the same transaction.
	SyncSaleLedgers(ctx context.Context, tx *gorm.DB, sale *saledomain.Sale, opts SyncOptions) (SyncResult, error)

	// EntriesForSale lists the sale's ledger entries in creation order.
	EntriesForSale(ctx context.Context, saleID snowflake.ID) ([]CommissionLedgerEntry, error)
}

var (
	ErrSaleNotConfirmed       = errors.New("sale_not_confirmed")
	ErrSettledLedgerImmutable = errors.New("settled_ledger_immutable")
	ErrMissingOwnership       = errors.New("sale_ownership_not_captured")
)
