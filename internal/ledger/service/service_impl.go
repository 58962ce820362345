package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/voyagecrm/affiliate/internal/clock"
	"github.com/voyagecrm/affiliate/internal/config"
	"github.com/voyagecrm/affiliate/internal/ledger/calculator"
	ledgerdomain "github.com/voyagecrm/affiliate/internal/ledger/domain"
	obsmetrics "github.com/voyagecrm/affiliate/internal/observability/metrics"
	profiledomain "github.com/voyagecrm/affiliate/internal/profile/domain"
	saledomain "github.com/voyagecrm/affiliate/internal/sale/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Rates       *config.Rates
	ProfileRepo profiledomain.Repository
	ObsMetrics  *obsmetrics.EngineMetrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	rates       *config.Rates
	profileRepo profiledomain.Repository
	obsMetrics  *obsmetrics.EngineMetrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("ledger.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		rates:       p.Rates,
		profileRepo: p.ProfileRepo,
		obsMetrics:  p.ObsMetrics,
	}
}

// SyncSaleLedgers reconciles the sale's ledger entries against the
// calculator's output inside the caller's transaction. Database errors
// propagate untouched so the caller's transaction (which also carries the
// sale-status flip) rolls back as one unit.
func (s *Service) SyncSaleLedgers(ctx context.Context, tx *gorm.DB, sale *saledomain.Sale, opts ledgerdomain.SyncOptions) (ledgerdomain.SyncResult, error) {
	if sale == nil {
		return ledgerdomain.SyncResult{}, saledomain.ErrSaleNotFound
	}
	if sale.AgentProfileID == 0 {
		return ledgerdomain.SyncResult{}, ledgerdomain.ErrMissingOwnership
	}

	// Fast path: already processed and no regeneration requested. The unique
	// index on (sale_id, entry_type, payee_profile_id) remains the safety net
	// if two approvals race past this check.
	if sale.CommissionProcessed && !opts.Regenerate {
		return ledgerdomain.SyncResult{Skipped: true}, nil
	}

	var settledCount int64
	if err := tx.WithContext(ctx).Model(&ledgerdomain.CommissionLedgerEntry{}).
		Where("sale_id = ? AND is_settled = ?", sale.ID, true).
		Count(&settledCount).Error; err != nil {
		return ledgerdomain.SyncResult{}, err
	}
	if settledCount > 0 {
		// Entries frozen by an approved settlement are immutable; failing
		// loudly beats silently skipping a regeneration request.
		return ledgerdomain.SyncResult{}, ledgerdomain.ErrSettledLedgerImmutable
	}

	chain, err := s.chainFromSale(ctx, tx, sale)
	if err != nil {
		return ledgerdomain.SyncResult{}, err
	}

	proposed, err := calculator.Build(*sale, chain, s.rates.Snapshot())
	if err != nil {
		return ledgerdomain.SyncResult{}, err
	}

	if opts.Regenerate {
		if err := tx.WithContext(ctx).
			Where("sale_id = ? AND is_settled = ?", sale.ID, false).
			Delete(&ledgerdomain.CommissionLedgerEntry{}).Error; err != nil {
			return ledgerdomain.SyncResult{}, err
		}
	}

	now := s.clock.Now()
	written := 0
	for _, entry := range proposed {
		row := ledgerdomain.CommissionLedgerEntry{
			ID:             s.genID.Generate(),
			SaleID:         sale.ID,
			EntryType:      entry.EntryType,
			PayeeProfileID: entry.PayeeProfileID,
			GrossAmount:    entry.GrossAmount,
			WithheldAmount: entry.WithheldAmount,
			CreatedAt:      now,
		}
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			return ledgerdomain.SyncResult{}, err
		}
		written++
		if s.obsMetrics != nil {
			s.obsMetrics.RecordLedgerEntry(ctx, string(entry.EntryType))
		}
	}

	return ledgerdomain.SyncResult{Written: written}, nil
}

func (s *Service) EntriesForSale(ctx context.Context, saleID snowflake.ID) ([]ledgerdomain.CommissionLedgerEntry, error) {
	var entries []ledgerdomain.CommissionLedgerEntry
	err := s.db.WithContext(ctx).
		Where("sale_id = ?", saleID).
		Order("id asc").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// chainFromSale rebuilds the ownership chain from the ids captured on the
// sale row, so regeneration after a relation change still pays the original
// manager.
func (s *Service) chainFromSale(ctx context.Context, tx *gorm.DB, sale *saledomain.Sale) (profiledomain.OwnershipChain, error) {
	agent, err := s.profileRepo.Get(ctx, tx, sale.AgentProfileID)
	if err != nil {
		return profiledomain.OwnershipChain{}, err
	}
	chain := profiledomain.OwnershipChain{Agent: *agent}

	if sale.ManagerProfileID != 0 {
		manager, err := s.profileRepo.Get(ctx, tx, sale.ManagerProfileID)
		if err != nil {
			return profiledomain.OwnershipChain{}, err
		}
		chain.Manager = manager
	}
	return chain, nil
}
