package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/voyagecrm/affiliate/internal/audit/domain"
	"github.com/voyagecrm/affiliate/internal/cache"
	"github.com/voyagecrm/affiliate/internal/clock"
	"github.com/voyagecrm/affiliate/internal/events"
	ledgerdomain "github.com/voyagecrm/affiliate/internal/ledger/domain"
	saledomain "github.com/voyagecrm/affiliate/internal/sale/domain"
	settlementdomain "github.com/voyagecrm/affiliate/internal/settlement/domain"
	pkgdb "github.com/voyagecrm/affiliate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	AuditSvc auditdomain.Service
	Cache    *cache.StatementCache `optional:"true"`
	Outbox   *events.Outbox        `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	auditSvc auditdomain.Service
	cache    *cache.StatementCache
	outbox   *events.Outbox
}

func NewService(p Params) settlementdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("settlement.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		auditSvc: p.AuditSvc,
		cache:    p.Cache,
		outbox:   p.Outbox,
	}
}

func (s *Service) EnsurePeriod(ctx context.Context, ts time.Time) (settlementdomain.MonthlySettlement, error) {
	periodStart := time.Date(ts.UTC().Year(), ts.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	existing, err := s.findByPeriodStart(ctx, periodStart)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, settlementdomain.ErrSettlementNotFound) {
		return settlementdomain.MonthlySettlement{}, err
	}

	now := s.clock.Now()
	settlement := settlementdomain.MonthlySettlement{
		ID:          s.genID.Generate(),
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Status:      settlementdomain.SettlementStatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&settlement).Error; err != nil {
		// Concurrent sweep created the same month first; use its row.
		if pkgdb.IsDuplicateKeyErr(err) {
			return s.findByPeriodStart(ctx, periodStart)
		}
		return settlementdomain.MonthlySettlement{}, err
	}
	s.log.Info("settlement period created",
		zap.String("settlement_id", settlement.ID.String()),
		zap.Time("period_start", periodStart),
	)
	return settlement, nil
}

func (s *Service) findByPeriodStart(ctx context.Context, periodStart time.Time) (settlementdomain.MonthlySettlement, error) {
	var settlement settlementdomain.MonthlySettlement
	err := s.db.WithContext(ctx).
		Where("period_start = ?", periodStart).
		First(&settlement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return settlementdomain.MonthlySettlement{}, settlementdomain.ErrSettlementNotFound
	}
	if err != nil {
		return settlementdomain.MonthlySettlement{}, err
	}
	return settlement, nil
}

// AttachEntries is idempotent: already-attached or settled entries never
// match the WHERE clause, so re-running a sweep attaches only new entries.
func (s *Service) AttachEntries(ctx context.Context, settlementID snowflake.ID) (int, error) {
	settlement, err := s.get(ctx, s.db, settlementID)
	if err != nil {
		return 0, err
	}
	if settlement.Status != settlementdomain.SettlementStatusDraft {
		return 0, settlementdomain.ErrSettlementNotDraft
	}

	confirmedSales := s.db.WithContext(ctx).Model(&saledomain.Sale{}).
		Select("id").
		Where("status = ? AND confirmed_at >= ? AND confirmed_at < ?",
			saledomain.SaleStatusConfirmed, settlement.PeriodStart, settlement.PeriodEnd)

	result := s.db.WithContext(ctx).Model(&ledgerdomain.CommissionLedgerEntry{}).
		Where("is_settled = ? AND settlement_id IS NULL AND sale_id IN (?)", false, confirmedSales).
		Update("settlement_id", settlementID)
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

func (s *Service) BuildStatement(ctx context.Context, settlementID snowflake.ID) (settlementdomain.Statement, error) {
	settlement, err := s.get(ctx, s.db, settlementID)
	if err != nil {
		return settlementdomain.Statement{}, err
	}

	cacheKey := statementCacheKey(settlement)
	if s.cache != nil {
		if payload, ok := s.cache.Get(ctx, cacheKey); ok {
			var cached settlementdomain.Statement
			if err := json.Unmarshal(payload, &cached); err == nil {
				return cached, nil
			}
		}
	}

	type entryRow struct {
		ledgerdomain.CommissionLedgerEntry
		ProductCode string
	}
	var rows []entryRow
	err = s.db.WithContext(ctx).Model(&ledgerdomain.CommissionLedgerEntry{}).
		Select("commission_ledger.*, sales.product_code").
		Joins("JOIN sales ON sales.id = commission_ledger.sale_id").
		Where("commission_ledger.settlement_id = ?", settlementID).
		Order("commission_ledger.id asc").
		Find(&rows).Error
	if err != nil {
		return settlementdomain.Statement{}, err
	}

	byPayee := map[snowflake.ID]*settlementdomain.PayeeLine{}
	for _, row := range rows {
		line, ok := byPayee[row.PayeeProfileID]
		if !ok {
			line = &settlementdomain.PayeeLine{PayeeProfileID: row.PayeeProfileID}
			byPayee[row.PayeeProfileID] = line
		}
		line.GrossTotal += row.GrossAmount
		line.WithheldTotal += row.WithheldAmount
		line.Items = append(line.Items, settlementdomain.LineItem{
			EntryID:        row.ID,
			SaleID:         row.SaleID,
			ProductCode:    row.ProductCode,
			EntryType:      row.EntryType,
			GrossAmount:    row.GrossAmount,
			WithheldAmount: row.WithheldAmount,
		})
	}

	// Deterministic order: HQ (payee id 0) first, then ascending payee id.
	payees := make([]snowflake.ID, 0, len(byPayee))
	for payee := range byPayee {
		payees = append(payees, payee)
	}
	sort.Slice(payees, func(i, j int) bool { return payees[i] < payees[j] })

	lines := make([]settlementdomain.PayeeLine, 0, len(payees))
	for _, payee := range payees {
		line := byPayee[payee]
		line.NetTotal = line.GrossTotal - line.WithheldTotal
		lines = append(lines, *line)
	}

	statement := settlementdomain.Statement{
		SettlementID: settlement.ID,
		PeriodStart:  settlement.PeriodStart,
		PeriodEnd:    settlement.PeriodEnd,
		Status:       settlement.Status,
		Lines:        lines,
	}

	if s.cache != nil {
		if payload, err := json.Marshal(statement); err == nil {
			s.cache.Set(ctx, cacheKey, payload)
		}
	}
	return statement, nil
}

func (s *Service) Approve(ctx context.Context, settlementID snowflake.ID, actorID string) (settlementdomain.MonthlySettlement, error) {
	var approved settlementdomain.MonthlySettlement
	var previousKey string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		settlement, err := s.getLocked(ctx, tx, settlementID)
		if err != nil {
			return err
		}
		if settlement.Status != settlementdomain.SettlementStatusDraft {
			return settlementdomain.ErrSettlementNotDraft
		}
		previousKey = statementCacheKey(settlement)

		now := s.clock.Now()
		if err := tx.WithContext(ctx).Model(&settlementdomain.MonthlySettlement{}).
			Where("id = ?", settlement.ID).
			Updates(map[string]any{
				"status":      settlementdomain.SettlementStatusApproved,
				"approved_at": now,
				"approved_by": actorID,
				"updated_at":  now,
			}).Error; err != nil {
			return err
		}

		if err := tx.WithContext(ctx).Model(&ledgerdomain.CommissionLedgerEntry{}).
			Where("settlement_id = ?", settlement.ID).
			Update("is_settled", true).Error; err != nil {
			return err
		}

		settlementIDStr := settlement.ID.String()
		if err := s.auditSvc.AuditLogTx(ctx, tx, string(auditdomain.ActorTypeUser), &actorID, auditdomain.ActionSettlementApproved, "settlement", &settlementIDStr, map[string]any{
			"period_start": settlement.PeriodStart.Format(time.RFC3339),
			"period_end":   settlement.PeriodEnd.Format(time.RFC3339),
		}); err != nil {
			return err
		}

		if s.outbox != nil {
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				Type:      events.EventSettlementApproved,
				DedupeKey: "settlement_approved:" + settlementIDStr,
				Payload: map[string]any{
					"settlement_id": settlementIDStr,
					"period_start":  settlement.PeriodStart.Format(time.RFC3339),
				},
			}); err != nil {
				return err
			}
		}

		settlement.Status = settlementdomain.SettlementStatusApproved
		settlement.ApprovedAt = &now
		settlement.ApprovedBy = &actorID
		settlement.UpdatedAt = now
		approved = settlement
		return nil
	})
	if err != nil {
		return settlementdomain.MonthlySettlement{}, err
	}

	// The DRAFT-keyed cache entry is stale the moment approval commits.
	if s.cache != nil {
		s.cache.Invalidate(ctx, previousKey)
	}
	return approved, nil
}

func (s *Service) get(ctx context.Context, db *gorm.DB, settlementID snowflake.ID) (settlementdomain.MonthlySettlement, error) {
	var settlement settlementdomain.MonthlySettlement
	err := db.WithContext(ctx).First(&settlement, "id = ?", settlementID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return settlementdomain.MonthlySettlement{}, settlementdomain.ErrSettlementNotFound
	}
	if err != nil {
		return settlementdomain.MonthlySettlement{}, err
	}
	return settlement, nil
}

func (s *Service) getLocked(ctx context.Context, tx *gorm.DB, settlementID snowflake.ID) (settlementdomain.MonthlySettlement, error) {
	var settlement settlementdomain.MonthlySettlement
	err := pkgdb.ForUpdate(tx.WithContext(ctx)).First(&settlement, "id = ?", settlementID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return settlementdomain.MonthlySettlement{}, settlementdomain.ErrSettlementNotFound
	}
	if err != nil {
		return settlementdomain.MonthlySettlement{}, err
	}
	return settlement, nil
}

func statementCacheKey(settlement settlementdomain.MonthlySettlement) string {
	return fmt.Sprintf("statement:%s:%s", settlement.ID.String(), settlement.Status)
}
