package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/voyagecrm/affiliate/internal/audit/domain"
	"github.com/voyagecrm/affiliate/internal/clock"
	"github.com/voyagecrm/affiliate/internal/events"
	ledgerdomain "github.com/voyagecrm/affiliate/internal/ledger/domain"
	profiledomain "github.com/voyagecrm/affiliate/internal/profile/domain"
	saledomain "github.com/voyagecrm/affiliate/internal/sale/domain"
	pkgdb "github.com/voyagecrm/affiliate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	LedgerSvc  ledgerdomain.Service
	ProfileSvc profiledomain.Service
	AuditSvc   auditdomain.Service
	Outbox     *events.Outbox `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	ledgerSvc  ledgerdomain.Service
	profileSvc profiledomain.Service
	auditSvc   auditdomain.Service
	outbox     *events.Outbox
}

func NewService(p Params) saledomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("sale.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		ledgerSvc:  p.LedgerSvc,
		profileSvc: p.ProfileSvc,
		auditSvc:   p.AuditSvc,
		outbox:     p.Outbox,
	}
}

// Approve confirms the sale, captures its ownership chain, and writes the
// commission ledger in one transaction, so a sale can never end up
// CONFIRMED with no commission nor commission-processed while still pending.
func (s *Service) Approve(ctx context.Context, saleID snowflake.ID, actorID string) (saledomain.ApproveResult, error) {
	var result saledomain.ApproveResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sale saledomain.Sale
		err := pkgdb.ForUpdate(tx.WithContext(ctx)).First(&sale, "id = ?", saleID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return saledomain.ErrSaleNotFound
		}
		if err != nil {
			return err
		}

		// Idempotent replay: the approval already went through.
		if sale.Status == saledomain.SaleStatusConfirmed && sale.CommissionProcessed {
			result = saledomain.ApproveResult{Sale: sale, CommissionSkipped: true}
			return nil
		}

		if sale.Status != saledomain.SaleStatusPending && sale.Status != saledomain.SaleStatusPendingApproval {
			return fmt.Errorf("%w: cannot approve sale in status %s", saledomain.ErrInvalidSaleState, sale.Status)
		}

		// Capture ownership at the moment of ledger generation; it stays
		// immutable on the sale row even if the relation later changes.
		if sale.ManagerProfileID == 0 {
			chain, err := s.profileSvc.ResolveOwnership(ctx, sale.AgentProfileID)
			if err != nil {
				return err
			}
			if chain.Manager != nil {
				sale.ManagerProfileID = chain.Manager.ID
			}
		}

		syncResult, err := s.ledgerSvc.SyncSaleLedgers(ctx, tx, &sale, ledgerdomain.SyncOptions{})
		if err != nil {
			return err
		}

		now := s.clock.Now()
		sale.Status = saledomain.SaleStatusConfirmed
		sale.CommissionProcessed = true
		sale.ConfirmedAt = &now
		sale.UpdatedAt = now
		if err := tx.WithContext(ctx).Model(&saledomain.Sale{}).
			Where("id = ?", sale.ID).
			Updates(map[string]any{
				"status":               sale.Status,
				"commission_processed": true,
				"manager_profile_id":   sale.ManagerProfileID,
				"confirmed_at":         now,
				"updated_at":           now,
			}).Error; err != nil {
			return err
		}

		saleIDStr := sale.ID.String()
		if err := s.auditSvc.AuditLogTx(ctx, tx, string(auditdomain.ActorTypeUser), &actorID, auditdomain.ActionSaleApproved, "sale", &saleIDStr, map[string]any{
			"product_code":    sale.ProductCode,
			"sale_amount":     sale.SaleAmount,
			"entries_written": syncResult.Written,
		}); err != nil {
			return err
		}
		if err := s.auditSvc.AuditLogTx(ctx, tx, string(auditdomain.ActorTypeSystem), nil, auditdomain.ActionCommissionSynced, "sale", &saleIDStr, map[string]any{
			"entries_written": syncResult.Written,
			"net_revenue":     sale.NetRevenue(),
		}); err != nil {
			return err
		}

		if s.outbox != nil {
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				Type:      events.EventSaleApproved,
				DedupeKey: "sale_approved:" + saleIDStr,
				Payload: map[string]any{
					"sale_id":      saleIDStr,
					"product_code": sale.ProductCode,
					"agent_id":     sale.AgentProfileID.String(),
				},
			}); err != nil {
				return err
			}
		}

		result = saledomain.ApproveResult{Sale: sale, EntriesWritten: syncResult.Written}
		return nil
	})
	if err != nil {
		return saledomain.ApproveResult{}, err
	}
	return result, nil
}

func (s *Service) Reject(ctx context.Context, saleID snowflake.ID, actorID string, reason string) (saledomain.Sale, error) {
	var rejected saledomain.Sale
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sale saledomain.Sale
		err := pkgdb.ForUpdate(tx.WithContext(ctx)).First(&sale, "id = ?", saleID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return saledomain.ErrSaleNotFound
		}
		if err != nil {
			return err
		}

		if sale.Status != saledomain.SaleStatusPending && sale.Status != saledomain.SaleStatusPendingApproval {
			return fmt.Errorf("%w: cannot reject sale in status %s", saledomain.ErrInvalidSaleState, sale.Status)
		}

		now := s.clock.Now()
		if err := tx.WithContext(ctx).Model(&saledomain.Sale{}).
			Where("id = ?", sale.ID).
			Updates(map[string]any{
				"status":     saledomain.SaleStatusRejected,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		saleIDStr := sale.ID.String()
		if err := s.auditSvc.AuditLogTx(ctx, tx, string(auditdomain.ActorTypeUser), &actorID, auditdomain.ActionSaleRejected, "sale", &saleIDStr, map[string]any{
			"reason": reason,
		}); err != nil {
			return err
		}

		sale.Status = saledomain.SaleStatusRejected
		sale.UpdatedAt = now
		rejected = sale
		return nil
	})
	if err != nil {
		return saledomain.Sale{}, err
	}
	return rejected, nil
}

func (s *Service) Get(ctx context.Context, saleID snowflake.ID) (saledomain.Sale, error) {
	var sale saledomain.Sale
	err := s.db.WithContext(ctx).First(&sale, "id = ?", saleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return saledomain.Sale{}, saledomain.ErrSaleNotFound
	}
	if err != nil {
		return saledomain.Sale{}, err
	}
	return sale, nil
}
