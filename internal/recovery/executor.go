package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/voyagecrm/affiliate/internal/audit/domain"
	"github.com/voyagecrm/affiliate/internal/clock"
	contractdomain "github.com/voyagecrm/affiliate/internal/contract/domain"
	crmdomain "github.com/voyagecrm/affiliate/internal/crm/domain"
	"github.com/voyagecrm/affiliate/internal/events"
	obsmetrics "github.com/voyagecrm/affiliate/internal/observability/metrics"
	profiledomain "github.com/voyagecrm/affiliate/internal/profile/domain"
	saledomain "github.com/voyagecrm/affiliate/internal/sale/domain"
	pkgdb "github.com/voyagecrm/affiliate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RecoveryError reports a failed recovery together with how much data is
// still stranded on the terminated profile.
type RecoveryError struct {
	LeadsRemaining int64
	SalesRemaining int64
	LinksRemaining int64
	Err            error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("db recovery failed (%d leads, %d sales, %d links remaining): %v",
		e.LeadsRemaining, e.SalesRemaining, e.LinksRemaining, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// Result reports a completed recovery.
type Result struct {
	SuccessorID snowflake.ID
	LeadsMoved  int64
	SalesMoved  int64
	LinksMoved  int64
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	ProfileRepo profiledomain.Repository
	AuditSvc    auditdomain.Service
	Outbox      *events.Outbox            `optional:"true"`
	ObsMetrics  *obsmetrics.EngineMetrics `optional:"true"`
}

// Executor reassigns a terminated affiliate's customer data to its successor.
// Branch-manager data goes to HQ; sales-agent data goes to the agent's active
// manager, or HQ when there is none.
type Executor struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	profileRepo profiledomain.Repository
	auditSvc    auditdomain.Service
	outbox      *events.Outbox
	obsMetrics  *obsmetrics.EngineMetrics
}

func NewExecutor(p Params) *Executor {
	return &Executor{
		db:          p.DB,
		log:         p.Log.Named("recovery.executor"),
		clock:       p.Clock,
		profileRepo: p.ProfileRepo,
		auditSvc:    p.AuditSvc,
		outbox:      p.Outbox,
		obsMetrics:  p.ObsMetrics,
	}
}

// Recover moves all customer data owned by the contract's profile to its
// successor and marks the contract recovered, in one transaction. The
// contract row lock makes the operation single-flight: a concurrent sweep
// and manual retry serialize, and the loser observes ErrAlreadyRecovered.
// The ownership updates are set-based and idempotent, so a retry after a
// mid-way failure simply moves whatever is still left.
func (e *Executor) Recover(ctx context.Context, contractID snowflake.ID) (Result, error) {
	var result Result
	var profileKind profiledomain.RoleKind

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var contract contractdomain.AffiliateContract
		err := pkgdb.ForUpdate(tx.WithContext(ctx)).First(&contract, "id = ?", contractID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return contractdomain.ErrContractNotFound
		}
		if err != nil {
			return err
		}
		if contract.Status != contractdomain.ContractStatusTerminated {
			return contractdomain.ErrNotTerminated
		}
		if contract.DBRecovered {
			return contractdomain.ErrAlreadyRecovered
		}

		profile, err := e.profileRepo.Get(ctx, tx, contract.ProfileID)
		if err != nil {
			return err
		}
		profileKind = profile.RoleKind

		successor, relation, err := e.resolveSuccessor(ctx, tx, profile)
		if err != nil {
			return err
		}

		moved, err := e.moveOwnership(ctx, tx, contract.ProfileID, successor)
		if err != nil {
			return err
		}

		// The partnership is over once the agent's data has moved.
		if relation != nil {
			if err := e.profileRepo.EndRelation(ctx, tx, relation.ID, e.clock.Now()); err != nil {
				return err
			}
		}

		meta, err := contractdomain.DecodeMetadata(contract.Metadata)
		if err != nil {
			return err
		}
		meta.DBRecovered = true
		encoded, err := meta.Encode()
		if err != nil {
			return err
		}

		now := e.clock.Now()
		if err := tx.WithContext(ctx).Model(&contractdomain.AffiliateContract{}).
			Where("id = ?", contract.ID).
			Updates(map[string]any{
				"metadata":     encoded,
				"db_recovered": true,
				"updated_at":   now,
			}).Error; err != nil {
			return err
		}

		contractIDStr := contract.ID.String()
		if err := e.auditSvc.AuditLogTx(ctx, tx, string(auditdomain.ActorTypeSystem), nil, auditdomain.ActionContractRecovered, "contract", &contractIDStr, map[string]any{
			"profile_id":   contract.ProfileID.String(),
			"successor_id": successor.String(),
			"leads_moved":  moved.LeadsMoved,
			"sales_moved":  moved.SalesMoved,
			"links_moved":  moved.LinksMoved,
		}); err != nil {
			return err
		}

		if e.outbox != nil {
			if err := e.outbox.PublishTx(ctx, tx, events.Event{
				Type:      events.EventContractRecovered,
				DedupeKey: "contract_recovered:" + contractIDStr,
				Payload: map[string]any{
					"contract_id":  contractIDStr,
					"profile_id":   contract.ProfileID.String(),
					"successor_id": successor.String(),
				},
			}); err != nil {
				return err
			}
		}

		moved.SuccessorID = successor
		result = moved
		return nil
	})
	if err != nil {
		e.recordAttempt(profileKind, "failure")
		// Conflicts and validation failures pass through untouched; only a
		// genuine execution failure gets the remaining-data wrapper.
		if errors.Is(err, contractdomain.ErrContractNotFound) ||
			errors.Is(err, contractdomain.ErrNotTerminated) ||
			errors.Is(err, contractdomain.ErrAlreadyRecovered) {
			return Result{}, err
		}
		return Result{}, e.wrapWithRemaining(ctx, contractID, err)
	}

	e.recordAttempt(profileKind, "success")
	e.log.Info("db recovery completed",
		zap.String("contract_id", contractID.String()),
		zap.String("successor_id", result.SuccessorID.String()),
		zap.Int64("leads_moved", result.LeadsMoved),
		zap.Int64("sales_moved", result.SalesMoved),
		zap.Int64("links_moved", result.LinksMoved),
	)
	return result, nil
}

func (e *Executor) resolveSuccessor(ctx context.Context, tx *gorm.DB, profile *profiledomain.AffiliateProfile) (snowflake.ID, *profiledomain.AffiliateRelation, error) {
	switch profile.RoleKind {
	case profiledomain.RoleBranchManager:
		return profiledomain.HQProfileID, nil, nil
	case profiledomain.RoleSalesAgent, profiledomain.RoleSubscriptionAgent:
		relation, err := e.profileRepo.ActiveRelation(ctx, tx, profile.ID)
		if err != nil {
			return 0, nil, err
		}
		if relation == nil {
			return profiledomain.HQProfileID, nil, nil
		}
		return relation.ManagerProfileID, relation, nil
	default:
		return 0, nil, fmt.Errorf("unknown role kind %q", profile.RoleKind)
	}
}

func (e *Executor) moveOwnership(ctx context.Context, tx *gorm.DB, from, to snowflake.ID) (Result, error) {
	var result Result

	leads := tx.WithContext(ctx).Model(&crmdomain.Lead{}).
		Where("owner_profile_id = ?", from).
		Update("owner_profile_id", to)
	if leads.Error != nil {
		return Result{}, fmt.Errorf("move leads: %w", leads.Error)
	}
	result.LeadsMoved = leads.RowsAffected

	sales := tx.WithContext(ctx).Model(&saledomain.Sale{}).
		Where("owner_profile_id = ?", from).
		Update("owner_profile_id", to)
	if sales.Error != nil {
		return Result{}, fmt.Errorf("move sales: %w", sales.Error)
	}
	result.SalesMoved = sales.RowsAffected

	links := tx.WithContext(ctx).Model(&crmdomain.ReferralLink{}).
		Where("owner_profile_id = ?", from).
		Update("owner_profile_id", to)
	if links.Error != nil {
		return Result{}, fmt.Errorf("move referral links: %w", links.Error)
	}
	result.LinksMoved = links.RowsAffected

	return result, nil
}

func (e *Executor) wrapWithRemaining(ctx context.Context, contractID snowflake.ID, cause error) error {
	recErr := &RecoveryError{Err: cause}

	var contract contractdomain.AffiliateContract
	if err := e.db.WithContext(ctx).First(&contract, "id = ?", contractID).Error; err != nil {
		return recErr
	}
	e.db.WithContext(ctx).Model(&crmdomain.Lead{}).
		Where("owner_profile_id = ?", contract.ProfileID).
		Count(&recErr.LeadsRemaining)
	e.db.WithContext(ctx).Model(&saledomain.Sale{}).
		Where("owner_profile_id = ?", contract.ProfileID).
		Count(&recErr.SalesRemaining)
	e.db.WithContext(ctx).Model(&crmdomain.ReferralLink{}).
		Where("owner_profile_id = ?", contract.ProfileID).
		Count(&recErr.LinksRemaining)
	return recErr
}

func (e *Executor) recordAttempt(kind profiledomain.RoleKind, outcome string) {
	if e.obsMetrics == nil {
		return
	}
	label := string(kind)
	if label == "" {
		label = "unknown"
	}
	e.obsMetrics.RecordRecoveryAttempt(label, outcome)
}

var Module = fx.Module("recovery",
	fx.Provide(NewExecutor),
)
