package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/voyagecrm/affiliate/internal/audit/domain"
	"github.com/voyagecrm/affiliate/internal/clock"
	"github.com/voyagecrm/affiliate/internal/config"
	contractdomain "github.com/voyagecrm/affiliate/internal/contract/domain"
	crmdomain "github.com/voyagecrm/affiliate/internal/crm/domain"
	"github.com/voyagecrm/affiliate/internal/events"
	profiledomain "github.com/voyagecrm/affiliate/internal/profile/domain"
	"github.com/voyagecrm/affiliate/internal/recovery"
	saledomain "github.com/voyagecrm/affiliate/internal/sale/domain"
	pkgdb "github.com/voyagecrm/affiliate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const schedulerActor = "scheduler"

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Cfg         config.Config
	ProfileRepo profiledomain.Repository
	Executor    *recovery.Executor
	AuditSvc    auditdomain.Service
	Outbox      *events.Outbox `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cfg         config.Config
	profileRepo profiledomain.Repository
	executor    *recovery.Executor
	auditSvc    auditdomain.Service
	outbox      *events.Outbox
}

func NewService(p Params) contractdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("contract.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		cfg:         p.Cfg,
		profileRepo: p.ProfileRepo,
		executor:    p.Executor,
		auditSvc:    p.AuditSvc,
		outbox:      p.Outbox,
	}
}

func (s *Service) Create(ctx context.Context, profileID snowflake.ID, kind contractdomain.ContractKind) (contractdomain.AffiliateContract, error) {
	if kind != contractdomain.ContractKindManual && kind != contractdomain.ContractKindSelfService {
		return contractdomain.AffiliateContract{}, fmt.Errorf("%w: %q", contractdomain.ErrInvalidKind, kind)
	}
	if _, err := s.profileRepo.Get(ctx, s.db, profileID); err != nil {
		return contractdomain.AffiliateContract{}, err
	}

	now := s.clock.Now()
	contract := contractdomain.AffiliateContract{
		ID:        s.genID.Generate(),
		ProfileID: profileID,
		Kind:      kind,
		Status:    contractdomain.ContractStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&contract).Error; err != nil {
		return contractdomain.AffiliateContract{}, err
	}
	return contract, nil
}

func (s *Service) Submit(ctx context.Context, contractID snowflake.ID, actorID string) (contractdomain.AffiliateContract, error) {
	return s.transition(ctx, contractID, actorID,
		contractdomain.ContractStatusDraft, contractdomain.ContractStatusSubmitted,
		auditdomain.ActionContractSubmitted)
}

func (s *Service) Complete(ctx context.Context, contractID snowflake.ID, actorID string) (contractdomain.AffiliateContract, error) {
	return s.transition(ctx, contractID, actorID,
		contractdomain.ContractStatusSubmitted, contractdomain.ContractStatusCompleted,
		auditdomain.ActionContractCompleted)
}

// transition applies a forward-only status change under a row lock.
func (s *Service) transition(ctx context.Context, contractID snowflake.ID, actorID string, from, to contractdomain.ContractStatus, action string) (contractdomain.AffiliateContract, error) {
	var updated contractdomain.AffiliateContract
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contract, err := s.getLocked(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if contract.Status == contractdomain.ContractStatusTerminated {
			return contractdomain.ErrAlreadyTerminated
		}
		if contract.Status != from {
			return fmt.Errorf("%w: %s -> %s", contractdomain.ErrInvalidTransition, contract.Status, to)
		}

		now := s.clock.Now()
		if err := tx.WithContext(ctx).Model(&contractdomain.AffiliateContract{}).
			Where("id = ?", contract.ID).
			Updates(map[string]any{"status": to, "updated_at": now}).Error; err != nil {
			return err
		}

		contractIDStr := contract.ID.String()
		if err := s.auditSvc.AuditLogTx(ctx, tx, string(auditdomain.ActorTypeUser), &actorID, action, "contract", &contractIDStr, map[string]any{
			"from": string(contract.Status),
			"to":   string(to),
		}); err != nil {
			return err
		}

		contract.Status = to
		contract.UpdatedAt = now
		updated = contract
		return nil
	})
	if err != nil {
		return contractdomain.AffiliateContract{}, err
	}
	return updated, nil
}

func (s *Service) Terminate(ctx context.Context, contractID snowflake.ID, reason, actorID string, byAdmin bool) (contractdomain.TerminateResult, error) {
	var terminated contractdomain.AffiliateContract
	var roleKind profiledomain.RoleKind

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contract, err := s.getLocked(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if contract.Status == contractdomain.ContractStatusTerminated {
			return contractdomain.ErrAlreadyTerminated
		}
		if contract.Status != contractdomain.ContractStatusSubmitted && contract.Status != contractdomain.ContractStatusCompleted {
			return fmt.Errorf("%w: %s -> terminated", contractdomain.ErrInvalidTransition, contract.Status)
		}

		profile, err := s.profileRepo.Get(ctx, tx, contract.ProfileID)
		if err != nil {
			return err
		}
		roleKind = profile.RoleKind

		meta, err := contractdomain.DecodeMetadata(contract.Metadata)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		meta.TerminationReason = reason
		meta.TerminatedAt = &now
		meta.TerminatedBy = actorID
		meta.TerminatedByAdmin = byAdmin
		meta.DBRecovered = false
		encoded, err := meta.Encode()
		if err != nil {
			return err
		}

		if err := tx.WithContext(ctx).Model(&contractdomain.AffiliateContract{}).
			Where("id = ?", contract.ID).
			Updates(map[string]any{
				"status":        contractdomain.ContractStatusTerminated,
				"metadata":      encoded,
				"terminated_at": now,
				"db_recovered":  false,
				"updated_at":    now,
			}).Error; err != nil {
			return err
		}

		contractIDStr := contract.ID.String()
		if err := s.auditSvc.AuditLogTx(ctx, tx, string(auditdomain.ActorTypeUser), &actorID, auditdomain.ActionContractTerminated, "contract", &contractIDStr, map[string]any{
			"reason":     reason,
			"by_admin":   byAdmin,
			"profile_id": contract.ProfileID.String(),
			"role_kind":  string(profile.RoleKind),
		}); err != nil {
			return err
		}

		if s.outbox != nil {
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				Type:      events.EventContractTerminated,
				DedupeKey: "contract_terminated:" + contractIDStr,
				Payload: map[string]any{
					"contract_id": contractIDStr,
					"profile_id":  contract.ProfileID.String(),
					"reason":      reason,
				},
			}); err != nil {
				return err
			}
		}

		contract.Status = contractdomain.ContractStatusTerminated
		contract.Metadata = encoded
		contract.TerminatedAt = &now
		contract.UpdatedAt = now
		terminated = contract
		return nil
	})
	if err != nil {
		return contractdomain.TerminateResult{}, err
	}

	// Sales agents keep their data through the grace window; the scheduler
	// sweep recovers it later. Branch managers lose access immediately.
	if roleKind != profiledomain.RoleBranchManager {
		return contractdomain.TerminateResult{Contract: terminated}, nil
	}

	if _, err := s.executor.Recover(ctx, contractID); err != nil {
		s.recordRecoveryFailure(ctx, contractID, err, false, actorID)
		return contractdomain.TerminateResult{}, err
	}
	refreshed, err := s.Get(ctx, contractID)
	if err != nil {
		return contractdomain.TerminateResult{}, err
	}
	return contractdomain.TerminateResult{Contract: refreshed, RecoveryExecuted: true}, nil
}

func (s *Service) RetryRecovery(ctx context.Context, contractID snowflake.ID, actorID string) (contractdomain.AffiliateContract, error) {
	contract, err := s.Get(ctx, contractID)
	if err != nil {
		return contractdomain.AffiliateContract{}, err
	}
	if contract.Status != contractdomain.ContractStatusTerminated {
		return contractdomain.AffiliateContract{}, contractdomain.ErrNotTerminated
	}
	if contract.DBRecovered {
		return contractdomain.AffiliateContract{}, contractdomain.ErrAlreadyRecovered
	}

	if _, err := s.executor.Recover(ctx, contractID); err != nil {
		s.recordRecoveryFailure(ctx, contractID, err, true, actorID)
		return contractdomain.AffiliateContract{}, err
	}
	return s.recordRecoverySuccess(ctx, contractID, true, actorID)
}

func (s *Service) ExecuteScheduledRecovery(ctx context.Context, contractID snowflake.ID) error {
	if _, err := s.executor.Recover(ctx, contractID); err != nil {
		// A racing manual retry winning is not a sweep failure.
		if errors.Is(err, contractdomain.ErrAlreadyRecovered) {
			return nil
		}
		s.recordRecoveryFailure(ctx, contractID, err, false, schedulerActor)
		return err
	}
	_, err := s.recordRecoverySuccess(ctx, contractID, false, schedulerActor)
	return err
}

// recordRecoveryFailure appends the attempt to the contract's retry history.
// Bookkeeping failures are logged, never returned: the recovery error itself
// is what the caller needs to see.
func (s *Service) recordRecoveryFailure(ctx context.Context, contractID snowflake.ID, cause error, manual bool, actorID string) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contract, err := s.getLocked(ctx, tx, contractID)
		if err != nil {
			return err
		}
		meta, err := contractdomain.DecodeMetadata(contract.Metadata)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		attempt := contract.RetryCount + 1
		meta.RetryErrors = append(meta.RetryErrors, contractdomain.RetryError{
			Attempt:     attempt,
			Error:       cause.Error(),
			Timestamp:   now,
			ManualRetry: manual,
			RetriedBy:   actorID,
		})
		encoded, err := meta.Encode()
		if err != nil {
			return err
		}

		if err := tx.WithContext(ctx).Model(&contractdomain.AffiliateContract{}).
			Where("id = ?", contract.ID).
			Updates(map[string]any{
				"retry_count":   attempt,
				"last_retry_at": now,
				"metadata":      encoded,
				"updated_at":    now,
			}).Error; err != nil {
			return err
		}

		contractIDStr := contract.ID.String()
		return s.auditSvc.AuditLogTx(ctx, tx, actorType(manual), actorPointer(manual, actorID), auditdomain.ActionContractRetryAttempt, "contract", &contractIDStr, map[string]any{
			"attempt": attempt,
			"outcome": "failure",
			"error":   cause.Error(),
			"manual":  manual,
		})
	})
	if err != nil {
		s.log.Error("failed to record recovery attempt",
			zap.String("contract_id", contractID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) recordRecoverySuccess(ctx context.Context, contractID snowflake.ID, manual bool, actorID string) (contractdomain.AffiliateContract, error) {
	var updated contractdomain.AffiliateContract
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contract, err := s.getLocked(ctx, tx, contractID)
		if err != nil {
			return err
		}
		meta, err := contractdomain.DecodeMetadata(contract.Metadata)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		attempt := contract.RetryCount + 1
		if manual {
			meta.ManuallyRetriedBy = actorID
			meta.ManuallyRetriedAt = &now
		}
		encoded, err := meta.Encode()
		if err != nil {
			return err
		}

		// Success wipes the failure streak.
		if err := tx.WithContext(ctx).Model(&contractdomain.AffiliateContract{}).
			Where("id = ?", contract.ID).
			Updates(map[string]any{
				"retry_count":   0,
				"last_retry_at": now,
				"metadata":      encoded,
				"updated_at":    now,
			}).Error; err != nil {
			return err
		}

		contractIDStr := contract.ID.String()
		if err := s.auditSvc.AuditLogTx(ctx, tx, actorType(manual), actorPointer(manual, actorID), auditdomain.ActionContractRetryAttempt, "contract", &contractIDStr, map[string]any{
			"attempt": attempt,
			"outcome": "success",
			"manual":  manual,
		}); err != nil {
			return err
		}

		contract.RetryCount = 0
		contract.LastRetryAt = &now
		contract.Metadata = encoded
		contract.UpdatedAt = now
		updated = contract
		return nil
	})
	if err != nil {
		return contractdomain.AffiliateContract{}, err
	}
	return updated, nil
}

func (s *Service) DeleteTrial(ctx context.Context, contractID snowflake.ID, actorID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contract, err := s.getLocked(ctx, tx, contractID)
		if err != nil {
			return err
		}
		profile, err := s.profileRepo.Get(ctx, tx, contract.ProfileID)
		if err != nil {
			return err
		}
		if profile.RoleKind != profiledomain.RoleSubscriptionAgent || !profile.Trial {
			return contractdomain.ErrNotTrialContract
		}

		var hasData contractdomain.HasDataError
		if err := tx.WithContext(ctx).Model(&crmdomain.Lead{}).
			Where("owner_profile_id = ?", contract.ProfileID).
			Count(&hasData.Leads).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Model(&saledomain.Sale{}).
			Where("owner_profile_id = ?", contract.ProfileID).
			Count(&hasData.Sales).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Model(&crmdomain.ReferralLink{}).
			Where("owner_profile_id = ?", contract.ProfileID).
			Count(&hasData.Links).Error; err != nil {
			return err
		}

		// A trial may only vanish while its footprint is negligible: under 5%
		// of the minimum-data threshold, rounded up.
		threshold := ceilPercent(int64(s.cfg.TrialMinDataThreshold), 5)
		if hasData.Total() >= threshold {
			return &hasData
		}

		for _, model := range []any{&crmdomain.Lead{}, &saledomain.Sale{}, &crmdomain.ReferralLink{}} {
			if err := tx.WithContext(ctx).
				Where("owner_profile_id = ?", contract.ProfileID).
				Delete(model).Error; err != nil {
				return err
			}
		}
		if err := tx.WithContext(ctx).Delete(&contractdomain.AffiliateContract{}, "id = ?", contract.ID).Error; err != nil {
			return err
		}

		contractIDStr := contract.ID.String()
		return s.auditSvc.AuditLogTx(ctx, tx, string(auditdomain.ActorTypeUser), &actorID, auditdomain.ActionContractDeleted, "contract", &contractIDStr, map[string]any{
			"profile_id":    contract.ProfileID.String(),
			"leads_deleted": hasData.Leads,
			"sales_deleted": hasData.Sales,
			"links_deleted": hasData.Links,
		})
	})
}

func (s *Service) PendingRecoveryContracts(ctx context.Context, cutoff time.Time, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = 50
	}
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Model(&contractdomain.AffiliateContract{}).
		Select("affiliate_contracts.id").
		Joins("JOIN affiliate_profiles ON affiliate_profiles.id = affiliate_contracts.profile_id").
		Where("affiliate_contracts.status = ?", contractdomain.ContractStatusTerminated).
		Where("affiliate_contracts.db_recovered = ?", false).
		Where("affiliate_contracts.terminated_at <= ?", cutoff).
		Where("affiliate_profiles.role_kind IN ?", []profiledomain.RoleKind{
			profiledomain.RoleSalesAgent,
			profiledomain.RoleSubscriptionAgent,
		}).
		Order("affiliate_contracts.terminated_at asc").
		Limit(limit).
		Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Service) Get(ctx context.Context, contractID snowflake.ID) (contractdomain.AffiliateContract, error) {
	var contract contractdomain.AffiliateContract
	err := s.db.WithContext(ctx).First(&contract, "id = ?", contractID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return contractdomain.AffiliateContract{}, contractdomain.ErrContractNotFound
	}
	if err != nil {
		return contractdomain.AffiliateContract{}, err
	}
	return contract, nil
}

func (s *Service) getLocked(ctx context.Context, tx *gorm.DB, contractID snowflake.ID) (contractdomain.AffiliateContract, error) {
	var contract contractdomain.AffiliateContract
	err := pkgdb.ForUpdate(tx.WithContext(ctx)).First(&contract, "id = ?", contractID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return contractdomain.AffiliateContract{}, contractdomain.ErrContractNotFound
	}
	if err != nil {
		return contractdomain.AffiliateContract{}, err
	}
	return contract, nil
}

func ceilPercent(base, percent int64) int64 {
	return (base*percent + 99) / 100
}

func actorType(manual bool) string {
	if manual {
		return string(auditdomain.ActorTypeUser)
	}
	return string(auditdomain.ActorTypeSystem)
}

func actorPointer(manual bool, actorID string) *string {
	if !manual && actorID == schedulerActor {
		return &actorID
	}
	if actorID == "" {
		return nil
	}
	return &actorID
}
