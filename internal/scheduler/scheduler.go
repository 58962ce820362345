package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	auditdomain "github.com/voyagecrm/affiliate/internal/audit/domain"
	"github.com/voyagecrm/affiliate/internal/auditcontext"
	"github.com/voyagecrm/affiliate/internal/clock"
	contractdomain "github.com/voyagecrm/affiliate/internal/contract/domain"
	"github.com/voyagecrm/affiliate/internal/events"
	obsmetrics "github.com/voyagecrm/affiliate/internal/observability/metrics"
	settlementdomain "github.com/voyagecrm/affiliate/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	ContractSvc   contractdomain.Service
	SettlementSvc settlementdomain.Service
	Outbox        *events.Outbox
	Notifier      events.Notifier `optional:"true"`
	Config        Config          `optional:"true"`
}

type Scheduler struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           Config
	clock         clock.Clock
	contractSvc   contractdomain.Service
	settlementSvc settlementdomain.Service
	outbox        *events.Outbox
	notifier      events.Notifier
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.ContractSvc == nil || p.SettlementSvc == nil || p.Outbox == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:            p.DB,
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           p.Config.withDefaults(),
		clock:         p.Clock,
		contractSvc:   p.ContractSvc,
		settlementSvc: p.SettlementSvc,
		outbox:        p.Outbox,
		notifier:      p.Notifier,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")

	engMetrics := obsmetrics.Engine()
	engMetrics.IncJobRun(name)

	err := fn(ctx)
	engMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	// Deadline hits are soft timeouts: the next tick picks up the remainder.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		engMetrics.IncJobTimeout(name)
	}
	engMetrics.IncJobError(name, err)
	if isTimeout {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"settlement_periods", func(ctx context.Context) error {
			return s.runJob(ctx, "settlement_periods", 30*time.Second, s.SettlementPeriodsJob)
		}},
		{"recovery_sweep", func(ctx context.Context) error {
			return s.runJob(ctx, "recovery_sweep", 30*time.Second, s.RecoverySweepJob)
		}},
		{"outbox_dispatch", func(ctx context.Context) error {
			return s.runJob(ctx, "outbox_dispatch", 30*time.Second, s.OutboxDispatchJob)
		}},
	}

	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs means everything runs (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RecoverySweepJob recovers terminated sales-agent contracts whose grace
// window has elapsed. Each contract is its own unit of work: one failure
// never stalls the rest of the batch.
func (s *Scheduler) RecoverySweepJob(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.RecoveryGrace)
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		ids, err := s.contractSvc.PendingRecoveryContracts(ctx, cutoff, s.cfg.SweepBatchSize)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(ids) == 0 {
			return jobErr
		}

		processed := 0
		for _, contractID := range ids {
			if ctx.Err() != nil {
				return errors.Join(jobErr, ctx.Err())
			}
			if err := s.contractSvc.ExecuteScheduledRecovery(ctx, contractID); err != nil {
				jobErr = errors.Join(jobErr, err)
				s.log.Warn("recovery sweep failed for contract",
					zap.String("contract_id", contractID.String()),
					zap.Error(err),
				)
				continue
			}
			processed++
		}
		// Every remaining candidate failed; retrying in this run would spin.
		if processed == 0 {
			return jobErr
		}
	}
}

func (s *Scheduler) OutboxDispatchJob(ctx context.Context) error {
	if s.notifier == nil {
		return nil
	}
	_, err := s.outbox.DispatchPending(ctx, s.notifier, s.cfg.OutboxBatchSize)
	return err
}

// SettlementPeriodsJob keeps the current month's DRAFT settlement present and
// up to date with newly confirmed commission entries.
func (s *Scheduler) SettlementPeriodsJob(ctx context.Context) error {
	settlement, err := s.settlementSvc.EnsurePeriod(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	if settlement.Status != settlementdomain.SettlementStatusDraft {
		return nil
	}
	_, err = s.settlementSvc.AttachEntries(ctx, settlement.ID)
	return err
}
