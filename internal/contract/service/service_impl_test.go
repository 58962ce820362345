package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	auditdomain "github.com/voyagecrm/affiliate/internal/audit/domain"
	auditrepo "github.com/voyagecrm/affiliate/internal/audit/repository"
	auditservice "github.com/voyagecrm/affiliate/internal/audit/service"
	"github.com/voyagecrm/affiliate/internal/clock"
	"github.com/voyagecrm/affiliate/internal/config"
	contractdomain "github.com/voyagecrm/affiliate/internal/contract/domain"
	crmdomain "github.com/voyagecrm/affiliate/internal/crm/domain"
	"github.com/voyagecrm/affiliate/internal/events"
	profiledomain "github.com/voyagecrm/affiliate/internal/profile/domain"
	profilerepo "github.com/voyagecrm/affiliate/internal/profile/repository"
	profileservice "github.com/voyagecrm/affiliate/internal/profile/service"
	"github.com/voyagecrm/affiliate/internal/recovery"
	saledomain "github.com/voyagecrm/affiliate/internal/sale/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type contractTestEnv struct {
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	contracts contractdomain.Service
	profiles  profiledomain.Service
}

func newContractTestEnv(t *testing.T) *contractTestEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&profiledomain.AffiliateProfile{},
		&profiledomain.AffiliateRelation{},
		&contractdomain.AffiliateContract{},
		&crmdomain.Lead{},
		&crmdomain.ReferralLink{},
		&saledomain.Sale{},
		&auditdomain.AuditLog{},
		&events.OutboxEvent{},
	))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	log := zap.NewNop()
	fake := clock.NewFakeClock(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))

	profileRepository := profilerepo.Provide()
	profileSvc := profileservice.NewService(profileservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fake,
		Repo:  profileRepository,
	})
	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  auditrepo.Provide(),
	})
	executor := recovery.NewExecutor(recovery.Params{
		DB:          db,
		Log:         log,
		Clock:       fake,
		ProfileRepo: profileRepository,
		AuditSvc:    auditSvc,
		Outbox:      events.NewOutbox(events.Params{DB: db, Log: log}),
	})
	contractSvc := NewService(Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       fake,
		Cfg:         config.Config{RecoveryGraceHours: 24, TrialMinDataThreshold: 35},
		ProfileRepo: profileRepository,
		Executor:    executor,
		AuditSvc:    auditSvc,
		Outbox:      events.NewOutbox(events.Params{DB: db, Log: log}),
	})

	return &contractTestEnv{
		db:        db,
		node:      node,
		clock:     fake,
		contracts: contractSvc,
		profiles:  profileSvc,
	}
}

func (e *contractTestEnv) submittedContract(t *testing.T, profileID snowflake.ID) contractdomain.AffiliateContract {
	t.Helper()
	ctx := context.Background()
	contract, err := e.contracts.Create(ctx, profileID, contractdomain.ContractKindManual)
	require.NoError(t, err)
	contract, err = e.contracts.Submit(ctx, contract.ID, "admin-1")
	require.NoError(t, err)
	return contract
}

func (e *contractTestEnv) seedData(t *testing.T, ownerID snowflake.ID, leads, sales, links int) {
	t.Helper()
	now := e.clock.Now()
	for i := 0; i < leads; i++ {
		require.NoError(t, e.db.Create(&crmdomain.Lead{
			ID:             e.node.Generate(),
			OwnerProfileID: ownerID,
			CustomerName:   fmt.Sprintf("customer-%d", i),
			CreatedAt:      now,
			UpdatedAt:      now,
		}).Error)
	}
	for i := 0; i < sales; i++ {
		require.NoError(t, e.db.Create(&saledomain.Sale{
			ID:             e.node.Generate(),
			ProductCode:    "CRUISE-MED-4N",
			SaleAmount:     100_000,
			Status:         saledomain.SaleStatusConfirmed,
			AgentProfileID: ownerID,
			OwnerProfileID: ownerID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}).Error)
	}
	for i := 0; i < links; i++ {
		require.NoError(t, e.db.Create(&crmdomain.ReferralLink{
			ID:             e.node.Generate(),
			OwnerProfileID: ownerID,
			Slug:           fmt.Sprintf("link-%s-%d", ownerID, i),
			TargetURL:      "https://booking.example.com",
			CreatedAt:      now,
			UpdatedAt:      now,
		}).Error)
	}
}

func (e *contractTestEnv) countOwned(t *testing.T, ownerID snowflake.ID) (leads, sales, links int64) {
	t.Helper()
	require.NoError(t, e.db.Model(&crmdomain.Lead{}).Where("owner_profile_id = ?", ownerID).Count(&leads).Error)
	require.NoError(t, e.db.Model(&saledomain.Sale{}).Where("owner_profile_id = ?", ownerID).Count(&sales).Error)
	require.NoError(t, e.db.Model(&crmdomain.ReferralLink{}).Where("owner_profile_id = ?", ownerID).Count(&links).Error)
	return leads, sales, links
}

func TestContractLifecycleTransitions(t *testing.T) {
	env := newContractTestEnv(t)
	ctx := context.Background()
	agent, err := env.profiles.CreateProfile(ctx, "Agent Park", profiledomain.RoleSalesAgent, 0, false)
	require.NoError(t, err)

	contract, err := env.contracts.Create(ctx, agent.ID, contractdomain.ContractKindSelfService)
	require.NoError(t, err)
	assert.Equal(t, contractdomain.ContractStatusDraft, contract.Status)

	// draft cannot complete or terminate
	_, err = env.contracts.Complete(ctx, contract.ID, "admin-1")
	assert.ErrorIs(t, err, contractdomain.ErrInvalidTransition)
	_, err = env.contracts.Terminate(ctx, contract.ID, "fraud", "admin-1", true)
	assert.ErrorIs(t, err, contractdomain.ErrInvalidTransition)

	contract, err = env.contracts.Submit(ctx, contract.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, contractdomain.ContractStatusSubmitted, contract.Status)

	contract, err = env.contracts.Complete(ctx, contract.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, contractdomain.ContractStatusCompleted, contract.Status)

	// completed cannot re-submit
	_, err = env.contracts.Submit(ctx, contract.ID, "admin-1")
	assert.ErrorIs(t, err, contractdomain.ErrInvalidTransition)
}

func TestTerminationIsOneWay(t *testing.T) {
	env := newContractTestEnv(t)
	ctx := context.Background()
	agent, err := env.profiles.CreateProfile(ctx, "Agent Choi", profiledomain.RoleSalesAgent, 0, false)
	require.NoError(t, err)
	contract := env.submittedContract(t, agent.ID)

	result, err := env.contracts.Terminate(ctx, contract.ID, "policy violation", "admin-1", true)
	require.NoError(t, err)
	assert.Equal(t, contractdomain.ContractStatusTerminated, result.Contract.Status)
	assert.False(t, result.RecoveryExecuted)

	meta, err := contractdomain.DecodeMetadata(result.Contract.Metadata)
	require.NoError(t, err)
	assert.Equal(t, "policy violation", meta.TerminationReason)
	assert.Equal(t, "admin-1", meta.TerminatedBy)
	assert.True(t, meta.TerminatedByAdmin)
	assert.False(t, meta.DBRecovered)
	require.NotNil(t, meta.TerminatedAt)

	_, err = env.contracts.Terminate(ctx, contract.ID, "again", "admin-1", true)
	assert.ErrorIs(t, err, contractdomain.ErrAlreadyTerminated)
	_, err = env.contracts.Submit(ctx, contract.ID, "admin-1")
	assert.ErrorIs(t, err, contractdomain.ErrAlreadyTerminated)
	_, err = env.contracts.Complete(ctx, contract.ID, "admin-1")
	assert.ErrorIs(t, err, contractdomain.ErrAlreadyTerminated)
}

func TestBranchManagerTerminationRecoversImmediately(t *testing.T) {
	env := newContractTestEnv(t)
	ctx := context.Background()
	manager, err := env.profiles.CreateProfile(ctx, "Busan Branch", profiledomain.RoleBranchManager, 0, false)
	require.NoError(t, err)
	contract := env.submittedContract(t, manager.ID)
	env.seedData(t, manager.ID, 10, 5, 3)

	result, err := env.contracts.Terminate(ctx, contract.ID, "branch closed", "admin-1", true)
	require.NoError(t, err)
	assert.True(t, result.RecoveryExecuted)
	assert.True(t, result.Contract.DBRecovered)

	meta, err := contractdomain.DecodeMetadata(result.Contract.Metadata)
	require.NoError(t, err)
	assert.True(t, meta.DBRecovered)

	leads, sales, links := env.countOwned(t, manager.ID)
	assert.Zero(t, leads)
	assert.Zero(t, sales)
	assert.Zero(t, links)

	hqLeads, hqSales, hqLinks := env.countOwned(t, profiledomain.HQProfileID)
	assert.Equal(t, int64(10), hqLeads)
	assert.Equal(t, int64(5), hqSales)
	assert.Equal(t, int64(3), hqLinks)

	// Exactly one termination and one recovery audit record.
	var terminatedCount, recoveredCount int64
	require.NoError(t, env.db.Model(&auditdomain.AuditLog{}).
		Where("action = ?", auditdomain.ActionContractTerminated).Count(&terminatedCount).Error)
	require.NoError(t, env.db.Model(&auditdomain.AuditLog{}).
		Where("action = ?", auditdomain.ActionContractRecovered).Count(&recoveredCount).Error)
	assert.Equal(t, int64(1), terminatedCount)
	assert.Equal(t, int64(1), recoveredCount)
}

func TestSalesAgentRecoveryWaitsForGraceWindow(t *testing.T) {
	env := newContractTestEnv(t)
	ctx := context.Background()
	manager, err := env.profiles.CreateProfile(ctx, "Seoul Branch", profiledomain.RoleBranchManager, 0, false)
	require.NoError(t, err)
	agent, err := env.profiles.CreateProfile(ctx, "Agent Lee", profiledomain.RoleSalesAgent, 0, false)
	require.NoError(t, err)
	_, err = env.profiles.AssignManager(ctx, agent.ID, manager.ID)
	require.NoError(t, err)

	contract := env.submittedContract(t, agent.ID)
	env.seedData(t, agent.ID, 4, 2, 1)

	result, err := env.contracts.Terminate(ctx, contract.ID, "resigned", "admin-1", false)
	require.NoError(t, err)
	assert.False(t, result.RecoveryExecuted)

	// Inside the grace window the agent keeps their data and the sweep sees
	// nothing to do.
	leads, _, _ := env.countOwned(t, agent.ID)
	assert.Equal(t, int64(4), leads)
	cutoff := env.clock.Now().Add(-24 * time.Hour)
	pending, err := env.contracts.PendingRecoveryContracts(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	env.clock.Advance(24*time.Hour + time.Minute)
	cutoff = env.clock.Now().Add(-24 * time.Hour)
	pending, err = env.contracts.PendingRecoveryContracts(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Equal(t, []snowflake.ID{contract.ID}, pending)

	require.NoError(t, env.contracts.ExecuteScheduledRecovery(ctx, contract.ID))

	leads, sales, links := env.countOwned(t, agent.ID)
	assert.Zero(t, leads+sales+links)
	mLeads, mSales, mLinks := env.countOwned(t, manager.ID)
	assert.Equal(t, int64(4), mLeads)
	assert.Equal(t, int64(2), mSales)
	assert.Equal(t, int64(1), mLinks)

	// Recovery closes the agent's manager relation.
	var relation profiledomain.AffiliateRelation
	require.NoError(t, env.db.Where("agent_profile_id = ?", agent.ID).First(&relation).Error)
	assert.Equal(t, profiledomain.RelationStatusEnded, relation.Status)
	require.NotNil(t, relation.EndedAt)

	// Idempotent: a second sweep pass is a clean no-op.
	require.NoError(t, env.contracts.ExecuteScheduledRecovery(ctx, contract.ID))
	pending, err = env.contracts.PendingRecoveryContracts(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Manual retry after recovery reports the conflict.
	_, err = env.contracts.RetryRecovery(ctx, contract.ID, "admin-1")
	assert.ErrorIs(t, err, contractdomain.ErrAlreadyRecovered)
}

func TestRetryRecoveryBookkeeping(t *testing.T) {
	env := newContractTestEnv(t)
	ctx := context.Background()
	agent, err := env.profiles.CreateProfile(ctx, "Agent Han", profiledomain.RoleSalesAgent, 0, false)
	require.NoError(t, err)
	contract := env.submittedContract(t, agent.ID)
	env.seedData(t, agent.ID, 1, 0, 0)

	_, err = env.contracts.Terminate(ctx, contract.ID, "resigned", "admin-1", false)
	require.NoError(t, err)

	// Break the leads table so recovery fails mid-way.
	require.NoError(t, env.db.Migrator().DropTable(&crmdomain.Lead{}))

	_, err = env.contracts.RetryRecovery(ctx, contract.ID, "admin-2")
	require.Error(t, err)

	stored, err := env.contracts.Get(ctx, contract.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.LastRetryAt)

	meta, err := contractdomain.DecodeMetadata(stored.Metadata)
	require.NoError(t, err)
	require.Len(t, meta.RetryErrors, 1)
	assert.Equal(t, 1, meta.RetryErrors[0].Attempt)
	assert.True(t, meta.RetryErrors[0].ManualRetry)
	assert.Equal(t, "admin-2", meta.RetryErrors[0].RetriedBy)
	assert.NotEmpty(t, meta.RetryErrors[0].Error)
	assert.False(t, meta.DBRecovered)

	// Second failure keeps the history growing.
	_, err = env.contracts.RetryRecovery(ctx, contract.ID, "admin-2")
	require.Error(t, err)
	stored, err = env.contracts.Get(ctx, contract.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RetryCount)

	// Fix the schema; success resets the failure streak.
	require.NoError(t, env.db.AutoMigrate(&crmdomain.Lead{}))
	recovered, err := env.contracts.RetryRecovery(ctx, contract.ID, "admin-2")
	require.NoError(t, err)
	assert.Zero(t, recovered.RetryCount)
	assert.True(t, recovered.DBRecovered)

	meta, err = contractdomain.DecodeMetadata(recovered.Metadata)
	require.NoError(t, err)
	assert.True(t, meta.DBRecovered)
	assert.Equal(t, "admin-2", meta.ManuallyRetriedBy)
	require.NotNil(t, meta.ManuallyRetriedAt)
	assert.Len(t, meta.RetryErrors, 2)

	var retryAudits int64
	require.NoError(t, env.db.Model(&auditdomain.AuditLog{}).
		Where("action = ?", auditdomain.ActionContractRetryAttempt).Count(&retryAudits).Error)
	assert.Equal(t, int64(3), retryAudits)
}

func TestDeleteTrialGuard(t *testing.T) {
	env := newContractTestEnv(t)
	ctx := context.Background()

	// threshold = ceil(35 * 5%) = 2
	trial, err := env.profiles.CreateProfile(ctx, "Trial Agent", profiledomain.RoleSubscriptionAgent, 0, true)
	require.NoError(t, err)
	contract := env.submittedContract(t, trial.ID)

	env.seedData(t, trial.ID, 1, 1, 0)
	err = env.contracts.DeleteTrial(ctx, contract.ID, "admin-1")
	var hasData *contractdomain.HasDataError
	require.ErrorAs(t, err, &hasData)
	assert.Equal(t, int64(1), hasData.Leads)
	assert.Equal(t, int64(1), hasData.Sales)
	assert.Equal(t, int64(2), hasData.Total())

	// Below the threshold the deletion goes through.
	require.NoError(t, env.db.Where("owner_profile_id = ?", trial.ID).Delete(&saledomain.Sale{}).Error)
	require.NoError(t, env.contracts.DeleteTrial(ctx, contract.ID, "admin-1"))

	_, err = env.contracts.Get(ctx, contract.ID)
	assert.ErrorIs(t, err, contractdomain.ErrContractNotFound)
	leads, sales, links := env.countOwned(t, trial.ID)
	assert.Zero(t, leads+sales+links)

	// Non-trial contracts are never hard-deletable.
	regular, err := env.profiles.CreateProfile(ctx, "Agent Song", profiledomain.RoleSalesAgent, 0, false)
	require.NoError(t, err)
	regularContract := env.submittedContract(t, regular.ID)
	err = env.contracts.DeleteTrial(ctx, regularContract.ID, "admin-1")
	assert.ErrorIs(t, err, contractdomain.ErrNotTrialContract)
}
