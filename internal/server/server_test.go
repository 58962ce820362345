package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	auditdomain "github.com/voyagecrm/affiliate/internal/audit/domain"
	auditrepo "github.com/voyagecrm/affiliate/internal/audit/repository"
	auditservice "github.com/voyagecrm/affiliate/internal/audit/service"
	"github.com/voyagecrm/affiliate/internal/authorization"
	"github.com/voyagecrm/affiliate/internal/clock"
	"github.com/voyagecrm/affiliate/internal/config"
	contractdomain "github.com/voyagecrm/affiliate/internal/contract/domain"
	contractservice "github.com/voyagecrm/affiliate/internal/contract/service"
	crmdomain "github.com/voyagecrm/affiliate/internal/crm/domain"
	"github.com/voyagecrm/affiliate/internal/events"
	ledgerdomain "github.com/voyagecrm/affiliate/internal/ledger/domain"
	ledgerservice "github.com/voyagecrm/affiliate/internal/ledger/service"
	profiledomain "github.com/voyagecrm/affiliate/internal/profile/domain"
	profilerepo "github.com/voyagecrm/affiliate/internal/profile/repository"
	profileservice "github.com/voyagecrm/affiliate/internal/profile/service"
	"github.com/voyagecrm/affiliate/internal/recovery"
	saledomain "github.com/voyagecrm/affiliate/internal/sale/domain"
	saleservice "github.com/voyagecrm/affiliate/internal/sale/service"
	settlementdomain "github.com/voyagecrm/affiliate/internal/settlement/domain"
	settlementservice "github.com/voyagecrm/affiliate/internal/settlement/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type serverTestEnv struct {
	db     *gorm.DB
	node   *snowflake.Node
	clock  *clock.FakeClock
	server *Server
}

func newServerTestEnv(t *testing.T) *serverTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&profiledomain.AffiliateProfile{},
		&profiledomain.AffiliateRelation{},
		&saledomain.Sale{},
		&ledgerdomain.CommissionLedgerEntry{},
		&settlementdomain.MonthlySettlement{},
		&contractdomain.AffiliateContract{},
		&crmdomain.Lead{},
		&crmdomain.ReferralLink{},
		&auditdomain.AuditLog{},
		&events.OutboxEvent{},
	))

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	log := zap.NewNop()
	fake := clock.NewFakeClock(time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))
	cfg := config.Config{
		Environment:           "test",
		RecoveryGraceHours:    24,
		TrialMinDataThreshold: 35,
	}

	rates, err := config.NewRates(config.Config{}, log)
	require.NoError(t, err)

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
	outbox := events.NewOutbox(events.Params{DB: db, Log: log})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       fake,
		Rates:       rates,
		ProfileRepo: profileRepository,
	})
	saleSvc := saleservice.NewService(saleservice.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      fake,
		LedgerSvc:  ledgerSvc,
		ProfileSvc: profileSvc,
		AuditSvc:   auditSvc,
		Outbox:     outbox,
	})
	settlementSvc := settlementservice.NewService(settlementservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    fake,
		AuditSvc: auditSvc,
		Outbox:   outbox,
	})
	executor := recovery.NewExecutor(recovery.Params{
		DB:          db,
		Log:         log,
		Clock:       fake,
		ProfileRepo: profileRepository,
		AuditSvc:    auditSvc,
		Outbox:      outbox,
	})
	contractSvc := contractservice.NewService(contractservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       fake,
		Cfg:         cfg,
		ProfileRepo: profileRepository,
		Executor:    executor,
		AuditSvc:    auditSvc,
		Outbox:      outbox,
	})

	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)
	authzSvc := authorization.NewService(authorization.Params{
		DB:       db,
		Log:      log,
		Enforcer: enforcer,
		AuditSvc: auditSvc,
	})

	srv := NewServer(ServerParams{
		Gin:           NewEngine(log),
		Cfg:           cfg,
		AuthzSvc:      authzSvc,
		AuditSvc:      auditSvc,
		SaleSvc:       saleSvc,
		ContractSvc:   contractSvc,
		SettlementSvc: settlementSvc,
	})

	return &serverTestEnv{db: db, node: node, clock: fake, server: srv}
}

func (e *serverTestEnv) request(t *testing.T, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewBuffer(raw)
	} else {
		payload = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(HeaderActor, actor)
	}

	rec := httptest.NewRecorder()
	e.server.Engine().ServeHTTP(rec, req)
	return rec
}

func (e *serverTestEnv) createProfile(t *testing.T, role profiledomain.RoleKind) profiledomain.AffiliateProfile {
	t.Helper()
	now := e.clock.Now()
	profile := profiledomain.AffiliateProfile{
		ID:            e.node.Generate(),
		DisplayName:   string(role),
		RoleKind:      role,
		AffiliateCode: fmt.Sprintf("code-%d", e.node.Generate()),
		Status:        profiledomain.ProfileStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, e.db.Create(&profile).Error)
	return profile
}

func (e *serverTestEnv) createPendingSale(t *testing.T, agentID snowflake.ID, saleAmount, costAmount int64) saledomain.Sale {
	t.Helper()
	now := e.clock.Now()
	sale := saledomain.Sale{
		ID:             e.node.Generate(),
		ProductCode:    "CRUISE-7N",
		SaleAmount:     saleAmount,
		CostAmount:     costAmount,
		Status:         saledomain.SaleStatusPending,
		AgentProfileID: agentID,
		OwnerProfileID: agentID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, e.db.Create(&sale).Error)
	return sale
}

func TestApproveSaleEndpoint(t *testing.T) {
	env := newServerTestEnv(t)
	agent := env.createProfile(t, profiledomain.RoleSalesAgent)
	sale := env.createPendingSale(t, agent.ID, 1_000_000, 0)

	rec := env.request(t, http.MethodPost, "/v1/sales/"+sale.ID.String()+"/approve", "admin:1001", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		CommissionSkipped bool `json:"commission_skipped"`
		EntriesWritten    int  `json:"entries_written"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.CommissionSkipped)
	assert.Greater(t, resp.EntriesWritten, 0)

	// Replay is an idempotent 200, not a conflict.
	rec = env.request(t, http.MethodPost, "/v1/sales/"+sale.ID.String()+"/approve", "admin:1001", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.CommissionSkipped)
}

func TestApproveSaleRequiresActor(t *testing.T) {
	env := newServerTestEnv(t)
	agent := env.createProfile(t, profiledomain.RoleSalesAgent)
	sale := env.createPendingSale(t, agent.ID, 500_000, 0)

	rec := env.request(t, http.MethodPost, "/v1/sales/"+sale.ID.String()+"/approve", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.request(t, http.MethodPost, "/v1/sales/"+sale.ID.String()+"/approve", "viewer:2002", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApproveSaleNotFound(t *testing.T) {
	env := newServerTestEnv(t)

	rec := env.request(t, http.MethodPost, "/v1/sales/123456789/approve", "admin:1001", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTerminateContractEndpoint(t *testing.T) {
	env := newServerTestEnv(t)
	manager := env.createProfile(t, profiledomain.RoleBranchManager)

	rec := env.request(t, http.MethodPost, "/v1/contracts", "admin:1001", gin.H{
		"profile_id": manager.ID.String(),
		"kind":       "MANUAL",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Data contractdomain.AffiliateContract `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = env.request(t, http.MethodPost, "/v1/contracts/"+created.Data.ID.String()+"/submit", "admin:1001", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.request(t, http.MethodPost, "/v1/contracts/"+created.Data.ID.String()+"/terminate", "admin:1001", gin.H{
		"reason": "policy violation",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var terminated struct {
		Data             contractdomain.AffiliateContract `json:"data"`
		RecoveryExecuted bool                             `json:"recovery_executed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &terminated))
	assert.Equal(t, contractdomain.ContractStatusTerminated, terminated.Data.Status)
	assert.True(t, terminated.RecoveryExecuted)

	// Second terminate is a conflict, not a repeat.
	rec = env.request(t, http.MethodPost, "/v1/contracts/"+created.Data.ID.String()+"/terminate", "admin:1001", gin.H{
		"reason": "again",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTerminateContractRequiresReason(t *testing.T) {
	env := newServerTestEnv(t)
	manager := env.createProfile(t, profiledomain.RoleBranchManager)

	rec := env.request(t, http.MethodPost, "/v1/contracts", "admin:1001", gin.H{
		"profile_id": manager.ID.String(),
		"kind":       "MANUAL",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Data contractdomain.AffiliateContract `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = env.request(t, http.MethodPost, "/v1/contracts/"+created.Data.ID.String()+"/terminate", "admin:1001", gin.H{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDeleteTrialContractGuardSurfacesCounts(t *testing.T) {
	env := newServerTestEnv(t)
	now := env.clock.Now()

	trial := profiledomain.AffiliateProfile{
		ID:            env.node.Generate(),
		DisplayName:   "trial",
		RoleKind:      profiledomain.RoleSubscriptionAgent,
		AffiliateCode: "trial-1",
		Status:        profiledomain.ProfileStatusActive,
		Trial:         true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, env.db.Create(&trial).Error)

	rec := env.request(t, http.MethodPost, "/v1/contracts", "admin:1001", gin.H{
		"profile_id": trial.ID.String(),
		"kind":       "SELF_SERVICE",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Data contractdomain.AffiliateContract `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	for i := 0; i < 2; i++ {
		require.NoError(t, env.db.Create(&crmdomain.Lead{
			ID:             env.node.Generate(),
			OwnerProfileID: trial.ID,
			CustomerName:   fmt.Sprintf("customer-%d", i),
			CreatedAt:      now,
			UpdatedAt:      now,
		}).Error)
	}

	rec = env.request(t, http.MethodDelete, "/v1/contracts/"+created.Data.ID.String(), "admin:1001", nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	var conflict struct {
		Error struct {
			Details map[string]int64 `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conflict))
	assert.Equal(t, int64(2), conflict.Error.Details["leads"])

	require.NoError(t, env.db.Where("owner_profile_id = ?", trial.ID).Delete(&crmdomain.Lead{}).Error)

	rec = env.request(t, http.MethodDelete, "/v1/contracts/"+created.Data.ID.String(), "admin:1001", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
}

func TestSettlementStatementAndApproveEndpoints(t *testing.T) {
	env := newServerTestEnv(t)
	agent := env.createProfile(t, profiledomain.RoleSalesAgent)
	sale := env.createPendingSale(t, agent.ID, 2_000_000, 0)

	rec := env.request(t, http.MethodPost, "/v1/sales/"+sale.ID.String()+"/approve", "admin:1001", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	settlementSvc := env.server.settlementSvc
	settlement, err := settlementSvc.EnsurePeriod(context.Background(), env.clock.Now())
	require.NoError(t, err)
	attached, err := settlementSvc.AttachEntries(context.Background(), settlement.ID)
	require.NoError(t, err)
	require.Greater(t, attached, 0)

	rec = env.request(t, http.MethodGet, "/v1/settlements/"+settlement.ID.String()+"/statement", "viewer:2002", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var statement struct {
		Data settlementdomain.Statement `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statement))
	assert.NotEmpty(t, statement.Data.Lines)

	// Viewers can read but never approve.
	rec = env.request(t, http.MethodPost, "/v1/settlements/"+settlement.ID.String()+"/approve", "viewer:2002", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.request(t, http.MethodPost, "/v1/settlements/"+settlement.ID.String()+"/approve", "admin:1001", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.request(t, http.MethodPost, "/v1/settlements/"+settlement.ID.String()+"/approve", "admin:1001", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListAuditLogsEndpoint(t *testing.T) {
	env := newServerTestEnv(t)
	agent := env.createProfile(t, profiledomain.RoleSalesAgent)
	sale := env.createPendingSale(t, agent.ID, 800_000, 0)

	rec := env.request(t, http.MethodPost, "/v1/sales/"+sale.ID.String()+"/approve", "admin:1001", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodGet, "/v1/audit-logs?action="+auditdomain.ActionSaleApproved, "admin:1001", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data []auditdomain.AuditLog `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, auditdomain.ActionSaleApproved, resp.Data[0].Action)
}
