package authorization

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	auditdomain "github.com/voyagecrm/affiliate/internal/audit/domain"
	auditrepo "github.com/voyagecrm/affiliate/internal/audit/repository"
	auditsvc "github.com/voyagecrm/affiliate/internal/audit/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type authTestEnv struct {
	db  *gorm.DB
	svc Service
}

func newAuthTestEnv(t *testing.T) *authTestEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(9)
	require.NoError(t, err)

	log := zap.NewNop()
	audit := auditsvc.NewService(auditsvc.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  auditrepo.Provide(),
	})

	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:       db,
		Log:      log,
		Enforcer: enforcer,
		AuditSvc: audit,
	})

	return &authTestEnv{db: db, svc: svc}
}

func (e *authTestEnv) auditCount(t *testing.T, action string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&auditdomain.AuditLog{}).Where("action = ?", action).Count(&n).Error)
	return n
}

func TestAuthorizeAdminAndSystemRoles(t *testing.T) {
	env := newAuthTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.Authorize(ctx, "admin:1001", ObjectSale, ActionSaleApprove))
	require.NoError(t, env.svc.Authorize(ctx, "admin:1001", ObjectSettlement, ActionSettlementView))
	require.NoError(t, env.svc.Authorize(ctx, "system", ObjectContract, ActionContractRetryRecovery))
	require.NoError(t, env.svc.Authorize(ctx, "system", ObjectAuditLog, ActionAuditLogView))
}

func TestAuthorizeDeniesOutsideRole(t *testing.T) {
	env := newAuthTestEnv(t)
	ctx := context.Background()

	err := env.svc.Authorize(ctx, "viewer:2002", ObjectSale, ActionSaleApprove)
	assert.ErrorIs(t, err, ErrForbidden)

	err = env.svc.Authorize(ctx, "system", ObjectSettlement, ActionSettlementApprove)
	assert.ErrorIs(t, err, ErrForbidden)

	assert.Equal(t, int64(2), env.auditCount(t, auditdomain.ActionAuthorizationDenied))
}

func TestAuthorizeViewerReadOnly(t *testing.T) {
	env := newAuthTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.Authorize(ctx, "viewer:2002", ObjectSettlement, ActionSettlementView))
	require.NoError(t, env.svc.Authorize(ctx, "viewer:2002", ObjectAuditLog, ActionAuditLogView))
	assert.ErrorIs(t, env.svc.Authorize(ctx, "viewer:2002", ObjectContract, ActionContractTerminate), ErrForbidden)
}

func TestAuthorizeRejectsMalformedActors(t *testing.T) {
	env := newAuthTestEnv(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.svc.Authorize(ctx, "", ObjectSale, ActionSaleApprove), ErrInvalidActor)
	assert.ErrorIs(t, env.svc.Authorize(ctx, "admin:not-a-number", ObjectSale, ActionSaleApprove), ErrInvalidActor)
	assert.ErrorIs(t, env.svc.Authorize(ctx, "intruder:1", ObjectSale, ActionSaleApprove), ErrInvalidActor)
	assert.ErrorIs(t, env.svc.Authorize(ctx, "admin:1001", "", ActionSaleApprove), ErrInvalidObject)
	assert.ErrorIs(t, env.svc.Authorize(ctx, "admin:1001", ObjectSale, ""), ErrInvalidAction)
}

func TestAuthorizeAuditsIrreversibleGrants(t *testing.T) {
	env := newAuthTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.Authorize(ctx, "admin:1001", ObjectSale, ActionSaleApprove))
	assert.Equal(t, int64(0), env.auditCount(t, auditdomain.ActionAuthorizationGranted))

	require.NoError(t, env.svc.Authorize(ctx, "admin:1001", ObjectContract, ActionContractTerminate))
	require.NoError(t, env.svc.Authorize(ctx, "admin:1001", ObjectSettlement, ActionSettlementApprove))
	assert.Equal(t, int64(2), env.auditCount(t, auditdomain.ActionAuthorizationGranted))
}
