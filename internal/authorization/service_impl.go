package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/voyagecrm/affiliate/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectSale       = "sale"
	ObjectContract   = "contract"
	ObjectSettlement = "settlement"
	ObjectAuditLog   = "audit_log"
)

const (
	ActionSaleApprove = "sale.approve"
	ActionSaleReject  = "sale.reject"

	ActionContractCreate        = "contract.create"
	ActionContractTerminate     = "contract.terminate"
	ActionContractRetryRecovery = "contract.retry_recovery"
	ActionContractDelete        = "contract.delete"

	ActionSettlementView    = "settlement.view"
	ActionSettlementApprove = "settlement.approve"

	ActionAuditLogView = "audit_log.view"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, actorType, actorID, err := s.resolveActor(actor)
	if err != nil {
		s.auditDenied(ctx, actorType, actorID, object, action)
		return err
	}

	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, actorType, actorID, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.auditGranted(ctx, actorType, actorID, object, action)
	}
	return nil
}

func (s *ServiceImpl) resolveActor(actor string) (string, string, string, *string, error) {
	if actor == "system" {
		return actor, "role:system", string(auditdomain.ActorTypeSystem), nil, nil
	}
	if strings.HasPrefix(actor, "admin:") {
		adminIDRaw := strings.TrimPrefix(actor, "admin:")
		adminID, err := snowflake.ParseString(adminIDRaw)
		if err != nil || adminID == 0 {
			return "", "", "", nil, ErrInvalidActor
		}
		adminIDStr := adminID.String()
		return actor, "role:admin", string(auditdomain.ActorTypeUser), &adminIDStr, nil
	}
	if strings.HasPrefix(actor, "viewer:") {
		viewerIDRaw := strings.TrimPrefix(actor, "viewer:")
		viewerID, err := snowflake.ParseString(viewerIDRaw)
		if err != nil || viewerID == 0 {
			return "", "", "", nil, ErrInvalidActor
		}
		viewerIDStr := viewerID.String()
		return actor, "role:viewer", string(auditdomain.ActorTypeUser), &viewerIDStr, nil
	}
	return "", "", "", nil, ErrInvalidActor
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actorType string, actorID *string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	targetID := "capability"
	_ = s.auditSvc.AuditLog(ctx, actorType, actorID, auditdomain.ActionAuthorizationDenied, "authorization", &targetID, map[string]any{
		"object":  object,
		"action":  action,
		"subject": actorSubject(actorType, actorID),
	})
}

func (s *ServiceImpl) auditGranted(ctx context.Context, actorType string, actorID *string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	targetID := "capability"
	_ = s.auditSvc.AuditLog(ctx, actorType, actorID, auditdomain.ActionAuthorizationGranted, "authorization", &targetID, map[string]any{
		"object":  object,
		"action":  action,
		"subject": actorSubject(actorType, actorID),
	})
}

func actorSubject(actorType string, actorID *string) string {
	switch actorType {
	case string(auditdomain.ActorTypeSystem):
		return "system"
	case string(auditdomain.ActorTypeUser):
		if actorID != nil && strings.TrimSpace(*actorID) != "" {
			return fmt.Sprintf("user:%s", strings.TrimSpace(*actorID))
		}
	}
	return ""
}

// Irreversible actions get an audit row even on success so the trail shows
// who was allowed to pull the trigger, not just who was refused.
func shouldAuditGrant(action string) bool {
	switch action {
	case ActionContractTerminate, ActionContractDelete, ActionSettlementApprove:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Viewer permissions (read-only)
		{"role:viewer", ObjectSettlement, ActionSettlementView},
		{"role:viewer", ObjectAuditLog, ActionAuditLogView},

		// Admin permissions
		{"role:admin", ObjectSale, ActionSaleApprove},
		{"role:admin", ObjectSale, ActionSaleReject},
		{"role:admin", ObjectContract, ActionContractCreate},
		{"role:admin", ObjectContract, ActionContractTerminate},
		{"role:admin", ObjectContract, ActionContractRetryRecovery},
		{"role:admin", ObjectContract, ActionContractDelete},
		{"role:admin", ObjectSettlement, ActionSettlementView},
		{"role:admin", ObjectSettlement, ActionSettlementApprove},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},

		// System permissions (scheduler and automated processes)
		{"role:system", ObjectContract, ActionContractRetryRecovery},
		{"role:system", ObjectSettlement, ActionSettlementView},
		{"role:system", ObjectAuditLog, ActionAuditLogView},
	}

	for _, policy := range policies {
		if len(policy) < 3 {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
