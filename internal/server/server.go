package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/voyagecrm/affiliate/internal/audit/domain"
	"github.com/voyagecrm/affiliate/internal/authorization"
	"github.com/voyagecrm/affiliate/internal/config"
	contractdomain "github.com/voyagecrm/affiliate/internal/contract/domain"
	saledomain "github.com/voyagecrm/affiliate/internal/sale/domain"
	settlementdomain "github.com/voyagecrm/affiliate/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogging(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	authzSvc      authorization.Service
	auditSvc      auditdomain.Service
	saleSvc       saledomain.Service
	contractSvc   contractdomain.Service
	settlementSvc settlementdomain.Service
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	AuthzSvc      authorization.Service
	AuditSvc      auditdomain.Service
	SaleSvc       saledomain.Service
	ContractSvc   contractdomain.Service
	SettlementSvc settlementdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		authzSvc:      p.AuthzSvc,
		auditSvc:      p.AuditSvc,
		saleSvc:       p.SaleSvc,
		contractSvc:   p.ContractSvc,
		settlementSvc: p.SettlementSvc,
	}

	svc.registerV1Routes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerV1Routes() {
	v1 := s.engine.Group("/v1")

	v1.Use(s.ActorRequired())

	// -------- Sales --------
	v1.POST("/sales/:id/approve", s.authorizeAction(authorization.ObjectSale, authorization.ActionSaleApprove), s.ApproveSale)
	v1.POST("/sales/:id/reject", s.authorizeAction(authorization.ObjectSale, authorization.ActionSaleReject), s.RejectSale)
	v1.GET("/sales/:id", s.GetSale)

	// -------- Contracts --------
	v1.POST("/contracts", s.authorizeAction(authorization.ObjectContract, authorization.ActionContractCreate), s.CreateContract)
	v1.POST("/contracts/:id/submit", s.SubmitContract)
	v1.POST("/contracts/:id/complete", s.CompleteContract)
	v1.POST("/contracts/:id/terminate", s.authorizeAction(authorization.ObjectContract, authorization.ActionContractTerminate), s.TerminateContract)
	v1.POST("/contracts/:id/retry-recovery", s.authorizeAction(authorization.ObjectContract, authorization.ActionContractRetryRecovery), s.RetryContractRecovery)
	v1.DELETE("/contracts/:id", s.authorizeAction(authorization.ObjectContract, authorization.ActionContractDelete), s.DeleteTrialContract)
	v1.GET("/contracts/:id", s.GetContract)

	// -------- Settlements --------
	v1.GET("/settlements/:id/statement", s.authorizeAction(authorization.ObjectSettlement, authorization.ActionSettlementView), s.GetSettlementStatement)
	v1.POST("/settlements/:id/approve", s.authorizeAction(authorization.ObjectSettlement, authorization.ActionSettlementApprove), s.ApproveSettlement)

	// -------- Audit --------
	v1.GET("/audit-logs", s.authorizeAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}
