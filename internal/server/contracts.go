package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	contractdomain "github.com/voyagecrm/affiliate/internal/contract/domain"
)

type createContractRequest struct {
	ProfileID string `json:"profile_id"`
	Kind      string `json:"kind"`
}

func (s *Server) CreateContract(c *gin.Context) {
	var req createContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	profileID, err := snowflake.ParseString(strings.TrimSpace(req.ProfileID))
	if err != nil || profileID == 0 {
		AbortWithError(c, newValidationError("profile_id", "invalid_profile_id", "invalid profile_id"))
		return
	}

	contract, err := s.contractSvc.Create(c.Request.Context(), profileID, contractdomain.ContractKind(strings.ToUpper(strings.TrimSpace(req.Kind))))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": contract})
}

func (s *Server) SubmitContract(c *gin.Context) {
	contractID, err := parseIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	contract, err := s.contractSvc.Submit(c.Request.Context(), contractID, s.actorFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": contract})
}

func (s *Server) CompleteContract(c *gin.Context) {
	contractID, err := parseIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	contract, err := s.contractSvc.Complete(c.Request.Context(), contractID, s.actorFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": contract})
}

type terminateContractRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) TerminateContract(c *gin.Context) {
	contractID, err := parseIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req terminateContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		AbortWithError(c, newValidationError("reason", "invalid_reason", "reason is required"))
		return
	}

	result, err := s.contractSvc.Terminate(c.Request.Context(), contractID, reason, s.actorFromContext(c), s.isAdminActor(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":              result.Contract,
		"recovery_executed": result.RecoveryExecuted,
	})
}

func (s *Server) RetryContractRecovery(c *gin.Context) {
	contractID, err := parseIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	contract, err := s.contractSvc.RetryRecovery(c.Request.Context(), contractID, s.actorFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": contract})
}

func (s *Server) DeleteTrialContract(c *gin.Context) {
	contractID, err := parseIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.contractSvc.DeleteTrial(c.Request.Context(), contractID, s.actorFromContext(c)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) GetContract(c *gin.Context) {
	contractID, err := parseIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	contract, err := s.contractSvc.Get(c.Request.Context(), contractID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": contract})
}
