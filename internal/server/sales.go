package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func parseIDParam(c *gin.Context) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param("id"))
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, newValidationError("id", "invalid_id", "invalid id")
	}
	return id, nil
}

func (s *Server) ApproveSale(c *gin.Context) {
	saleID, err := parseIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.saleSvc.Approve(c.Request.Context(), saleID, s.actorFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":               result.Sale,
		"commission_skipped": result.CommissionSkipped,
		"entries_written":    result.EntriesWritten,
	})
}

type rejectSaleRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) RejectSale(c *gin.Context) {
	saleID, err := parseIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req rejectSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sale, err := s.saleSvc.Reject(c.Request.Context(), saleID, s.actorFromContext(c), strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sale})
}

func (s *Server) GetSale(c *gin.Context) {
	saleID, err := parseIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sale, err := s.saleSvc.Get(c.Request.Context(), saleID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sale})
}
