package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetSettlementStatement(c *gin.Context) {
	settlementID, err := parseIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	statement, err := s.settlementSvc.BuildStatement(c.Request.Context(), settlementID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": statement})
}

func (s *Server) ApproveSettlement(c *gin.Context) {
	settlementID, err := parseIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	settlement, err := s.settlementSvc.Approve(c.Request.Context(), settlementID, s.actorFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": settlement})
}
