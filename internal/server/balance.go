package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	creditdomain "github.com/outsidersgit/vibephoto-sub003/internal/credit/domain"
	ledgerdomain "github.com/outsidersgit/vibephoto-sub003/internal/ledger/domain"
)

func (s *Server) GetUserBalance(c *gin.Context) {
	userID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	balance, err := s.creditSvc.GetAvailableBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

type depositCreditsRequest struct {
	Amount      int64  `json:"amount"`
	Source      string `json:"source"`
	Description string `json:"description"`
	ReferenceID string `json:"reference_id"`
}

// DepositCredits lands purchased or bonus credits as a fresh lot. Payment
// processing happens upstream; by the time this is called the money moved.
func (s *Server) DepositCredits(c *gin.Context) {
	userID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req depositCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	source := ledgerdomain.EntrySource(strings.ToUpper(strings.TrimSpace(req.Source)))
	if source == "" {
		source = ledgerdomain.SourcePurchase
	}

	creditReq := creditdomain.CreditRequest{
		UserID:      userID,
		Amount:      req.Amount,
		Description: req.Description,
		Source:      source,
	}
	if ref := strings.TrimSpace(req.ReferenceID); ref != "" {
		refID, err := snowflake.ParseString(ref)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		creditReq.ReferenceID = &refID
	}

	result, err := s.creditSvc.Credit(c.Request.Context(), creditReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}
