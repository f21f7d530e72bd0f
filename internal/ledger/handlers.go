package ledger

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/types"
	"github.com/ksred/klear-escrow/pkg/response"
)

// GinHandlers contains HTTP handlers for ledger endpoints
type GinHandlers struct {
	ledger *Ledger
}

func NewGinHandlers(ledger *Ledger) *GinHandlers {
	return &GinHandlers{ledger: ledger}
}

type movementRequest struct {
	Asset   string `json:"asset"`
	Account string `json:"account" binding:"required"`
	Amount  int64  `json:"amount" binding:"required"`
	Memo    string `json:"memo"`
}

// CreditHandler handles POST /ledger/credit
func (h *GinHandlers) CreditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		treasurer, ok := auth.CallerAddress(c)
		if !ok {
			response.Unauthorized(c, "Missing caller address")
			return
		}

		var req movementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		account, err := types.ParseAddress(req.Account)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		ctx := c.Request.Context()
		if err := h.ledger.Credit(ctx, treasurer, req.Asset, account, req.Amount, req.Memo); err != nil {
			response.Handle(c, nil, err)
			return
		}
		balance, err := h.ledger.BalanceOf(ctx, req.Asset, account)
		response.Handle(c, gin.H{"asset": NormalizeAsset(req.Asset), "account": account, "balance": balance}, err)
	}
}

// TransferHandler handles POST /ledger/transfer. The caller pays.
func (h *GinHandlers) TransferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		from, ok := auth.CallerAddress(c)
		if !ok {
			response.Unauthorized(c, "Missing caller address")
			return
		}

		var req movementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		to, err := types.ParseAddress(req.Account)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		err = h.ledger.Transfer(c.Request.Context(), req.Asset, from, to, req.Amount, req.Memo)
		response.Handle(c, gin.H{"asset": NormalizeAsset(req.Asset), "from": from, "to": to, "amount": req.Amount}, err)
	}
}

// GetBalancesHandler handles GET /ledger/balances/:address
func (h *GinHandlers) GetBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := types.ParseAddress(c.Param("address"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		balances, err := h.ledger.Balances(c.Request.Context(), account)
		response.Handle(c, balances, err)
	}
}

// GetEntriesHandler handles GET /ledger/entries/:address?limit=
func (h *GinHandlers) GetEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := types.ParseAddress(c.Param("address"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

		entries, err := h.ledger.Entries(c.Request.Context(), account, limit)
		response.Handle(c, entries, err)
	}
}
