package escrow

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/types"
	"github.com/ksred/klear-escrow/pkg/response"
)

// GinHandlers contains HTTP handlers for trade and admin endpoints
type GinHandlers struct {
	engine *Engine
}

func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{engine: engine}
}

// RegisterRoutes mounts the trade routes on trades and the admin routes on admin
func (h *GinHandlers) RegisterRoutes(trades, admin *gin.RouterGroup) {
	trades.POST("", h.CreateTradeHandler())
	trades.GET("", h.ListTradesHandler())
	trades.GET("/:id", h.GetTradeHandler())
	trades.POST("/:id/deposit-payment", h.DepositPaymentHandler())
	trades.POST("/:id/deposit-asset", h.DepositAssetHandler())
	trades.POST("/:id/execute", h.ExecuteTradeHandler())
	trades.POST("/:id/revalidate", h.RevalidateHandler())
	trades.POST("/:id/cancel", h.CancelTradeHandler())
	trades.POST("/:id/dispute", h.RaiseDisputeHandler())
	trades.POST("/:id/resolve", h.ResolveDisputeHandler())
	trades.POST("/:id/expire", h.ExpireTradeHandler())

	admin.GET("/settings", h.GetSettingsHandler())
	admin.PUT("/fees", h.SetFeesHandler())
	admin.PUT("/fee-recipient", h.SetFeeRecipientHandler())
	admin.PUT("/timeouts", h.SetTimeoutsHandler())
	admin.POST("/pause", h.PauseHandler(true))
	admin.POST("/unpause", h.PauseHandler(false))
}

func caller(c *gin.Context) (types.Address, bool) {
	addr, ok := auth.CallerAddress(c)
	if !ok {
		response.Unauthorized(c, "Missing caller address")
	}
	return addr, ok
}

func tradeID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Invalid trade id")
		return 0, false
	}
	return id, true
}

type createTradeRequest struct {
	Seller        string    `json:"seller" binding:"required"`
	PaymentAsset  string    `json:"payment_asset"`
	PaymentAmount int64     `json:"payment_amount" binding:"required"`
	AssetContract string    `json:"asset_contract" binding:"required"`
	AssetID       string    `json:"asset_id" binding:"required"`
	Deadline      time.Time `json:"deadline" binding:"required"`
}

// CreateTradeHandler handles POST /trades. The caller is the buyer.
func (h *GinHandlers) CreateTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyer, ok := caller(c)
		if !ok {
			return
		}

		var req createTradeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		seller, err := types.ParseAddress(req.Seller)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.engine.CreateTrade(c.Request.Context(), buyer, CreateRequest{
			Seller:         seller,
			PaymentAsset:   req.PaymentAsset,
			PaymentAmount:  req.PaymentAmount,
			AssetContract:  req.AssetContract,
			AssetID:        req.AssetID,
			Deadline:       req.Deadline,
			IdempotencyKey: c.GetHeader("Idempotency-Key"),
		})
		response.Handle(c, trade, err)
	}
}

// ListTradesHandler handles GET /trades. With ?status= it pages through all
// trades in that status, otherwise it lists the caller's trades.
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if status := c.Query("status"); status != "" {
			offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
			limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
			page, err := h.engine.TradesByStatus(c.Request.Context(), Status(status), offset, limit)
			response.Handle(c, page, err)
			return
		}

		addr, ok := caller(c)
		if !ok {
			return
		}
		trades, err := h.engine.UserTrades(c.Request.Context(), addr)
		response.Handle(c, trades, err)
	}
}

// GetTradeHandler handles GET /trades/:id
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := tradeID(c)
		if !ok {
			return
		}
		trade, err := h.engine.GetTrade(c.Request.Context(), id)
		response.Handle(c, trade, err)
	}
}

// DepositPaymentHandler handles POST /trades/:id/deposit-payment
func (h *GinHandlers) DepositPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, ok := caller(c)
		if !ok {
			return
		}
		id, ok := tradeID(c)
		if !ok {
			return
		}

		var req struct {
			Amount int64 `json:"amount" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.engine.DepositPayment(c.Request.Context(), addr, id, req.Amount)
		response.Handle(c, trade, err)
	}
}

// DepositAssetHandler handles POST /trades/:id/deposit-asset
func (h *GinHandlers) DepositAssetHandler() gin.HandlerFunc {
	return h.tradeAction(func(c *gin.Context, addr types.Address, id uint64) (interface{}, error) {
		return h.engine.DepositAsset(c.Request.Context(), addr, id)
	})
}

// ExecuteTradeHandler handles POST /trades/:id/execute
func (h *GinHandlers) ExecuteTradeHandler() gin.HandlerFunc {
	return h.tradeAction(func(c *gin.Context, addr types.Address, id uint64) (interface{}, error) {
		return h.engine.ExecuteTrade(c.Request.Context(), addr, id)
	})
}

// RevalidateHandler handles POST /trades/:id/revalidate
func (h *GinHandlers) RevalidateHandler() gin.HandlerFunc {
	return h.tradeAction(func(c *gin.Context, addr types.Address, id uint64) (interface{}, error) {
		return h.engine.Revalidate(c.Request.Context(), addr, id)
	})
}

// ExpireTradeHandler handles POST /trades/:id/expire
func (h *GinHandlers) ExpireTradeHandler() gin.HandlerFunc {
	return h.tradeAction(func(c *gin.Context, addr types.Address, id uint64) (interface{}, error) {
		return h.engine.ExpireTrade(c.Request.Context(), addr, id)
	})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// CancelTradeHandler handles POST /trades/:id/cancel
func (h *GinHandlers) CancelTradeHandler() gin.HandlerFunc {
	return h.reasonAction(h.engine.CancelTrade)
}

// RaiseDisputeHandler handles POST /trades/:id/dispute
func (h *GinHandlers) RaiseDisputeHandler() gin.HandlerFunc {
	return h.reasonAction(h.engine.RaiseDispute)
}

// ResolveDisputeHandler handles POST /trades/:id/resolve
func (h *GinHandlers) ResolveDisputeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, ok := caller(c)
		if !ok {
			return
		}
		id, ok := tradeID(c)
		if !ok {
			return
		}

		var req struct {
			FavorBuyer *bool  `json:"favor_buyer" binding:"required"`
			Resolution string `json:"resolution"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.engine.ResolveDispute(c.Request.Context(), addr, id, *req.FavorBuyer, req.Resolution)
		response.Handle(c, trade, err)
	}
}

func (h *GinHandlers) tradeAction(action func(c *gin.Context, addr types.Address, id uint64) (interface{}, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, ok := caller(c)
		if !ok {
			return
		}
		id, ok := tradeID(c)
		if !ok {
			return
		}

		result, err := action(c, addr, id)
		response.Handle(c, result, err)
	}
}

// reasonAction is tradeAction for endpoints whose body only carries an
// optional reason. An empty body is accepted, a malformed one is not.
func (h *GinHandlers) reasonAction(action func(ctx context.Context, addr types.Address, id uint64, reason string) (*Trade, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, ok := caller(c)
		if !ok {
			return
		}
		id, ok := tradeID(c)
		if !ok {
			return
		}

		var req reasonRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
				response.BadRequest(c, err.Error())
				return
			}
		}

		trade, err := action(c.Request.Context(), addr, id, req.Reason)
		response.Handle(c, trade, err)
	}
}

// GetSettingsHandler handles GET /admin/settings
func (h *GinHandlers) GetSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settings, err := h.engine.Settings(c.Request.Context())
		response.Handle(c, settings, err)
	}
}

// SetFeesHandler handles PUT /admin/fees
func (h *GinHandlers) SetFeesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		admin, ok := caller(c)
		if !ok {
			return
		}

		var req struct {
			BuyerFeeBps  *int64 `json:"buyer_fee_bps" binding:"required"`
			SellerFeeBps *int64 `json:"seller_fee_bps" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		settings, err := h.engine.SetFees(c.Request.Context(), admin, *req.BuyerFeeBps, *req.SellerFeeBps)
		response.Handle(c, settings, err)
	}
}

// SetFeeRecipientHandler handles PUT /admin/fee-recipient
func (h *GinHandlers) SetFeeRecipientHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		admin, ok := caller(c)
		if !ok {
			return
		}

		var req struct {
			Recipient string `json:"recipient" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		recipient, err := types.ParseAddress(req.Recipient)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		settings, err := h.engine.SetFeeRecipient(c.Request.Context(), admin, recipient)
		response.Handle(c, settings, err)
	}
}

// SetTimeoutsHandler handles PUT /admin/timeouts with Go duration strings
func (h *GinHandlers) SetTimeoutsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		admin, ok := caller(c)
		if !ok {
			return
		}

		var req struct {
			DisputeWindow string `json:"dispute_window" binding:"required"`
			TradeWindow   string `json:"trade_window" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		disputeWindow, err := time.ParseDuration(req.DisputeWindow)
		if err != nil {
			response.BadRequest(c, "Invalid dispute_window: "+err.Error())
			return
		}
		tradeWindow, err := time.ParseDuration(req.TradeWindow)
		if err != nil {
			response.BadRequest(c, "Invalid trade_window: "+err.Error())
			return
		}

		settings, err := h.engine.SetTimeouts(c.Request.Context(), admin, disputeWindow, tradeWindow)
		response.Handle(c, settings, err)
	}
}

// PauseHandler handles POST /admin/pause and /admin/unpause
func (h *GinHandlers) PauseHandler(pause bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		pauser, ok := caller(c)
		if !ok {
			return
		}

		var err error
		if pause {
			err = h.engine.Pause(c.Request.Context(), pauser)
		} else {
			err = h.engine.Unpause(c.Request.Context(), pauser)
		}
		response.Handle(c, gin.H{"paused": h.engine.Paused()}, err)
	}
}
