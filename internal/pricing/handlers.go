package pricing

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/types"
	"github.com/ksred/klear-escrow/pkg/response"
)

// GinHandlers contains HTTP handlers for price oracle endpoints
type GinHandlers struct {
	oracle *Oracle
}

func NewGinHandlers(oracle *Oracle) *GinHandlers {
	return &GinHandlers{oracle: oracle}
}

// SubmitPriceHandler handles POST /oracle/prices
func (h *GinHandlers) SubmitPriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		feeder, ok := auth.CallerAddress(c)
		if !ok {
			response.Unauthorized(c, "Missing caller address")
			return
		}

		var sub Submission
		if err := c.ShouldBindJSON(&sub); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		record, err := h.oracle.SubmitPrice(c.Request.Context(), feeder, sub)
		response.Handle(c, record, err)
	}
}

// LatestPriceHandler handles GET /oracle/prices/:category
func (h *GinHandlers) LatestPriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		category, err := types.ParseAssetCategory(c.Param("category"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		quote, err := h.oracle.LatestPrice(c.Request.Context(), category)
		response.Handle(c, quote, err)
	}
}

// HistoryHandler handles GET /oracle/prices/:category/history?limit=
func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		category, err := types.ParseAssetCategory(c.Param("category"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

		records, err := h.oracle.History(c.Request.Context(), category, limit)
		response.Handle(c, records, err)
	}
}

// AssetValueHandler handles GET /oracle/prices/:category/value?weight=&purity=
func (h *GinHandlers) AssetValueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		category, err := types.ParseAssetCategory(c.Param("category"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		weight, err := strconv.ParseInt(c.Query("weight"), 10, 64)
		if err != nil {
			response.BadRequest(c, "weight must be an integer number of grams")
			return
		}
		purity, err := strconv.ParseInt(c.Query("purity"), 10, 64)
		if err != nil {
			response.BadRequest(c, "purity must be an integer in parts per thousand")
			return
		}

		value, err := h.oracle.AssetValue(c.Request.Context(), category, weight, purity)
		response.Handle(c, gin.H{"category": category, "weight": weight, "purity": purity, "value": value}, err)
	}
}
