package compliance

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/types"
	"github.com/ksred/klear-escrow/pkg/response"
)

// GinHandlers contains HTTP handlers for compliance endpoints
type GinHandlers struct {
	oracle *Oracle
}

func NewGinHandlers(oracle *Oracle) *GinHandlers {
	return &GinHandlers{oracle: oracle}
}

type profileRequest struct {
	Address      string          `json:"address" binding:"required"`
	Verified     bool            `json:"verified"`
	KYCExpiry    time.Time       `json:"kyc_expiry"`
	RiskLevel    types.RiskLevel `json:"risk_level"`
	Sanctioned   bool            `json:"sanctioned"`
	Jurisdiction string          `json:"jurisdiction"`
}

// UpsertProfileHandler handles PUT /compliance/profiles
func (h *GinHandlers) UpsertProfileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		officer, ok := auth.CallerAddress(c)
		if !ok {
			response.Unauthorized(c, "Missing caller address")
			return
		}

		var req profileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		addr, err := types.ParseAddress(req.Address)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		profile := Profile{
			Address:      addr,
			Verified:     req.Verified,
			KYCExpiry:    req.KYCExpiry,
			RiskLevel:    req.RiskLevel,
			Sanctioned:   req.Sanctioned,
			Jurisdiction: req.Jurisdiction,
		}
		if err := h.oracle.UpsertProfile(c.Request.Context(), officer, profile); err != nil {
			response.Handle(c, nil, err)
			return
		}

		stored, err := h.oracle.GetProfile(c.Request.Context(), addr)
		response.Handle(c, stored, err)
	}
}

// GetProfileHandler handles GET /compliance/profiles/:address
func (h *GinHandlers) GetProfileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, err := types.ParseAddress(c.Param("address"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		profile, err := h.oracle.GetProfile(c.Request.Context(), addr)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		verified, err := h.oracle.Verify(c.Request.Context(), addr)
		response.Handle(c, gin.H{"profile": profile, "verified": verified}, err)
	}
}

// SetSanctionedHandler handles POST /compliance/profiles/:address/sanctions
func (h *GinHandlers) SetSanctionedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		officer, ok := auth.CallerAddress(c)
		if !ok {
			response.Unauthorized(c, "Missing caller address")
			return
		}
		addr, err := types.ParseAddress(c.Param("address"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		var req struct {
			Sanctioned bool `json:"sanctioned"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		err = h.oracle.SetSanctioned(c.Request.Context(), officer, addr, req.Sanctioned)
		response.Handle(c, gin.H{"address": addr, "sanctioned": req.Sanctioned}, err)
	}
}

// GetChecksHandler handles GET /compliance/profiles/:address/checks?limit=
func (h *GinHandlers) GetChecksHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, err := types.ParseAddress(c.Param("address"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

		checks, err := h.oracle.Checks(c.Request.Context(), addr, limit)
		response.Handle(c, checks, err)
	}
}

// UpsertRuleHandler handles PUT /compliance/rules
func (h *GinHandlers) UpsertRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		officer, ok := auth.CallerAddress(c)
		if !ok {
			response.Unauthorized(c, "Missing caller address")
			return
		}

		var rule JurisdictionRule
		if err := c.ShouldBindJSON(&rule); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.oracle.UpsertRule(c.Request.Context(), officer, rule); err != nil {
			response.Handle(c, nil, err)
			return
		}

		stored, err := h.oracle.GetRule(c.Request.Context(), rule.Jurisdiction)
		response.Handle(c, stored, err)
	}
}

// GetRuleHandler handles GET /compliance/rules/:jurisdiction
func (h *GinHandlers) GetRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rule, err := h.oracle.GetRule(c.Request.Context(), c.Param("jurisdiction"))
		response.Handle(c, rule, err)
	}
}
