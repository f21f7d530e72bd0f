package custody

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/types"
	"github.com/ksred/klear-escrow/pkg/response"
)

// GinHandlers contains HTTP handlers for the custody registries, keyed by contract
type GinHandlers struct {
	registries map[string]*Registry
}

func NewGinHandlers(registries ...*Registry) *GinHandlers {
	h := &GinHandlers{registries: make(map[string]*Registry, len(registries))}
	for _, r := range registries {
		h.registries[r.Contract()] = r
	}
	return h
}

func (h *GinHandlers) registry(c *gin.Context) (*Registry, bool) {
	r, ok := h.registries[c.Param("contract")]
	if !ok {
		response.NotFound(c, "Unknown custody contract")
	}
	return r, ok
}

type registerRequest struct {
	AssetID           string              `json:"asset_id" binding:"required"`
	Category          types.AssetCategory `json:"category" binding:"required"`
	Weight            int64               `json:"weight" binding:"required"`
	Purity            int64               `json:"purity" binding:"required"`
	CertificateID     string              `json:"certificate_id"`
	CertificateExpiry time.Time           `json:"certificate_expiry"`
	VaultJurisdiction string              `json:"vault_jurisdiction"`
	Holder            string              `json:"holder" binding:"required"`
}

// RegisterAssetHandler handles POST /custody/:contract/assets
func (h *GinHandlers) RegisterAssetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		custodian, ok := auth.CallerAddress(c)
		if !ok {
			response.Unauthorized(c, "Missing caller address")
			return
		}
		registry, ok := h.registry(c)
		if !ok {
			return
		}

		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		holder, err := types.ParseAddress(req.Holder)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		asset, err := registry.Register(c.Request.Context(), custodian, Asset{
			AssetID:           req.AssetID,
			Category:          req.Category,
			Weight:            req.Weight,
			Purity:            req.Purity,
			CertificateID:     req.CertificateID,
			CertificateExpiry: req.CertificateExpiry,
			VaultJurisdiction: req.VaultJurisdiction,
			Holder:            holder,
		})
		response.Handle(c, asset, err)
	}
}

// GetAssetHandler handles GET /custody/:contract/assets/:asset_id
func (h *GinHandlers) GetAssetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		registry, ok := h.registry(c)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		asset, err := registry.Get(ctx, c.Param("asset_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		certified, err := registry.IsCertificationValid(ctx, asset.AssetID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		history, err := registry.History(ctx, asset.AssetID)
		response.Handle(c, gin.H{"asset": asset, "certification_valid": certified, "transfers": history}, err)
	}
}

// GetHoldingsHandler handles GET /custody/:contract/holdings/:address
func (h *GinHandlers) GetHoldingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		registry, ok := h.registry(c)
		if !ok {
			return
		}
		holder, err := types.ParseAddress(c.Param("address"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		assets, err := registry.Holdings(c.Request.Context(), holder)
		response.Handle(c, assets, err)
	}
}

// TransferAssetHandler handles POST /custody/:contract/assets/:asset_id/transfer.
// The caller transfers an asset it holds.
func (h *GinHandlers) TransferAssetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := auth.CallerAddress(c)
		if !ok {
			response.Unauthorized(c, "Missing caller address")
			return
		}
		registry, ok := h.registry(c)
		if !ok {
			return
		}

		var req struct {
			To string `json:"to" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		to, err := types.ParseAddress(req.To)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		assetID := c.Param("asset_id")
		err = registry.Transfer(c.Request.Context(), caller, to, assetID)
		response.Handle(c, gin.H{"asset_id": assetID, "from": caller, "to": to}, err)
	}
}

// RedeemAssetHandler handles POST /custody/:contract/assets/:asset_id/redeem
func (h *GinHandlers) RedeemAssetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		custodian, ok := auth.CallerAddress(c)
		if !ok {
			response.Unauthorized(c, "Missing caller address")
			return
		}
		registry, ok := h.registry(c)
		if !ok {
			return
		}

		var req struct {
			Holder string `json:"holder" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		holder, err := types.ParseAddress(req.Holder)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		assetID := c.Param("asset_id")
		err = registry.MarkRedeemed(c.Request.Context(), custodian, holder, assetID)
		response.Handle(c, gin.H{"asset_id": assetID, "redeemed": err == nil}, err)
	}
}
