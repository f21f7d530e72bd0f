package escrow

import (
	"context"

	"github.com/ksred/klear-escrow/internal/types"
)

// ComplianceOracle answers KYC, sanctions and transaction-permissibility questions
type ComplianceOracle interface {
	Verify(ctx context.Context, addr types.Address) (bool, error)
	RiskLevel(ctx context.Context, addr types.Address) (types.RiskLevel, error)
	IsSanctioned(ctx context.Context, addr types.Address) (bool, error)
	IsTransactionCompliant(ctx context.Context, from, to types.Address, amount, value int64, jurisdiction string) (bool, error)
	PerformComplianceCheck(ctx context.Context, addr types.Address, amount int64, sourceRef string) (bool, error)
}

// PriceOracle supplies the latest quote per asset category
type PriceOracle interface {
	LatestPrice(ctx context.Context, category types.AssetCategory) (types.PriceQuote, error)
}

// CustodyRegistry owns the asset records of one custodial contract
type CustodyRegistry interface {
	OwnerOf(ctx context.Context, assetID string) (types.Address, error)
	IsCertificationValid(ctx context.Context, assetID string) (bool, error)
	IsRedeemed(ctx context.Context, assetID string) (bool, error)
	ValueOf(ctx context.Context, assetID string) (int64, error)
	CategoryOf(ctx context.Context, assetID string) (types.AssetCategory, error)
	JurisdictionOf(ctx context.Context, assetID string) (string, error)
	Transfer(ctx context.Context, from, to types.Address, assetID string) error
}

// PaymentLedger moves the payment leg
type PaymentLedger interface {
	Transfer(ctx context.Context, asset string, from, to types.Address, amount int64, memo string) error
}

// Custodians maps asset contract names to their registries
type Custodians map[string]CustodyRegistry

func (c Custodians) lookup(contract string) (CustodyRegistry, bool) {
	r, ok := c[contract]
	return r, ok
}
