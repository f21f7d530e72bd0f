package custody

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/types"
)

var (
	ErrAssetNotFound = types.NewError(types.KindNotFound, "ASSET_NOT_FOUND", "custody asset not found")
	ErrAssetExists   = types.NewError(types.KindState, "ASSET_EXISTS", "custody asset already registered")
	ErrInvalidAsset  = types.NewError(types.KindValidation, "INVALID_ASSET", "invalid custody asset")
	ErrNotHolder     = types.NewError(types.KindAuthorization, "NOT_HOLDER", "address is not the current holder")
	ErrAssetRedeemed = types.NewError(types.KindState, "ASSET_REDEEMED", "asset has been redeemed")
)

// Valuer prices a quantity of a precious asset category
type Valuer interface {
	AssetValue(ctx context.Context, category types.AssetCategory, weight, purity int64) (int64, error)
}

// Registry holds the asset records of one custodial contract. All reads and
// writes join a transaction carried on ctx.
type Registry struct {
	contract string
	db       *Database
	access   auth.Authorizer
	valuer   Valuer
	now      func() time.Time
}

type Option func(*Registry)

// WithClock overrides the time source used for certificate expiry
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(contract string, gormDB *gorm.DB, access auth.Authorizer, valuer Valuer, opts ...Option) *Registry {
	r := &Registry{
		contract: contract,
		db:       NewDatabase(gormDB),
		access:   access,
		valuer:   valuer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Contract returns the contract this registry serves
func (r *Registry) Contract() string {
	return r.contract
}

func (r *Registry) load(ctx context.Context, assetID string) (*Asset, error) {
	asset, err := r.db.GetAsset(ctx, r.contract, assetID)
	if err != nil {
		return nil, fmt.Errorf("load asset: %w", err)
	}
	if asset == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrAssetNotFound, r.contract, assetID)
	}
	return asset, nil
}

// Register records a new asset held by asset.Holder (CUSTODIAN)
func (r *Registry) Register(ctx context.Context, custodian types.Address, asset Asset) (*Asset, error) {
	if err := r.access.Require(ctx, auth.RoleCustodian, custodian); err != nil {
		return nil, err
	}

	asset.AssetID = strings.TrimSpace(asset.AssetID)
	if asset.AssetID == "" {
		return nil, fmt.Errorf("%w: empty asset id", ErrInvalidAsset)
	}
	category, err := types.ParseAssetCategory(string(asset.Category))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAsset, err)
	}
	if asset.Weight <= 0 {
		return nil, fmt.Errorf("%w: weight must be positive", ErrInvalidAsset)
	}
	if asset.Purity <= 0 || asset.Purity > types.PurityScale {
		return nil, fmt.Errorf("%w: purity must be between 1 and %d", ErrInvalidAsset, types.PurityScale)
	}
	if asset.Holder.IsZero() {
		return nil, fmt.Errorf("%w: zero holder", ErrInvalidAsset)
	}

	existing, err := r.db.GetAsset(ctx, r.contract, asset.AssetID)
	if err != nil {
		return nil, fmt.Errorf("load asset: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrAssetExists, asset.AssetID)
	}

	asset.Contract = r.contract
	asset.Category = category
	asset.VaultJurisdiction = strings.ToUpper(asset.VaultJurisdiction)
	asset.Custodian = custodian
	asset.Redeemed = false
	asset.RedeemedAt = nil

	if err := r.db.CreateAsset(ctx, &asset); err != nil {
		return nil, fmt.Errorf("create asset: %w", err)
	}

	log.Info().
		Str("service", "custody").
		Str("contract", r.contract).
		Str("asset_id", asset.AssetID).
		Str("category", string(asset.Category)).
		Int64("weight", asset.Weight).
		Int64("purity", asset.Purity).
		Str("holder", asset.Holder.Hex()).
		Msg("asset registered")
	return &asset, nil
}

// Get returns the full record of assetID
func (r *Registry) Get(ctx context.Context, assetID string) (*Asset, error) {
	return r.load(ctx, assetID)
}

func (r *Registry) OwnerOf(ctx context.Context, assetID string) (types.Address, error) {
	asset, err := r.load(ctx, assetID)
	if err != nil {
		return types.ZeroAddress, err
	}
	return asset.Holder, nil
}

// IsCertificationValid reports whether the asset carries an unexpired certificate
func (r *Registry) IsCertificationValid(ctx context.Context, assetID string) (bool, error) {
	asset, err := r.load(ctx, assetID)
	if err != nil {
		return false, err
	}
	if asset.CertificateID == "" {
		return false, nil
	}
	return asset.CertificateExpiry.IsZero() || r.now().Before(asset.CertificateExpiry), nil
}

func (r *Registry) IsRedeemed(ctx context.Context, assetID string) (bool, error) {
	asset, err := r.load(ctx, assetID)
	if err != nil {
		return false, err
	}
	return asset.Redeemed, nil
}

// ValueOf values the asset at the latest price for its category
func (r *Registry) ValueOf(ctx context.Context, assetID string) (int64, error) {
	asset, err := r.load(ctx, assetID)
	if err != nil {
		return 0, err
	}
	return r.valuer.AssetValue(ctx, asset.Category, asset.Weight, asset.Purity)
}

func (r *Registry) CategoryOf(ctx context.Context, assetID string) (types.AssetCategory, error) {
	asset, err := r.load(ctx, assetID)
	if err != nil {
		return "", err
	}
	return asset.Category, nil
}

// JurisdictionOf returns the jurisdiction of the vault holding the asset
func (r *Registry) JurisdictionOf(ctx context.Context, assetID string) (string, error) {
	asset, err := r.load(ctx, assetID)
	if err != nil {
		return "", err
	}
	return asset.VaultJurisdiction, nil
}

// Transfer moves the asset from its current holder to to. The change is
// conditional on from still being the holder.
func (r *Registry) Transfer(ctx context.Context, from, to types.Address, assetID string) error {
	if to.IsZero() {
		return fmt.Errorf("%w: transfer to zero address", ErrInvalidAsset)
	}

	asset, err := r.load(ctx, assetID)
	if err != nil {
		return err
	}
	if asset.Redeemed {
		return fmt.Errorf("%w: %s", ErrAssetRedeemed, assetID)
	}
	if asset.Holder != from {
		return fmt.Errorf("%w: %s holds %s", ErrNotHolder, asset.Holder.Hex(), assetID)
	}

	rows, err := r.db.MoveHolder(ctx, r.contract, assetID, from, to)
	if err != nil {
		return fmt.Errorf("move holder: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: holder changed concurrently", ErrNotHolder)
	}

	if err := r.db.CreateTransfer(ctx, &TransferRecord{
		Contract:      r.contract,
		AssetID:       assetID,
		From:          from,
		To:            to,
		TransferredAt: r.now(),
	}); err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}

	database.AfterCommit(ctx, func() {
		transfersTotal.WithLabelValues(r.contract).Inc()
	})
	log.Debug().
		Str("service", "custody").
		Str("contract", r.contract).
		Str("asset_id", assetID).
		Str("from", from.Hex()).
		Str("to", to.Hex()).
		Msg("asset transferred")
	return nil
}

// MarkRedeemed records physical redemption by holder (CUSTODIAN)
func (r *Registry) MarkRedeemed(ctx context.Context, custodian, holder types.Address, assetID string) error {
	if err := r.access.Require(ctx, auth.RoleCustodian, custodian); err != nil {
		return err
	}

	asset, err := r.load(ctx, assetID)
	if err != nil {
		return err
	}
	if asset.Redeemed {
		return fmt.Errorf("%w: %s", ErrAssetRedeemed, assetID)
	}
	if asset.Holder != holder {
		return fmt.Errorf("%w: %s", ErrNotHolder, holder.Hex())
	}

	now := r.now()
	asset.Redeemed = true
	asset.RedeemedAt = &now
	if err := r.db.UpdateAsset(ctx, asset); err != nil {
		return fmt.Errorf("mark redeemed: %w", err)
	}

	log.Info().
		Str("service", "custody").
		Str("contract", r.contract).
		Str("asset_id", assetID).
		Str("holder", holder.Hex()).
		Str("custodian", custodian.Hex()).
		Msg("asset redeemed")
	return nil
}

// Holdings lists the assets currently held by holder
func (r *Registry) Holdings(ctx context.Context, holder types.Address) ([]Asset, error) {
	return r.db.GetHoldings(ctx, r.contract, holder)
}

// History lists the ownership transfers of assetID, oldest first
func (r *Registry) History(ctx context.Context, assetID string) ([]TransferRecord, error) {
	if _, err := r.load(ctx, assetID); err != nil {
		return nil, err
	}
	return r.db.GetTransfers(ctx, r.contract, assetID)
}
