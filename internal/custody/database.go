package custody

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateAsset(ctx context.Context, asset *Asset) error {
	return database.FromContext(ctx, d.db).Create(asset).Error
}

// GetAsset returns nil when the asset does not exist
func (d *Database) GetAsset(ctx context.Context, contract, assetID string) (*Asset, error) {
	var asset Asset
	if err := database.FromContext(ctx, d.db).
		Where("contract = ? AND asset_id = ?", contract, assetID).
		First(&asset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &asset, nil
}

// MoveHolder changes the holder only if it is still from, returning the
// number of rows changed
func (d *Database) MoveHolder(ctx context.Context, contract, assetID string, from, to types.Address) (int64, error) {
	result := database.FromContext(ctx, d.db).Model(&Asset{}).
		Where("contract = ? AND asset_id = ? AND holder = ? AND redeemed = ?", contract, assetID, from, false).
		Update("holder", to)
	return result.RowsAffected, result.Error
}

func (d *Database) UpdateAsset(ctx context.Context, asset *Asset) error {
	return database.FromContext(ctx, d.db).Save(asset).Error
}

func (d *Database) CreateTransfer(ctx context.Context, record *TransferRecord) error {
	return database.FromContext(ctx, d.db).Create(record).Error
}

func (d *Database) GetTransfers(ctx context.Context, contract, assetID string) ([]TransferRecord, error) {
	var records []TransferRecord
	if err := database.FromContext(ctx, d.db).
		Where("contract = ? AND asset_id = ?", contract, assetID).
		Order("id").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (d *Database) GetHoldings(ctx context.Context, contract string, holder types.Address) ([]Asset, error) {
	var assets []Asset
	if err := database.FromContext(ctx, d.db).
		Where("contract = ? AND holder = ?", contract, holder).
		Order("id").
		Find(&assets).Error; err != nil {
		return nil, err
	}
	return assets, nil
}
