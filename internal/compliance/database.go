package compliance

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetProfile returns nil when addr has no profile
func (d *Database) GetProfile(ctx context.Context, addr types.Address) (*Profile, error) {
	var profile Profile
	if err := database.FromContext(ctx, d.db).Where("address = ?", addr).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &profile, nil
}

func (d *Database) UpsertProfile(ctx context.Context, profile *Profile) error {
	return database.FromContext(ctx, d.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"verified", "kyc_expiry", "risk_level", "sanctioned", "jurisdiction", "updated_at"}),
	}).Create(profile).Error
}

func (d *Database) SetSanctioned(ctx context.Context, addr types.Address, sanctioned bool) (int64, error) {
	result := database.FromContext(ctx, d.db).Model(&Profile{}).
		Where("address = ?", addr).
		Update("sanctioned", sanctioned)
	return result.RowsAffected, result.Error
}

// GetRule returns nil when jurisdiction has no rule
func (d *Database) GetRule(ctx context.Context, jurisdiction string) (*JurisdictionRule, error) {
	var rule JurisdictionRule
	if err := database.FromContext(ctx, d.db).Where("jurisdiction = ?", jurisdiction).First(&rule).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

func (d *Database) UpsertRule(ctx context.Context, rule *JurisdictionRule) error {
	return database.FromContext(ctx, d.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "jurisdiction"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "max_transaction_value", "high_risk_value_limit", "updated_at"}),
	}).Create(rule).Error
}

func (d *Database) CreateCheck(ctx context.Context, record *CheckRecord) error {
	return database.FromContext(ctx, d.db).Create(record).Error
}

func (d *Database) GetChecks(ctx context.Context, addr types.Address, limit int) ([]CheckRecord, error) {
	var records []CheckRecord
	if err := database.FromContext(ctx, d.db).
		Where("address = ?", addr).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
