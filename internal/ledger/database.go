package ledger

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

func (d *Database) GetBalance(ctx context.Context, asset string, account types.Address) (int64, error) {
	var balance Balance
	err := database.FromContext(ctx, d.db).Where("asset = ? AND account = ?", asset, account).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance.Amount, nil
}

// Debit subtracts amount only when the balance covers it. It returns false
// when it does not.
func (d *Database) Debit(ctx context.Context, asset string, account types.Address, amount int64) (bool, error) {
	result := database.FromContext(ctx, d.db).Model(&Balance{}).
		Where("asset = ? AND account = ? AND amount >= ?", asset, account, amount).
		Update("amount", gorm.Expr("amount - ?", amount))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (d *Database) CreditBalance(ctx context.Context, asset string, account types.Address, amount int64) error {
	db := database.FromContext(ctx, d.db)
	balance := Balance{Asset: asset, Account: account}
	if err := db.Where("asset = ? AND account = ?", asset, account).FirstOrCreate(&balance).Error; err != nil {
		return err
	}
	return db.Model(&Balance{}).
		Where("id = ?", balance.ID).
		Update("amount", gorm.Expr("amount + ?", amount)).Error
}

func (d *Database) CreateEntry(ctx context.Context, entry *Entry) error {
	return database.FromContext(ctx, d.db).Create(entry).Error
}

func (d *Database) GetEntries(ctx context.Context, account types.Address, limit int) ([]Entry, error) {
	var entries []Entry
	if err := database.FromContext(ctx, d.db).
		Where("from_account = ? OR to_account = ?", account, account).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (d *Database) GetBalances(ctx context.Context, account types.Address) ([]Balance, error) {
	var balances []Balance
	if err := database.FromContext(ctx, d.db).
		Where("account = ?", account).
		Order("asset").
		Find(&balances).Error; err != nil {
		return nil, err
	}
	return balances, nil
}
