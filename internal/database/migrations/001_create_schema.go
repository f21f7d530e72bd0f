package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/compliance"
	"github.com/ksred/klear-escrow/internal/custody"
	"github.com/ksred/klear-escrow/internal/escrow"
	"github.com/ksred/klear-escrow/internal/ledger"
	"github.com/ksred/klear-escrow/internal/pricing"
)

// CreateSchema creates the tables of every service
func CreateSchema(db *gorm.DB) error {
	return db.AutoMigrate(
		&auth.RoleGrant{},
		&compliance.Profile{},
		&compliance.JurisdictionRule{},
		&compliance.CheckRecord{},
		&pricing.PriceRecord{},
		&custody.Asset{},
		&custody.TransferRecord{},
		&ledger.Balance{},
		&ledger.Entry{},
		&escrow.Trade{},
		&escrow.Settings{},
		&escrow.IdempotencyRecord{},
	)
}
