package custody

import (
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/types"
)

// Asset is the custody record of one physical asset held under a contract
type Asset struct {
	gorm.Model        `json:"-"`
	Contract          string              `gorm:"uniqueIndex:idx_custody_contract_asset;size:64" json:"contract"`
	AssetID           string              `gorm:"uniqueIndex:idx_custody_contract_asset;size:128" json:"asset_id"` // UAID
	Category          types.AssetCategory `gorm:"size:16" json:"category"`
	Weight            int64               `json:"weight"` // grams
	Purity            int64               `json:"purity"` // parts per thousand
	CertificateID     string              `json:"certificate_id"`
	CertificateExpiry time.Time           `json:"certificate_expiry"` // zero means no expiry
	VaultJurisdiction string              `gorm:"size:8" json:"vault_jurisdiction"`
	Holder            types.Address       `gorm:"index;size:42" json:"holder"`
	Custodian         types.Address       `gorm:"size:42" json:"custodian"`
	Redeemed          bool                `json:"redeemed"`
	RedeemedAt        *time.Time          `json:"redeemed_at,omitempty"`
}

// TransferRecord is the ownership history of an asset
type TransferRecord struct {
	gorm.Model    `json:"-"`
	Contract      string        `gorm:"index:idx_custody_transfer_asset;size:64" json:"contract"`
	AssetID       string        `gorm:"index:idx_custody_transfer_asset;size:128" json:"asset_id"`
	From          types.Address `gorm:"size:42" json:"from"`
	To            types.Address `gorm:"size:42" json:"to"`
	TransferredAt time.Time     `json:"transferred_at"`
}
