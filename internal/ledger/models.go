package ledger

import (
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/types"
)

// NativeAsset names the native payment currency
const NativeAsset = "NATIVE"

// Balance is the holding of one account in one payment asset, in smallest units
type Balance struct {
	gorm.Model `json:"-"`
	Asset      string        `gorm:"uniqueIndex:idx_ledger_asset_account;size:64" json:"asset"`
	Account    types.Address `gorm:"uniqueIndex:idx_ledger_asset_account;size:42" json:"account"`
	Amount     int64         `json:"amount"`
}

func (Balance) TableName() string {
	return "ledger_balances"
}

// Entry is one journal line. Credits from the treasury have a zero From.
type Entry struct {
	gorm.Model `json:"-"`
	EntryID    string        `gorm:"uniqueIndex;size:36" json:"entry_id"`
	Asset      string        `gorm:"size:64" json:"asset"`
	From       types.Address `gorm:"column:from_account;index;size:42" json:"from"`
	To         types.Address `gorm:"column:to_account;index;size:42" json:"to"`
	Amount     int64         `json:"amount"`
	Memo       string        `json:"memo"`
	PostedAt   time.Time     `json:"posted_at"`
}

func (Entry) TableName() string {
	return "ledger_entries"
}
