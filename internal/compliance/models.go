package compliance

import (
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/types"
)

// Profile is the KYC/AML state of one address
type Profile struct {
	gorm.Model   `json:"-"`
	Address      types.Address   `gorm:"uniqueIndex;size:42" json:"address"`
	Verified     bool            `json:"verified"`
	KYCExpiry    time.Time       `json:"kyc_expiry"` // zero means no expiry
	RiskLevel    types.RiskLevel `gorm:"size:16" json:"risk_level"`
	Sanctioned   bool            `json:"sanctioned"`
	Jurisdiction string          `gorm:"size:8" json:"jurisdiction"`
}

// JurisdictionRule bounds the transactions permitted in one jurisdiction
type JurisdictionRule struct {
	gorm.Model          `json:"-"`
	Jurisdiction        string `gorm:"uniqueIndex;size:8" json:"jurisdiction"`
	Enabled             bool   `json:"enabled"`
	MaxTransactionValue int64  `json:"max_transaction_value"` // 0 means unbounded
	HighRiskValueLimit  int64  `json:"high_risk_value_limit"` // applies when either party is HIGH risk
}

// CheckRecord is the audit trail written by PerformComplianceCheck
type CheckRecord struct {
	gorm.Model `json:"-"`
	CheckID    string          `gorm:"uniqueIndex;size:36" json:"check_id"`
	Address    types.Address   `gorm:"index;size:42" json:"address"`
	Amount     int64           `json:"amount"`
	SourceRef  string          `json:"source_ref"`
	Approved   bool            `json:"approved"`
	RiskLevel  types.RiskLevel `gorm:"size:16" json:"risk_level"`
	CheckedAt  time.Time       `json:"checked_at"`
}
