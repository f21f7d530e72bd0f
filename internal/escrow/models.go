package escrow

import (
	"time"

	"github.com/ksred/klear-escrow/internal/types"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusFunded    Status = "FUNDED"
	StatusReady     Status = "READY"
	StatusExecuted  Status = "EXECUTED"
	StatusCancelled Status = "CANCELLED"
	StatusDisputed  Status = "DISPUTED"
	StatusExpired   Status = "EXPIRED"
)

var statuses = map[Status]struct{}{
	StatusPending:   {},
	StatusFunded:    {},
	StatusReady:     {},
	StatusExecuted:  {},
	StatusCancelled: {},
	StatusDisputed:  {},
	StatusExpired:   {},
}

func (s Status) Valid() bool {
	_, ok := statuses[s]
	return ok
}

// Terminal reports whether no further transition is possible from s
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled || s == StatusExpired
}

// Trade is one escrowed exchange of a payment leg against a custodial asset leg
type Trade struct {
	ID     uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	Buyer  types.Address `gorm:"index;size:42" json:"buyer"`
	Seller types.Address `gorm:"index;size:42" json:"seller"`
	Status Status        `gorm:"index;size:16" json:"status"`

	PaymentAsset     string `gorm:"size:32" json:"payment_asset"`
	PaymentAmount    int64  `json:"payment_amount"`
	PaymentDeposited bool   `json:"payment_deposited"`

	AssetContract  string              `gorm:"size:64" json:"asset_contract"`
	AssetID        string              `gorm:"index;size:128" json:"asset_id"`
	AssetDeposited bool                `json:"asset_deposited"`
	Precious       bool                `json:"precious"`
	Category       types.AssetCategory `gorm:"size:16" json:"category,omitempty"`
	Jurisdiction   string              `gorm:"size:8" json:"jurisdiction"`
	TradeValue     int64               `json:"trade_value"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deadline  time.Time `gorm:"index" json:"deadline"`

	// Fee terms are captured at creation and never change afterwards
	BuyerFeeBps   int64         `json:"buyer_fee_bps"`
	SellerFeeBps  int64         `json:"seller_fee_bps"`
	BuyerFee      int64         `json:"buyer_fee"`
	SellerFee     int64         `json:"seller_fee"`
	FeesCollected bool          `json:"fees_collected"`
	FeeRecipient  types.Address `gorm:"size:42" json:"fee_recipient"`

	ComplianceApproved bool   `json:"compliance_approved"`
	ComplianceHash     string `gorm:"size:66" json:"compliance_hash,omitempty"`

	OracleVerified bool       `json:"oracle_verified"`
	OraclePrice    int64      `json:"oracle_price,omitempty"`
	OraclePriceAt  *time.Time `json:"oracle_price_at,omitempty"`

	// BlockReason explains why a READY trade did not execute
	BlockReason string     `json:"block_reason,omitempty"`
	BlockedAt   *time.Time `json:"blocked_at,omitempty"`

	DisputeRaised       bool          `json:"dispute_raised"`
	DisputeInitiator    types.Address `gorm:"size:42" json:"dispute_initiator"`
	DisputeReason       string        `json:"dispute_reason,omitempty"`
	DisputeDeadline     *time.Time    `json:"dispute_deadline,omitempty"`
	Resolution          string        `json:"resolution,omitempty"`
	ArbitrationOverride bool          `json:"arbitration_override"`

	CancelReason string     `json:"cancel_reason,omitempty"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// PaymentDeposit is the amount the buyer must deposit: the payment plus the
// buyer fee.
func (t *Trade) PaymentDeposit() int64 {
	return t.PaymentAmount + t.BuyerFee
}

// SellerProceeds is what the seller receives on execution
func (t *Trade) SellerProceeds() int64 {
	return t.PaymentAmount - t.SellerFee
}

// IsParty reports whether addr is the buyer or the seller
func (t *Trade) IsParty(addr types.Address) bool {
	return addr == t.Buyer || addr == t.Seller
}

// ExpiresAt is the instant after which the trade may be expired. A disputed
// trade stays open until its resolution deadline as well.
func (t *Trade) ExpiresAt() time.Time {
	if t.Status == StatusDisputed && t.DisputeDeadline != nil && t.DisputeDeadline.After(t.Deadline) {
		return *t.DisputeDeadline
	}
	return t.Deadline
}

// Settings are the engine-wide defaults. A single row with ID 1 exists.
type Settings struct {
	ID            uint          `gorm:"primaryKey" json:"-"`
	BuyerFeeBps   int64         `json:"buyer_fee_bps"`
	SellerFeeBps  int64         `json:"seller_fee_bps"`
	FeeRecipient  types.Address `gorm:"size:42" json:"fee_recipient"`
	DisputeWindow time.Duration `json:"dispute_window"`
	TradeWindow   time.Duration `json:"trade_window"`
	Paused        bool          `json:"paused"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (Settings) TableName() string {
	return "escrow_settings"
}

// IdempotencyRecord maps a buyer's Idempotency-Key to the trade it created
type IdempotencyRecord struct {
	ID        uint          `gorm:"primaryKey"`
	Key       string        `gorm:"column:idempotency_key;uniqueIndex:idx_idempotency_buyer_key;size:128"`
	Buyer     types.Address `gorm:"uniqueIndex:idx_idempotency_buyer_key;size:42"`
	TradeID   uint64
	CreatedAt time.Time
}

// CreateRequest carries the terms of a new trade
type CreateRequest struct {
	Seller         types.Address `json:"seller"`
	PaymentAsset   string        `json:"payment_asset"`
	PaymentAmount  int64         `json:"payment_amount"`
	AssetContract  string        `json:"asset_contract"`
	AssetID        string        `json:"asset_id"`
	Deadline       time.Time     `json:"deadline"`
	IdempotencyKey string        `json:"-"`
}

// GateResult is the outcome of one run of the gating sequence
type GateResult struct {
	TradeID  uint64 `json:"trade_id"`
	Approved bool   `json:"compliance_approved"`
	Verified bool   `json:"oracle_verified"`
	Executed bool   `json:"executed"`
	Reason   string `json:"reason,omitempty"`
	Status   Status `json:"status"`
}
