package compliance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/types"
)

var (
	ErrProfileNotFound = types.NewError(types.KindNotFound, "PROFILE_NOT_FOUND", "compliance profile not found")
	ErrRuleNotFound    = types.NewError(types.KindNotFound, "RULE_NOT_FOUND", "jurisdiction rule not found")
	ErrInvalidProfile  = types.NewError(types.KindValidation, "INVALID_PROFILE", "invalid compliance profile")
	ErrInvalidRule     = types.NewError(types.KindValidation, "INVALID_RULE", "invalid jurisdiction rule")
)

// Oracle answers verification, risk and transaction-permissibility questions
// from the stored profiles and jurisdiction rules. Reads and writes join a
// transaction carried on ctx.
type Oracle struct {
	db     *Database
	access auth.Authorizer
	now    func() time.Time
}

type Option func(*Oracle)

// WithClock overrides the time source used for KYC expiry
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

func NewOracle(gormDB *gorm.DB, access auth.Authorizer, opts ...Option) *Oracle {
	o := &Oracle{
		db:     NewDatabase(gormDB),
		access: access,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Oracle) verified(p *Profile) bool {
	if p == nil || !p.Verified || p.Sanctioned || p.RiskLevel == types.RiskProhibited {
		return false
	}
	return p.KYCExpiry.IsZero() || o.now().Before(p.KYCExpiry)
}

// Verify reports whether addr has current KYC, is not sanctioned and is not
// prohibited. Unknown addresses are not verified.
func (o *Oracle) Verify(ctx context.Context, addr types.Address) (bool, error) {
	profile, err := o.db.GetProfile(ctx, addr)
	if err != nil {
		return false, fmt.Errorf("load profile: %w", err)
	}
	return o.verified(profile), nil
}

// RiskLevel returns PROHIBITED for unknown addresses
func (o *Oracle) RiskLevel(ctx context.Context, addr types.Address) (types.RiskLevel, error) {
	profile, err := o.db.GetProfile(ctx, addr)
	if err != nil {
		return types.RiskProhibited, fmt.Errorf("load profile: %w", err)
	}
	if profile == nil {
		return types.RiskProhibited, nil
	}
	return profile.RiskLevel, nil
}

func (o *Oracle) IsSanctioned(ctx context.Context, addr types.Address) (bool, error) {
	profile, err := o.db.GetProfile(ctx, addr)
	if err != nil {
		return false, fmt.Errorf("load profile: %w", err)
	}
	return profile != nil && profile.Sanctioned, nil
}

// IsTransactionCompliant evaluates a transfer of amount (payment units) worth
// value between from and to under the rule for jurisdiction.
func (o *Oracle) IsTransactionCompliant(ctx context.Context, from, to types.Address, amount, value int64, jurisdiction string) (bool, error) {
	logger := log.With().
		Str("service", "compliance").
		Str("from", from.Hex()).
		Str("to", to.Hex()).
		Int64("value", value).
		Str("jurisdiction", jurisdiction).
		Logger()

	ok, reason, err := o.evaluate(ctx, from, to, amount, value, strings.ToUpper(jurisdiction))
	if err != nil {
		return false, err
	}

	result := "permitted"
	if !ok {
		result = "rejected"
		logger.Info().Str("reason", reason).Msg("transaction not compliant")
	}
	transactionEvaluations.WithLabelValues(result).Inc()
	return ok, nil
}

func (o *Oracle) evaluate(ctx context.Context, from, to types.Address, amount, value int64, jurisdiction string) (bool, string, error) {
	if amount <= 0 {
		return false, "non-positive amount", nil
	}

	fromProfile, err := o.db.GetProfile(ctx, from)
	if err != nil {
		return false, "", fmt.Errorf("load profile: %w", err)
	}
	toProfile, err := o.db.GetProfile(ctx, to)
	if err != nil {
		return false, "", fmt.Errorf("load profile: %w", err)
	}
	if !o.verified(fromProfile) || !o.verified(toProfile) {
		return false, "party not verified", nil
	}

	rule, err := o.db.GetRule(ctx, jurisdiction)
	if err != nil {
		return false, "", fmt.Errorf("load rule: %w", err)
	}
	if rule == nil || !rule.Enabled {
		return false, "jurisdiction not enabled", nil
	}
	if rule.MaxTransactionValue > 0 && value > rule.MaxTransactionValue {
		return false, "value above jurisdiction maximum", nil
	}
	if fromProfile.RiskLevel == types.RiskHigh || toProfile.RiskLevel == types.RiskHigh {
		if value > rule.HighRiskValueLimit {
			return false, "value above high risk limit", nil
		}
	}
	return true, "", nil
}

// PerformComplianceCheck verifies addr and records the outcome in the audit trail
func (o *Oracle) PerformComplianceCheck(ctx context.Context, addr types.Address, amount int64, sourceRef string) (bool, error) {
	profile, err := o.db.GetProfile(ctx, addr)
	if err != nil {
		return false, fmt.Errorf("load profile: %w", err)
	}

	risk := types.RiskProhibited
	if profile != nil {
		risk = profile.RiskLevel
	}

	record := &CheckRecord{
		CheckID:   uuid.New().String(),
		Address:   addr,
		Amount:    amount,
		SourceRef: sourceRef,
		Approved:  o.verified(profile),
		RiskLevel: risk,
		CheckedAt: o.now(),
	}
	if err := o.db.CreateCheck(ctx, record); err != nil {
		return false, fmt.Errorf("record compliance check: %w", err)
	}

	database.AfterCommit(ctx, func() {
		checksPerformed.WithLabelValues(boolLabel(record.Approved)).Inc()
	})
	log.Debug().
		Str("service", "compliance").
		Str("check_id", record.CheckID).
		Str("address", addr.Hex()).
		Str("source_ref", sourceRef).
		Bool("approved", record.Approved).
		Msg("compliance check recorded")

	return record.Approved, nil
}

// GetProfile returns ErrProfileNotFound for unknown addresses
func (o *Oracle) GetProfile(ctx context.Context, addr types.Address) (*Profile, error) {
	profile, err := o.db.GetProfile(ctx, addr)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, ErrProfileNotFound
	}
	return profile, nil
}

func (o *Oracle) GetRule(ctx context.Context, jurisdiction string) (*JurisdictionRule, error) {
	rule, err := o.db.GetRule(ctx, strings.ToUpper(jurisdiction))
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, ErrRuleNotFound
	}
	return rule, nil
}

// Checks returns the most recent audit records for addr
func (o *Oracle) Checks(ctx context.Context, addr types.Address, limit int) ([]CheckRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return o.db.GetChecks(ctx, addr, limit)
}

// UpsertProfile creates or replaces the profile for profile.Address (COMPLIANCE_OFFICER)
func (o *Oracle) UpsertProfile(ctx context.Context, officer types.Address, profile Profile) error {
	if err := o.access.Require(ctx, auth.RoleComplianceOfficer, officer); err != nil {
		return err
	}
	if profile.Address.IsZero() {
		return fmt.Errorf("%w: zero address", ErrInvalidProfile)
	}
	if profile.RiskLevel == "" {
		profile.RiskLevel = types.RiskLow
	}
	if !profile.RiskLevel.Valid() {
		return fmt.Errorf("%w: risk level %q", ErrInvalidProfile, profile.RiskLevel)
	}
	profile.Jurisdiction = strings.ToUpper(profile.Jurisdiction)

	if err := o.db.UpsertProfile(ctx, &profile); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}

	log.Info().
		Str("service", "compliance").
		Str("address", profile.Address.Hex()).
		Bool("verified", profile.Verified).
		Str("risk_level", string(profile.RiskLevel)).
		Str("officer", officer.Hex()).
		Msg("compliance profile updated")
	return nil
}

// SetSanctioned flags or clears addr on the sanctions list (COMPLIANCE_OFFICER)
func (o *Oracle) SetSanctioned(ctx context.Context, officer, addr types.Address, sanctioned bool) error {
	if err := o.access.Require(ctx, auth.RoleComplianceOfficer, officer); err != nil {
		return err
	}

	rows, err := o.db.SetSanctioned(ctx, addr, sanctioned)
	if err != nil {
		return fmt.Errorf("set sanctioned: %w", err)
	}
	if rows == 0 {
		return ErrProfileNotFound
	}

	log.Warn().
		Str("service", "compliance").
		Str("address", addr.Hex()).
		Bool("sanctioned", sanctioned).
		Str("officer", officer.Hex()).
		Msg("sanctions flag changed")
	return nil
}

// UpsertRule creates or replaces a jurisdiction rule (COMPLIANCE_OFFICER)
func (o *Oracle) UpsertRule(ctx context.Context, officer types.Address, rule JurisdictionRule) error {
	if err := o.access.Require(ctx, auth.RoleComplianceOfficer, officer); err != nil {
		return err
	}
	rule.Jurisdiction = strings.ToUpper(strings.TrimSpace(rule.Jurisdiction))
	if rule.Jurisdiction == "" {
		return fmt.Errorf("%w: empty jurisdiction", ErrInvalidRule)
	}
	if rule.MaxTransactionValue < 0 || rule.HighRiskValueLimit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidRule)
	}

	if err := o.db.UpsertRule(ctx, &rule); err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}

	log.Info().
		Str("service", "compliance").
		Str("jurisdiction", rule.Jurisdiction).
		Bool("enabled", rule.Enabled).
		Int64("max_transaction_value", rule.MaxTransactionValue).
		Str("officer", officer.Hex()).
		Msg("jurisdiction rule updated")
	return nil
}

// Decision is the input and outcome of one trade compliance evaluation
type Decision struct {
	TradeID      uint64
	Buyer        types.Address
	Seller       types.Address
	Value        int64
	Jurisdiction string
	Approved     bool
	CheckedAt    time.Time
}

// Hash returns the Keccak256 digest used as the audit reference of d
func (d Decision) Hash() string {
	payload := fmt.Sprintf("%d|%s|%s|%d|%s|%t|%d",
		d.TradeID,
		d.Buyer.Hex(),
		d.Seller.Hex(),
		d.Value,
		d.Jurisdiction,
		d.Approved,
		d.CheckedAt.UnixNano(),
	)
	return crypto.Keccak256Hash([]byte(payload)).Hex()
}

func boolLabel(b bool) string {
	if b {
		return "approved"
	}
	return "rejected"
}
