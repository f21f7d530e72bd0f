package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/types"
)

// Role names a capability checked at the top of privileged operations
type Role string

const (
	RoleAdmin             Role = "ADMIN"
	RoleArbiter           Role = "ARBITER"
	RolePauser            Role = "PAUSER"
	RolePriceFeeder       Role = "PRICE_FEEDER"
	RoleComplianceOfficer Role = "COMPLIANCE_OFFICER"
	RoleCustodian         Role = "CUSTODIAN"
	RoleTreasurer         Role = "TREASURER"
)

var roles = map[Role]struct{}{
	RoleAdmin:             {},
	RoleArbiter:           {},
	RolePauser:            {},
	RolePriceFeeder:       {},
	RoleComplianceOfficer: {},
	RoleCustodian:         {},
	RoleTreasurer:         {},
}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	_, ok := roles[r]
	return ok
}

var (
	ErrUnauthorized = types.NewError(types.KindAuthorization, "UNAUTHORIZED", "caller lacks the required role")
	ErrUnknownRole  = types.NewError(types.KindValidation, "UNKNOWN_ROLE", "unknown role")
	ErrLastAdmin    = types.NewError(types.KindState, "LAST_ADMIN", "cannot revoke the last admin")
)

// RoleGrant is one (role, member) row of the capability table
type RoleGrant struct {
	gorm.Model
	Role      Role          `gorm:"uniqueIndex:idx_role_member;size:32" json:"role"`
	Member    types.Address `gorm:"uniqueIndex:idx_role_member;size:42" json:"member"`
	GrantedBy types.Address `gorm:"size:42" json:"granted_by"`
}

// Authorizer is the capability check consumed by privileged operations
type Authorizer interface {
	Require(ctx context.Context, role Role, addr types.Address) error
}

// Access is the gorm-backed role table. It joins a transaction carried on ctx.
type Access struct {
	db *gorm.DB
}

func NewAccess(db *gorm.DB) *Access {
	return &Access{db: db}
}

// Bootstrap grants ADMIN to admin when no admin exists yet
func (a *Access) Bootstrap(ctx context.Context, admin types.Address) error {
	if admin.IsZero() {
		return fmt.Errorf("bootstrap admin: %w", types.ErrInvalidAddress)
	}

	return database.InTx(ctx, a.db, func(ctx context.Context) error {
		var count int64
		if err := database.FromContext(ctx, a.db).Model(&RoleGrant{}).Where("role = ?", RoleAdmin).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		log.Info().Str("service", "access").Str("admin", admin.Hex()).Msg("bootstrapping admin role")
		return database.FromContext(ctx, a.db).Create(&RoleGrant{Role: RoleAdmin, Member: admin, GrantedBy: admin}).Error
	})
}

// Grant gives role to member. Only ADMIN may grant.
func (a *Access) Grant(ctx context.Context, granter types.Address, role Role, member types.Address) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	if member.IsZero() {
		return types.ErrInvalidAddress
	}
	if err := a.Require(ctx, RoleAdmin, granter); err != nil {
		return err
	}

	ok, err := a.HasRole(ctx, role, member)
	if err != nil || ok {
		return err
	}

	if err := database.FromContext(ctx, a.db).Create(&RoleGrant{Role: role, Member: member, GrantedBy: granter}).Error; err != nil {
		return fmt.Errorf("grant %s: %w", role, err)
	}

	log.Info().
		Str("service", "access").
		Str("role", string(role)).
		Str("member", member.Hex()).
		Str("granted_by", granter.Hex()).
		Msg("role granted")
	return nil
}

// Revoke removes role from member. Only ADMIN may revoke, and the last ADMIN stays.
func (a *Access) Revoke(ctx context.Context, granter types.Address, role Role, member types.Address) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	if err := a.Require(ctx, RoleAdmin, granter); err != nil {
		return err
	}

	return database.InTx(ctx, a.db, func(ctx context.Context) error {
		db := database.FromContext(ctx, a.db)
		if role == RoleAdmin {
			var count int64
			if err := db.Model(&RoleGrant{}).Where("role = ?", RoleAdmin).Count(&count).Error; err != nil {
				return err
			}
			if count <= 1 {
				return ErrLastAdmin
			}
		}

		if err := db.Unscoped().Where("role = ? AND member = ?", role, member).Delete(&RoleGrant{}).Error; err != nil {
			return fmt.Errorf("revoke %s: %w", role, err)
		}

		log.Info().
			Str("service", "access").
			Str("role", string(role)).
			Str("member", member.Hex()).
			Str("revoked_by", granter.Hex()).
			Msg("role revoked")
		return nil
	})
}

// HasRole reports whether addr holds role
func (a *Access) HasRole(ctx context.Context, role Role, addr types.Address) (bool, error) {
	var grant RoleGrant
	err := database.FromContext(ctx, a.db).Where("role = ? AND member = ?", role, addr).First(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Require returns ErrUnauthorized unless addr holds role
func (a *Access) Require(ctx context.Context, role Role, addr types.Address) error {
	ok, err := a.HasRole(ctx, role, addr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s required", ErrUnauthorized, role)
	}
	return nil
}

// Members lists the addresses holding role
func (a *Access) Members(ctx context.Context, role Role) ([]types.Address, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	var grants []RoleGrant
	if err := database.FromContext(ctx, a.db).Where("role = ?", role).Order("id").Find(&grants).Error; err != nil {
		return nil, err
	}

	members := make([]types.Address, 0, len(grants))
	for _, g := range grants {
		members = append(members, g.Member)
	}
	return members, nil
}
