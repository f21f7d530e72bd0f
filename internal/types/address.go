package types

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidAddress = errors.New("invalid address")

// Address identifies a party (buyer, seller, custodian, escrow account).
// It is stored as its checksummed hex form and marshals to JSON as a hex string.
type Address struct {
	common.Address
}

// ZeroAddress is the unset address.
var ZeroAddress = Address{}

// HexToAddress converts s to an Address without validation.
func HexToAddress(s string) Address {
	return Address{common.HexToAddress(s)}
}

// ParseAddress validates s as a 0x-prefixed 20 byte hex address.
func ParseAddress(s string) (Address, error) {
	if !common.IsHexAddress(s) {
		return ZeroAddress, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return HexToAddress(s), nil
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a.Address == (common.Address{})
}

// String returns the checksummed hex form.
func (a Address) String() string {
	return a.Hex()
}

// MarshalText renders the checksummed hex form.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

// Value implements driver.Valuer.
func (a Address) Value() (driver.Value, error) {
	return a.Hex(), nil
}

// Scan implements sql.Scanner.
func (a *Address) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		a.Address = common.Address{}
	case string:
		a.Address = common.HexToAddress(v)
	case []byte:
		if len(v) == common.AddressLength {
			a.Address = common.BytesToAddress(v)
			return nil
		}
		a.Address = common.HexToAddress(string(v))
	default:
		return fmt.Errorf("cannot scan %T into Address", src)
	}
	return nil
}

// GormDataType stores addresses as strings on every dialect.
func (Address) GormDataType() string {
	return "string"
}
