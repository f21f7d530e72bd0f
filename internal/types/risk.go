package types

// RiskLevel is the compliance risk classification of an address.
type RiskLevel string

const (
	RiskLow        RiskLevel = "LOW"
	RiskMedium     RiskLevel = "MEDIUM"
	RiskHigh       RiskLevel = "HIGH"
	RiskProhibited RiskLevel = "PROHIBITED"
)

// Valid reports whether r is one of the defined levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskProhibited:
		return true
	}
	return false
}
