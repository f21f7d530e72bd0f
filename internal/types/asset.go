package types

import (
	"fmt"
	"strings"
	"time"
)

// AssetCategory classifies a custodial precious asset for pricing.
type AssetCategory string

const (
	CategoryGold      AssetCategory = "GOLD"
	CategorySilver    AssetCategory = "SILVER"
	CategoryPlatinum  AssetCategory = "PLATINUM"
	CategoryPalladium AssetCategory = "PALLADIUM"
	CategoryDiamond   AssetCategory = "DIAMOND"
	CategoryGemstone  AssetCategory = "GEMSTONE"
)

var knownCategories = map[AssetCategory]struct{}{
	CategoryGold:      {},
	CategorySilver:    {},
	CategoryPlatinum:  {},
	CategoryPalladium: {},
	CategoryDiamond:   {},
	CategoryGemstone:  {},
}

// ParseAssetCategory normalises s and checks it is a known category.
func ParseAssetCategory(s string) (AssetCategory, error) {
	c := AssetCategory(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := knownCategories[c]; !ok {
		return "", fmt.Errorf("unknown asset category %q", s)
	}
	return c, nil
}

// PriceScale is the fixed-point scale of oracle unit prices (price per gram in
// hundredths of the payment unit).
const PriceScale int64 = 100

// PurityScale is the denominator of purity values (parts per thousand).
const PurityScale int64 = 1000

// PriceQuote is the latest valuation the price oracle holds for a category.
type PriceQuote struct {
	Category   AssetCategory `json:"category"`
	Price      int64         `json:"price"`
	Timestamp  time.Time     `json:"timestamp"`
	Confidence int64         `json:"confidence"` // percent, 0-100
	Stale      bool          `json:"stale"`
	Source     string        `json:"source"`
}
