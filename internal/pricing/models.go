package pricing

import (
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/types"
)

// PriceRecord is one submitted quote. Price is per gram scaled by types.PriceScale.
type PriceRecord struct {
	gorm.Model   `json:"-"`
	SubmissionID string              `gorm:"uniqueIndex;size:36" json:"submission_id"`
	Category     types.AssetCategory `gorm:"index:idx_price_category_observed;size:16" json:"category"`
	Price        int64               `json:"price"`
	Confidence   int64               `json:"confidence"`
	Source       string              `json:"source"`
	ObservedAt   time.Time           `gorm:"index:idx_price_category_observed" json:"observed_at"`
	Feeder       types.Address       `gorm:"size:42" json:"feeder"`
}

// Submission is a quote offered to SubmitPrice
type Submission struct {
	Category   types.AssetCategory `json:"category" binding:"required"`
	Price      int64               `json:"price" binding:"required"`
	Confidence int64               `json:"confidence"`
	Source     string              `json:"source"`
	ObservedAt time.Time           `json:"observed_at"`
}

func (r *PriceRecord) quote() types.PriceQuote {
	return types.PriceQuote{
		Category:   r.Category,
		Price:      r.Price,
		Timestamp:  r.ObservedAt,
		Confidence: r.Confidence,
		Source:     r.Source,
	}
}
