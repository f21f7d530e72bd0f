package migrations

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type migration struct {
	name string
	run  func(*gorm.DB) error
}

var all = []migration{
	{"001_create_schema", CreateSchema},
	{"002_add_trade_indexes", AddTradeIndexes},
}

// Run applies every migration in order. Each one is idempotent.
func Run(db *gorm.DB) error {
	for _, m := range all {
		if err := m.run(db); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		log.Debug().Str("migration", m.name).Msg("migration applied")
	}
	return nil
}
