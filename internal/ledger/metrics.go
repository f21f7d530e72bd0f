package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_ledger_transfers_total",
		Help: "Ledger transfers posted, by payment asset",
	}, []string{"asset"})

	transferVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_ledger_transfer_volume_total",
		Help: "Smallest units moved by ledger transfers, by payment asset",
	}, []string{"asset"})
)
