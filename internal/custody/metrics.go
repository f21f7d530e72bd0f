package custody

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "escrow_custody_transfers_total",
	Help: "Custody ownership transfers, by contract",
}, []string{"contract"})
