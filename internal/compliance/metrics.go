package compliance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksPerformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_compliance_checks_total",
		Help: "Compliance checks recorded in the audit trail, by outcome",
	}, []string{"result"})

	transactionEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_compliance_transaction_evaluations_total",
		Help: "Transaction permissibility evaluations, by outcome",
	}, []string{"result"})
)
