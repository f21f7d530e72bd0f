package pricing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pricesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_oracle_prices_submitted_total",
		Help: "Price quotes accepted by the oracle, by asset category",
	}, []string{"category"})

	staleQuotes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_oracle_stale_quotes_total",
		Help: "Latest-price reads that returned a stale quote, by asset category",
	}, []string{"category"})

	latestPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "escrow_oracle_latest_price",
		Help: "Latest accepted price per gram (scaled by 100), by asset category",
	}, []string{"category"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_oracle_cache_lookups_total",
		Help: "Latest-quote cache lookups, by result (hit, miss)",
	}, []string{"result"})

	feederPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_price_feeder_polls_total",
		Help: "Price feed polls, by result (success, failure, rejected)",
	}, []string{"result"})

	feederPollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "escrow_price_feeder_poll_duration_seconds",
		Help:    "Time taken to fetch and apply the price feed",
		Buckets: prometheus.DefBuckets,
	})
)
