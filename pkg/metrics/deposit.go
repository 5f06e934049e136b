package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DepositTransitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposit_transition_total",
		Help:      "Deposit state transitions.",
	}, []string{"from", "to"})

	DepositInitiatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposit_initiated_total",
		Help:      "Payment initiations by outcome.",
	}, []string{"result"}) // accepted/rejected/unavailable/invalid

	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposit_reconcile_total",
		Help:      "Webhook notifications processed by outcome.",
	}, []string{"outcome"})

	OrphanNotificationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposit_orphan_notification_total",
		Help:      "Notifications with no matching pending deposit.",
	}, []string{"source"}) // stk/c2b

	AttentionGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "deposit_attention_flagged",
		Help:      "Deposits currently flagged for operator attention.",
	})

	CreditedAmountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposit_credited_amount_total",
		Help:      "Settlement amount credited, by currency.",
	}, []string{"currency"})

	TransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "brokerage_transfer_duration_seconds",
		Help:      "Brokerage transfer latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 11), // 50ms ~ 51s
	}, []string{"result"})

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "mpesa_request_duration_seconds",
		Help:      "Mobile-money gateway call latency.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"op", "result"})
)
