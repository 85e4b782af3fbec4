package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerAdjustments counts committed balance changes by transaction type.
	LedgerAdjustments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_adjustments_total",
			Help: "Committed ledger balance adjustments",
		},
		[]string{"type"},
	)

	LedgerAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_amount_total",
			Help: "Sum of adjusted amounts in currency units",
		},
		[]string{"type"},
	)

	LedgerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_errors_total",
			Help: "Failed ledger operations by operation and error kind",
		},
		[]string{"operation", "kind"},
	)

	SegmentsBilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sms_segments_billed_total",
			Help: "SMS segments charged to customer balances",
		},
	)

	MessagesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_messages_recorded_total",
			Help: "Outbound SMS rows recorded by gateway label",
		},
		[]string{"gateway"},
	)

	SubscriptionPurchases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_purchases_total",
			Help: "Subscription purchases by plan and billing cycle",
		},
		[]string{"plan", "cycle"},
	)

	PlanCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plan_cache_lookups_total",
			Help: "Pricing plan cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss"
	)

	SessionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_events_total",
			Help: "Session change notifications by kind",
		},
		[]string{"kind"},
	)
)
