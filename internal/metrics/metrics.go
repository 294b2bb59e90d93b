package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckIns counts check-in attempts by result (ok, duplicate, blackout, error).
	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gym",
		Name:      "checkins_total",
		Help:      "Check-in attempts by result.",
	}, []string{"result"})

	// CheckInConfirmations counts staff confirmations of check-ins.
	CheckInConfirmations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gym",
		Name:      "checkin_confirmations_total",
		Help:      "Check-ins confirmed by staff.",
	})

	// PaymentTransitions counts payment actions (report, confirm, reverse, expire).
	PaymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gym",
		Name:      "payment_transitions_total",
		Help:      "Payment state transitions by action.",
	}, []string{"action"})

	// ResetRuns counts monthly reset executions by outcome.
	ResetRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gym",
		Name:      "payment_resets_total",
		Help:      "Monthly payment reset runs by outcome.",
	}, []string{"outcome"})

	// LastResetPersons is the number of people cleared by the last reset.
	LastResetPersons = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gym",
		Name:      "payment_reset_last_persons",
		Help:      "Members and dependents cleared by the last monthly reset.",
	})

	// StoreConflicts counts optimistic-concurrency retries against the document store.
	StoreConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gym",
		Name:      "store_conflicts_total",
		Help:      "Version conflicts retried on member writes.",
	})

	// CacheLookups counts stats cache lookups by result (hit, miss, error).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gym",
		Name:      "stats_cache_lookups_total",
		Help:      "Semester stats cache lookups by result.",
	}, []string{"result"})
)
