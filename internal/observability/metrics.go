// Package observability owns the process-wide prometheus collectors of the tracker.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Transition outcomes.
const (
	TransitionApplied = "applied"
	TransitionIgnored = "ignored"
	TransitionStale   = "stale"
)

var (
	sessionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "session",
		Name:      "started_total",
		Help:      "Number of activity sessions started, labeled by activity type.",
	}, []string{"activity_type"})

	sessionActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracker",
		Subsystem: "session",
		Name:      "active",
		Help:      "1 while an activity session is running.",
	})

	recordsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "session",
		Name:      "records_stored_total",
		Help:      "Number of finalized sessions written to the session store, labeled by activity type.",
	}, []string{"activity_type"})

	recordsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "session",
		Name:      "records_dropped_total",
		Help:      "Number of finalized sessions abandoned after exhausting store write attempts.",
	})

	missingSessionData = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "session",
		Name:      "missing_data_total",
		Help:      "Number of stops that found no usable type or start time in the preference store.",
	})

	pendingMu     sync.RWMutex
	pendingSource func() int

	recordsPending = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tracker",
		Subsystem: "session",
		Name:      "records_pending",
		Help:      "Finalized sessions queued for the session store and not yet attempted.",
	}, pendingRecords)

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "recognition",
		Name:      "transitions_total",
		Help:      "Activity transitions received, labeled by direction and outcome.",
	}, []string{"transition", "outcome"})

	recordPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracker",
		Subsystem: "persistence",
		Name:      "last_record_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity record persisted.",
	})
	recordSyncedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracker",
		Subsystem: "persistence",
		Name:      "last_record_synced_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity record mirrored to the backup store.",
	})
)

func init() {
	prometheus.MustRegister(
		sessionsStarted,
		sessionActive,
		recordsStored,
		recordsDropped,
		missingSessionData,
		recordsPending,
		transitions,
		recordPersistGauge,
		recordSyncedGauge,
	)
}

// RecordSessionStarted counts a session start and marks a session active.
func RecordSessionStarted(activityType string) {
	sessionsStarted.WithLabelValues(activityType).Inc()
	sessionActive.Set(1)
}

// RecordSessionStopped marks no session active.
func RecordSessionStopped() {
	sessionActive.Set(0)
}

// RecordStored counts a finalized session written to the store.
func RecordStored(activityType string, ts time.Time) {
	recordsStored.WithLabelValues(activityType).Inc()
	RecordActivityPersisted(ts)
}

// RecordDropped counts a finalized session that could not be stored.
func RecordDropped() {
	recordsDropped.Inc()
}

// RecordMissingSessionData counts a stop without usable session data.
func RecordMissingSessionData() {
	missingSessionData.Inc()
}

// SetPendingSource makes the pending-records gauge report fn. A nil fn reports 0.
func SetPendingSource(fn func() int) {
	pendingMu.Lock()
	pendingSource = fn
	pendingMu.Unlock()
}

func pendingRecords() float64 {
	pendingMu.RLock()
	fn := pendingSource
	pendingMu.RUnlock()
	if fn == nil {
		return 0
	}
	return float64(fn())
}

// RecordTransition counts a received transition.
func RecordTransition(transition, outcome string) {
	transitions.WithLabelValues(transition, outcome).Inc()
}

// RecordActivityPersisted updates the persistence watermark gauge.
func RecordActivityPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	recordPersistGauge.Set(float64(ts.Unix()))
}

// RecordActivitySynced updates the synced watermark gauge.
func RecordActivitySynced(ts time.Time) {
	if ts.IsZero() {
		return
	}
	recordSyncedGauge.Set(float64(ts.Unix()))
}

// DroppedRecords exposes the dropped-records counter for assertions.
func DroppedRecords() prometheus.Collector {
	return recordsDropped
}

// PendingRecords exposes the pending-records gauge for assertions.
func PendingRecords() prometheus.Collector {
	return recordsPending
}

// Transitions exposes the transitions counter for assertions.
func Transitions() *prometheus.CounterVec {
	return transitions
}
