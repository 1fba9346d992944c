// Package metrics exposes Prometheus collectors for the scan pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts processed scans by final result
	// (boarded, arrived, duplicate, holiday, rejected, failed).
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busattend_scans_total",
		Help: "Processed scan submissions by result.",
	}, []string{"result"})

	// VerificationAttempts counts individual signature comparisons.
	VerificationAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busattend_verification_attempts_total",
		Help: "Signature comparison attempts across all scans.",
	})

	// FreshFetches counts source-of-truth signature fetches triggered by the
	// retry coordinator's escalation policy.
	FreshFetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busattend_fresh_signature_fetches_total",
		Help: "Fresh signature fetches bypassing the cache.",
	})

	// NotifyFailures counts notification deliveries that could not be dispatched.
	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busattend_notification_failures_total",
		Help: "Notification publish or delivery failures.",
	})

	// MissedSwept counts records transitioned to missed by the sweep.
	MissedSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busattend_missed_swept_total",
		Help: "Attendance records marked missed by the end-of-trip sweep.",
	})
)
