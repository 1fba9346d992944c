// Package gateway is the single entry point of the scan pipeline. It resolves
// the scanned tag, runs the idempotency gate, verification and the state
// machine in that fixed order, and publishes the outcome for notification.
package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"busattend/internal/attendance"
	"busattend/internal/metrics"
	"busattend/internal/notify"
	"busattend/internal/roster"
	"busattend/internal/verify"
)

// ErrValidation rejects malformed payloads before any side effect.
var ErrValidation = errors.New("invalid scan payload")

// Roster resolves tags to students.
type Roster interface {
	StudentByTag(ctx context.Context, tagID string) (*roster.Student, error)
}

// Verifier runs the retry-coordinated signature verification.
type Verifier interface {
	Verify(ctx context.Context, studentID string, captured []float64) verify.Outcome
}

// Pipeline is the attendance state machine front.
type Pipeline interface {
	Apply(ctx context.Context, key attendance.Key, scannedAt time.Time) (attendance.Decision, *attendance.Record, error)
	Complete(ctx context.Context, key attendance.Key, decision attendance.Decision, confidence float64, verified bool, photoRef *string, lat, lon *float64) (attendance.Record, error)
}

// Auditor appends raw submissions to the audit log.
type Auditor interface {
	AuditScan(ctx context.Context, studentID, tagID, deviceID string, key attendance.Key, decision attendance.Decision, scannedAt time.Time, lat, lon *float64) error
}

// ScanRequest is one authenticated device submission. Latitude and longitude
// are nil when the device had no fix; the pipeline passes that through as
// "location unknown" rather than substituting a coordinate.
type ScanRequest struct {
	DeviceID  string
	TagID     string
	Signature []float64
	PhotoRef  *string
	Latitude  *float64
	Longitude *float64
	Timestamp time.Time
	Trip      attendance.Trip // explicit override; empty derives from timestamp
}

// Ack is the definitive acknowledgement returned to the device.
type Ack struct {
	Status     attendance.Status `json:"status"`
	Duplicate  bool              `json:"duplicate"`
	Confidence float64           `json:"confidence"`
}

// Gateway orchestrates one scan end to end, synchronously.
type Gateway struct {
	roster   Roster
	verifier Verifier
	pipeline Pipeline
	queue    notify.Queue
	auditor  Auditor // optional

	cutoffHour   int
	cutoffMinute int
}

// New creates a gateway. The midday cutoff decides AM vs PM when the device
// sends no explicit trip.
func New(r Roster, v Verifier, p Pipeline, q notify.Queue, auditor Auditor, cutoffHour, cutoffMinute int) *Gateway {
	return &Gateway{
		roster:       r,
		verifier:     v,
		pipeline:     p,
		queue:        q,
		auditor:      auditor,
		cutoffHour:   cutoffHour,
		cutoffMinute: cutoffMinute,
	}
}

// Process runs the pipeline for one scan and returns a definitive ack or an
// error from the taxonomy. Once accepted, a scan runs to completion; there is
// no cancellation concept for the device.
func (g *Gateway) Process(ctx context.Context, req ScanRequest) (Ack, error) {
	if err := validate(req); err != nil {
		return Ack{}, err
	}

	// Resolve the tag before any verification work.
	student, err := g.roster.StudentByTag(ctx, req.TagID)
	if err != nil {
		if errors.Is(err, roster.ErrTagUnknown) {
			log.Printf("scan from device %s for unknown tag %q", req.DeviceID, req.TagID)
			metrics.ScansTotal.WithLabelValues("rejected").Inc()
		}
		return Ack{}, err
	}

	trip := req.Trip
	if trip == "" {
		trip = attendance.TripFor(req.Timestamp, g.cutoffHour, g.cutoffMinute)
	}
	key := attendance.Key{
		StudentID: student.ID,
		Day:       attendance.DayOf(req.Timestamp),
		Trip:      trip,
	}

	decision, existing, err := g.pipeline.Apply(ctx, key, req.Timestamp)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("failed").Inc()
		return Ack{}, err
	}
	g.audit(ctx, student.ID, req, key, decision)

	switch decision {
	case attendance.DecisionHoliday:
		metrics.ScansTotal.WithLabelValues("holiday").Inc()
		return Ack{Status: attendance.StatusHoliday}, nil
	case attendance.DecisionDuplicate:
		// Same record, same (absent) notification: the resend changes nothing.
		metrics.ScansTotal.WithLabelValues("duplicate").Inc()
		return Ack{Status: existing.Status, Duplicate: true, Confidence: confidenceOf(existing)}, nil
	case attendance.DecisionComplete:
		metrics.ScansTotal.WithLabelValues("rejected").Inc()
		return Ack{}, attendance.ErrAlreadyComplete
	}

	// First or second scan: verify, then finalize the claimed transition.
	// Verification failure never blocks the record; it only marks it
	// unverified and routes a mismatch notification.
	outcome := g.verifier.Verify(ctx, student.ID, req.Signature)

	rec, err := g.pipeline.Complete(ctx, key, decision, outcome.Confidence, outcome.Verified, req.PhotoRef, req.Latitude, req.Longitude)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("failed").Inc()
		return Ack{}, err
	}

	g.publish(ctx, notify.Notification{
		StudentID:  student.ID,
		Trip:       string(trip),
		Verified:   outcome.Verified,
		Confidence: outcome.Confidence,
		PhotoRef:   rec.PhotoRef,
		Reason:     outcome.Reason,
	})

	metrics.ScansTotal.WithLabelValues(string(rec.Status)).Inc()
	return Ack{Status: rec.Status, Confidence: outcome.Confidence}, nil
}

func validate(req ScanRequest) error {
	if req.TagID == "" {
		return invalidPayload("tag id required")
	}
	if req.Timestamp.IsZero() {
		return invalidPayload("timestamp required")
	}
	if req.Trip != "" && req.Trip != attendance.TripAM && req.Trip != attendance.TripPM {
		return invalidPayload("trip must be AM or PM")
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		return invalidPayload("latitude and longitude must be sent together or not at all")
	}
	return nil
}

func invalidPayload(msg string) error {
	return errors.Join(ErrValidation, errors.New(msg))
}

// publish is fire-and-forget: delivery failure never rolls back the record.
func (g *Gateway) publish(ctx context.Context, n notify.Notification) {
	msg, err := notify.Envelope(n)
	if err != nil {
		metrics.NotifyFailures.Inc()
		return
	}
	if err := g.queue.Publish(ctx, msg); err != nil {
		log.Printf("notification publish for %s failed: %v", n.StudentID, err)
		metrics.NotifyFailures.Inc()
	}
}

func (g *Gateway) audit(ctx context.Context, studentID string, req ScanRequest, key attendance.Key, decision attendance.Decision) {
	if g.auditor == nil {
		return
	}
	if err := g.auditor.AuditScan(ctx, studentID, req.TagID, req.DeviceID, key, decision, req.Timestamp, req.Latitude, req.Longitude); err != nil {
		log.Printf("scan audit for %s failed: %v", studentID, err)
	}
}

func confidenceOf(rec *attendance.Record) float64 {
	if rec == nil || rec.Confidence == nil {
		return 0
	}
	return *rec.Confidence
}
