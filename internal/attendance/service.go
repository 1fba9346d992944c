package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Trip is one of the two daily transportation legs.
type Trip string

const (
	TripAM Trip = "AM"
	TripPM Trip = "PM"
)

// Status of an attendance record. unscanned is implicit: no row exists.
type Status string

const (
	StatusUnscanned Status = "unscanned"
	StatusBoarded   Status = "boarded"
	StatusArrived   Status = "arrived"
	StatusMissed    Status = "missed"
	StatusHoliday   Status = "holiday"
)

// Key is the natural unique key of an attendance record.
type Key struct {
	StudentID string
	Day       time.Time
	Trip      Trip
}

// Record is the durable output of the scan pipeline. Latitude and longitude
// are nil when the device had no fix; absent location is a distinct state,
// never (0,0).
type Record struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"student_id"`
	Day        time.Time `json:"day"`
	Trip       Trip      `json:"trip"`
	Status     Status    `json:"status"`
	Confidence *float64  `json:"confidence,omitempty"`
	Verified   *bool     `json:"verified,omitempty"`
	PhotoRef   *string   `json:"photo_ref,omitempty"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	ScannedAt  time.Time `json:"scanned_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Decision is the idempotency gate's classification of a scan.
type Decision int

const (
	DecisionFirst     Decision = iota // first scan of the trip, row claimed as boarded
	DecisionSecond                    // second scan, row transitioned to arrived
	DecisionDuplicate                 // resend inside the jitter window
	DecisionComplete                  // trip already in a terminal state
	DecisionHoliday                   // day/trip is a holiday, no transition
)

func (d Decision) String() string {
	switch d {
	case DecisionFirst:
		return "first"
	case DecisionSecond:
		return "second"
	case DecisionDuplicate:
		return "duplicate"
	case DecisionComplete:
		return "complete"
	case DecisionHoliday:
		return "holiday"
	}
	return "unknown"
}

// ErrAlreadyComplete rejects scans against a trip in a terminal state outside
// the duplicate window.
var ErrAlreadyComplete = errors.New("trip already complete")

// RecordStore is the durable store behind the state machine.
type RecordStore interface {
	ClaimScan(ctx context.Context, key Key, scannedAt time.Time, jitter time.Duration) (Decision, *Record, error)
	Finalize(ctx context.Context, key Key, status Status, confidence float64, verified bool, photoRef *string, lat, lon *float64) (Record, error)
	MarkMissed(ctx context.Context, day time.Time, trip Trip) (int64, error)
}

// Calendar answers holiday lookups; fed by an external calendar process.
type Calendar interface {
	IsHoliday(ctx context.Context, day time.Time, trip Trip) (bool, error)
}

// Service is the attendance state machine: it turns gate decisions and
// verification outcomes into status transitions.
type Service struct {
	store    RecordStore
	calendar Calendar
	jitter   time.Duration
}

// NewService creates the state machine over a record store and holiday calendar.
func NewService(store RecordStore, calendar Calendar, jitter time.Duration) *Service {
	if jitter <= 0 {
		jitter = 90 * time.Second
	}
	return &Service{store: store, calendar: calendar, jitter: jitter}
}

// Apply runs the holiday check and the idempotency gate for one scan.
// Holiday scans are accepted and acknowledged but never override the marking.
func (s *Service) Apply(ctx context.Context, key Key, scannedAt time.Time) (Decision, *Record, error) {
	holiday, err := s.calendar.IsHoliday(ctx, key.Day, key.Trip)
	if err != nil {
		// Calendar outage must not block boarding; treat as a school day.
		log.Printf("holiday lookup for %s %s failed: %v", key.Day.Format("2006-01-02"), key.Trip, err)
		holiday = false
	}
	if holiday {
		return DecisionHoliday, &Record{
			StudentID: key.StudentID,
			Day:       key.Day,
			Trip:      key.Trip,
			Status:    StatusHoliday,
			ScannedAt: scannedAt,
		}, nil
	}
	return s.store.ClaimScan(ctx, key, scannedAt, s.jitter)
}

// Complete finalizes a claimed transition with the verification outcome.
// Only first and second scans reach this point.
func (s *Service) Complete(ctx context.Context, key Key, decision Decision, confidence float64, verified bool, photoRef *string, lat, lon *float64) (Record, error) {
	var status Status
	switch decision {
	case DecisionFirst:
		status = StatusBoarded
	case DecisionSecond:
		status = StatusArrived
	default:
		return Record{}, fmt.Errorf("decision %s does not finalize", decision)
	}
	return s.store.Finalize(ctx, key, status, confidence, verified, photoRef, lat, lon)
}

// SweepMissed marks every still-unscanned key missed for an ended trip.
// Holiday days are skipped by the store.
func (s *Service) SweepMissed(ctx context.Context, day time.Time, trip Trip) (int64, error) {
	return s.store.MarkMissed(ctx, day, trip)
}

// TripFor derives the trip designator from a scan timestamp: before the
// midday cutoff is AM, otherwise PM.
func TripFor(t time.Time, cutoffHour, cutoffMinute int) Trip {
	if t.Hour() < cutoffHour || (t.Hour() == cutoffHour && t.Minute() < cutoffMinute) {
		return TripAM
	}
	return TripPM
}

// DayOf truncates a timestamp to its calendar date.
func DayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
