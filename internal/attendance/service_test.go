package attendance

import (
	"context"
	"testing"
	"time"
)

type fakeStore struct {
	claimDecision Decision
	claimRecord   *Record
	claimErr      error
	claims        int

	finalized      []Status
	finalizeRecord Record
	finalizeErr    error

	missedCount int64
}

func (f *fakeStore) ClaimScan(ctx context.Context, key Key, scannedAt time.Time, jitter time.Duration) (Decision, *Record, error) {
	f.claims++
	return f.claimDecision, f.claimRecord, f.claimErr
}

func (f *fakeStore) Finalize(ctx context.Context, key Key, status Status, confidence float64, verified bool, photoRef *string, lat, lon *float64) (Record, error) {
	f.finalized = append(f.finalized, status)
	if f.finalizeErr != nil {
		return Record{}, f.finalizeErr
	}
	rec := f.finalizeRecord
	rec.Status = status
	rec.Confidence = &confidence
	rec.Verified = &verified
	rec.PhotoRef = photoRef
	rec.Latitude = lat
	rec.Longitude = lon
	return rec, nil
}

func (f *fakeStore) MarkMissed(ctx context.Context, day time.Time, trip Trip) (int64, error) {
	return f.missedCount, nil
}

type fakeCalendar struct {
	holiday bool
	err     error
}

func (f *fakeCalendar) IsHoliday(ctx context.Context, day time.Time, trip Trip) (bool, error) {
	return f.holiday, f.err
}

var testKey = Key{StudentID: "s1", Day: DayOf(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)), Trip: TripAM}

func TestApply_HolidaySuppressesTransitions(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, &fakeCalendar{holiday: true}, time.Minute)

	decision, rec, err := svc.Apply(context.Background(), testKey, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionHoliday {
		t.Errorf("decision = %s, want holiday", decision)
	}
	if rec == nil || rec.Status != StatusHoliday {
		t.Errorf("record = %+v, want holiday status", rec)
	}
	if store.claims != 0 {
		t.Errorf("holiday scan must not reach the gate, got %d claims", store.claims)
	}
}

func TestApply_CalendarOutageFallsThroughToGate(t *testing.T) {
	store := &fakeStore{claimDecision: DecisionFirst}
	svc := NewService(store, &fakeCalendar{err: context.DeadlineExceeded}, time.Minute)

	decision, _, err := svc.Apply(context.Background(), testKey, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionFirst {
		t.Errorf("decision = %s, want first", decision)
	}
	if store.claims != 1 {
		t.Errorf("gate claims = %d, want 1", store.claims)
	}
}

func TestComplete_MapsDecisionsToStatuses(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, &fakeCalendar{}, time.Minute)

	rec, err := svc.Complete(context.Background(), testKey, DecisionFirst, 0.85, true, nil, nil, nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if rec.Status != StatusBoarded {
		t.Errorf("first scan status = %s, want boarded", rec.Status)
	}

	rec, err = svc.Complete(context.Background(), testKey, DecisionSecond, 0.40, false, nil, nil, nil)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if rec.Status != StatusArrived {
		t.Errorf("second scan status = %s, want arrived", rec.Status)
	}
	if rec.Confidence == nil || *rec.Confidence != 0.40 {
		t.Errorf("confidence = %v, want 0.40", rec.Confidence)
	}

	if _, err := svc.Complete(context.Background(), testKey, DecisionDuplicate, 0, false, nil, nil, nil); err == nil {
		t.Error("duplicate decision must not finalize")
	}
}

func TestComplete_SecondScanReplacesPhoto(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, &fakeCalendar{}, time.Minute)

	photo := "s1_2026-03-02_AM"
	rec, err := svc.Complete(context.Background(), testKey, DecisionFirst, 0.9, true, &photo, nil, nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if rec.PhotoRef == nil || *rec.PhotoRef != photo {
		t.Fatalf("first scan photo ref = %v, want %q", rec.PhotoRef, photo)
	}

	// The second scan's values replace the first's wholesale: a scan without
	// a photo clears the ref rather than keeping the boarding photo.
	rec, err = svc.Complete(context.Background(), testKey, DecisionSecond, 0.9, true, nil, nil, nil)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if rec.PhotoRef != nil {
		t.Errorf("second scan without a photo must clear the ref, got %q", *rec.PhotoRef)
	}
}

func TestComplete_AbsentLocationStaysAbsent(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, &fakeCalendar{}, time.Minute)

	rec, err := svc.Complete(context.Background(), testKey, DecisionFirst, 0.9, true, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Latitude != nil || rec.Longitude != nil {
		t.Errorf("absent location must stay nil, got lat=%v lon=%v", rec.Latitude, rec.Longitude)
	}
}

func TestTripFor(t *testing.T) {
	cases := []struct {
		name string
		t    time.Time
		want Trip
	}{
		{"early morning", time.Date(2026, 3, 2, 7, 15, 0, 0, time.UTC), TripAM},
		{"just before cutoff", time.Date(2026, 3, 2, 11, 59, 0, 0, time.UTC), TripAM},
		{"at cutoff", time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), TripPM},
		{"afternoon", time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC), TripPM},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TripFor(tc.t, 12, 0); got != tc.want {
				t.Errorf("TripFor(%v) = %s, want %s", tc.t, got, tc.want)
			}
		})
	}
}

func TestDayOf(t *testing.T) {
	got := DayOf(time.Date(2026, 3, 2, 15, 30, 45, 0, time.UTC))
	want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("DayOf = %v, want %v", got, want)
	}
}
