package schedule

import (
	"testing"
	"time"

	"github.com/stagewire/stagewire/internal/database"
)

// sunday returns a fixed Sunday at the given clock time. 2026-03-01 is a
// Sunday.
func sunday(hour, min, sec int) time.Time {
	return time.Date(2026, 3, 1, hour, min, sec, 0, time.UTC)
}

func recurringVenue(times ...database.ServiceTime) *database.Venue {
	return &database.Venue{
		ID:           "v1",
		Name:         "Northside",
		ScheduleType: "recurring",
		ServiceTimes: times,
	}
}

func TestInWindowRecurring(t *testing.T) {
	v := recurringVenue(database.ServiceTime{
		DayOfWeek: 0, StartHour: 10, StartMin: 0, DurationHours: 2,
	})

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before_buffer", sunday(9, 29, 59), false},
		{"buffer_start_inclusive", sunday(9, 30, 0), true},
		{"mid_service", sunday(11, 0, 0), true},
		{"buffer_end_inclusive", sunday(12, 30, 0), true},
		{"after_buffer", sunday(12, 30, 1), false},
		{"wrong_day", sunday(10, 30, 0).AddDate(0, 0, 1), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := InWindow(v, nil, tc.at); got != tc.want {
				t.Errorf("InWindow(%v) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}
}

func TestInWindowMidnightSpillover(t *testing.T) {
	// Saturday 23:00 + 2h runs into Sunday morning; the buffered window
	// ends Sunday 01:30.
	v := recurringVenue(database.ServiceTime{
		DayOfWeek: 6, StartHour: 23, StartMin: 0, DurationHours: 2,
	})

	if !InWindow(v, nil, sunday(0, 45, 0)) {
		t.Error("expected Sunday 00:45 inside Saturday-night window")
	}
	if InWindow(v, nil, sunday(1, 30, 1)) {
		t.Error("expected Sunday 01:30:01 outside Saturday-night window")
	}
}

func TestInWindowEventVenue(t *testing.T) {
	v := &database.Venue{
		ID:           "ev",
		ScheduleType: "event",
		ExpiresAt:    sunday(18, 0, 0),
	}

	if !InWindow(v, nil, sunday(12, 0, 0)) {
		t.Error("event venue before expiry should be in window")
	}
	if InWindow(v, nil, sunday(18, 0, 0)) {
		t.Error("event venue at expiry should be out of window")
	}

	noExpiry := &database.Venue{ID: "ev2", ScheduleType: "event"}
	if InWindow(noExpiry, nil, sunday(12, 0, 0)) {
		t.Error("event venue without expiry should never be in window")
	}
}

func TestInWindowMaintenanceOverride(t *testing.T) {
	v := recurringVenue(database.ServiceTime{
		DayOfWeek: 0, StartHour: 10, StartMin: 0, DurationHours: 2,
	})
	maint := []database.MaintenanceWindow{
		{VenueID: "v1", StartsAt: sunday(10, 30, 0), EndsAt: sunday(11, 0, 0)},
	}

	if InWindow(v, maint, sunday(10, 45, 0)) {
		t.Error("maintenance overlap should force out-of-window")
	}
	if !InWindow(v, maint, sunday(11, 0, 0)) {
		t.Error("window should reopen the instant maintenance ends")
	}
}

func TestWindowEdgesFireOnce(t *testing.T) {
	db := testDB(t)
	ctx := testCtx(t)

	v := recurringVenue(database.ServiceTime{
		DayOfWeek: 0, StartHour: 10, StartMin: 0, DurationHours: 2,
	})
	v.Token = "tok"
	v.RegistrationCode = "AAAA11"
	v.RegisteredAt = sunday(0, 0, 0)
	if err := db.CreateVenue(ctx, v); err != nil {
		t.Fatalf("CreateVenue: %v", err)
	}

	e := NewEngine(testLogger(), db)
	now := sunday(9, 0, 0)
	e.clock = func() time.Time { return now }

	var opens, closes int
	e.OnOpen(func(string) { opens++ })
	e.OnClose(func(string) { closes++ })
	// A panicking callback must not stop the others or the engine.
	e.OnOpen(func(string) { panic("boom") })

	// Walk the clock across the window in one-minute ticks, like Run does.
	for ; now.Before(sunday(13, 0, 0)); now = now.Add(time.Minute) {
		e.tick(ctx)
	}

	if opens != 1 {
		t.Errorf("onOpen fired %d times, want 1", opens)
	}
	if closes != 1 {
		t.Errorf("onClose fired %d times, want 1", closes)
	}
}

func TestNextStartWithin(t *testing.T) {
	v := recurringVenue(database.ServiceTime{
		DayOfWeek: 0, StartHour: 10, StartMin: 0, DurationHours: 2,
	})

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"forty_minutes_out", sunday(9, 20, 0), false},
		{"thirty_minutes_out", sunday(9, 30, 0), true},
		{"twentyfive_minutes_out", sunday(9, 35, 0), false}, // lead must exceed min
		{"already_started", sunday(10, 5, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NextStartWithin(v, tc.at, preServiceMinLead, preServiceMaxLead)
			if got != tc.want {
				t.Errorf("NextStartWithin(%v) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}

	t.Run("event_venue_never_due", func(t *testing.T) {
		ev := &database.Venue{ID: "ev", ScheduleType: "event", ExpiresAt: sunday(23, 0, 0)}
		if NextStartWithin(ev, sunday(9, 30, 0), preServiceMinLead, preServiceMaxLead) {
			t.Error("event venues should not trigger pre-service checks")
		}
	})
}

func TestFormatCheckReport(t *testing.T) {
	t.Run("structured_report", func(t *testing.T) {
		raw := []byte(`{"ready":false,"checks":[
			{"name":"switcher","ok":true},
			{"name":"streamer","ok":false,"detail":"not connected"}]}`)
		got := FormatCheckReport("Northside", raw)
		want := "⚠️ Northside has issues to fix before service\n✅ switcher\n❌ streamer — not connected"
		if got != want {
			t.Errorf("report = %q, want %q", got, want)
		}
	})

	t.Run("unparseable_falls_back_to_raw", func(t *testing.T) {
		got := FormatCheckReport("Northside", []byte(`"all good"`))
		if got != "🔎 Pre-service check for Northside:\n\"all good\"" {
			t.Errorf("report = %q", got)
		}
	})
}
