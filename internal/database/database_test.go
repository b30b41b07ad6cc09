package database

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	db, err := Open(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return db
}

func testVenue(id, name string) *Venue {
	return &Venue{
		ID:               id,
		Name:             name,
		Email:            "td@example.org",
		Token:            "tok-" + id,
		RegistrationCode: "A1B2C3",
		RegisteredAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ServiceTimes: []ServiceTime{
			{DayOfWeek: 0, StartHour: 9, StartMin: 0, DurationHours: 2},
		},
		ScheduleType: "recurring",
	}
}

func TestVenueLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v := testVenue("venue-1", "Northside")
	if err := db.CreateVenue(ctx, v); err != nil {
		t.Fatalf("CreateVenue: %v", err)
	}

	t.Run("duplicate_name_conflicts", func(t *testing.T) {
		dup := testVenue("venue-2", "Northside")
		if err := db.CreateVenue(ctx, dup); !errors.Is(err, ErrConflict) {
			t.Errorf("CreateVenue duplicate = %v, want ErrConflict", err)
		}
	})

	t.Run("get_round_trips", func(t *testing.T) {
		got, err := db.GetVenue(ctx, "venue-1")
		if err != nil {
			t.Fatalf("GetVenue: %v", err)
		}
		if got.Name != "Northside" || got.Token != "tok-venue-1" {
			t.Errorf("got %+v", got)
		}
		if len(got.ServiceTimes) != 1 || got.ServiceTimes[0].StartHour != 9 {
			t.Errorf("service times = %+v", got.ServiceTimes)
		}
		if !got.RegisteredAt.Equal(v.RegisteredAt) {
			t.Errorf("registeredAt = %v, want %v", got.RegisteredAt, v.RegisteredAt)
		}
	})

	t.Run("lookup_by_code_and_name", func(t *testing.T) {
		byCode, err := db.GetVenueByCode(ctx, "A1B2C3")
		if err != nil || byCode.ID != "venue-1" {
			t.Errorf("GetVenueByCode = %v, %v", byCode, err)
		}
		byName, err := db.GetVenueByName(ctx, "Northside")
		if err != nil || byName.ID != "venue-1" {
			t.Errorf("GetVenueByName = %v, %v", byName, err)
		}
	})

	t.Run("update_schedule", func(t *testing.T) {
		times := []ServiceTime{
			{DayOfWeek: 0, StartHour: 9, StartMin: 0, DurationHours: 2},
			{DayOfWeek: 3, StartHour: 19, StartMin: 30, DurationHours: 1.5, Label: "midweek"},
		}
		if err := db.UpdateServiceTimes(ctx, "venue-1", times); err != nil {
			t.Fatalf("UpdateServiceTimes: %v", err)
		}
		got, _ := db.GetVenue(ctx, "venue-1")
		if len(got.ServiceTimes) != 2 || got.ServiceTimes[1].Label != "midweek" {
			t.Errorf("service times = %+v", got.ServiceTimes)
		}
	})

	t.Run("missing_venue_not_found", func(t *testing.T) {
		if _, err := db.GetVenue(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetVenue missing = %v, want ErrNotFound", err)
		}
		if err := db.UpdateServiceTimes(ctx, "nope", nil); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateServiceTimes missing = %v, want ErrNotFound", err)
		}
	})

	t.Run("delete_cascades", func(t *testing.T) {
		if err := db.InsertAlert(ctx, &Alert{
			ID: "al-1", VenueID: "venue-1", Kind: "warning", Type: "stream_stopped",
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("InsertAlert: %v", err)
		}
		if err := db.DeleteVenue(ctx, "venue-1"); err != nil {
			t.Fatalf("DeleteVenue: %v", err)
		}
		if _, err := db.GetVenue(ctx, "venue-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("venue still present after delete")
		}
		alerts, err := db.ListAlerts(ctx, "venue-1", 0)
		if err != nil || len(alerts) != 0 {
			t.Errorf("alerts after delete = %v, %v", alerts, err)
		}
		if err := db.DeleteVenue(ctx, "venue-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("second delete = %v, want ErrNotFound", err)
		}
	})
}

func TestExpiredEventVenues(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	live := testVenue("venue-live", "Conference")
	live.ScheduleType = "event"
	live.ExpiresAt = now.Add(2 * time.Hour)
	done := testVenue("venue-done", "Retreat")
	done.ScheduleType = "event"
	done.ExpiresAt = now.Add(-time.Hour)
	recurring := testVenue("venue-rec", "Northside")

	for _, v := range []*Venue{live, done, recurring} {
		if err := db.CreateVenue(ctx, v); err != nil {
			t.Fatalf("CreateVenue %s: %v", v.ID, err)
		}
	}

	expired, err := db.ExpiredEventVenues(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredEventVenues: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "venue-done" {
		t.Errorf("expired = %+v, want just venue-done", expired)
	}
}

func TestAlertLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 8, 10, 15, 0, 0, time.UTC)

	a := &Alert{
		ID:        "0f3a9d2c-1111-2222-3333-444455556666",
		VenueID:   "venue-1",
		Kind:      "critical",
		Type:      "stream_stopped",
		Message:   "Stream stopped unexpectedly",
		Context:   `{"bitrate":0}`,
		CreatedAt: created,
	}
	if err := db.InsertAlert(ctx, a); err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}

	t.Run("prefix_lookup_resolves_ack_token", func(t *testing.T) {
		got, err := db.GetAlertByPrefix(ctx, "0f3a9d2c")
		if err != nil {
			t.Fatalf("GetAlertByPrefix: %v", err)
		}
		if got.ID != a.ID || got.Kind != "critical" {
			t.Errorf("got %+v", got)
		}
		if _, err := db.GetAlertByPrefix(ctx, "ffffffff"); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown prefix = %v, want ErrNotFound", err)
		}
	})

	t.Run("ack_is_first_writer_wins", func(t *testing.T) {
		first := created.Add(30 * time.Second)
		if err := db.AcknowledgeAlert(ctx, a.ID, "Dana", first); err != nil {
			t.Fatalf("AcknowledgeAlert: %v", err)
		}
		if err := db.AcknowledgeAlert(ctx, a.ID, "Rival", first.Add(time.Minute)); err != nil {
			t.Fatalf("second AcknowledgeAlert: %v", err)
		}
		got, _ := db.GetAlert(ctx, a.ID)
		if got.AcknowledgedBy != "Dana" || !got.AcknowledgedAt.Equal(first) {
			t.Errorf("ack = %q at %v, want Dana at %v", got.AcknowledgedBy, got.AcknowledgedAt, first)
		}
		if !got.Acknowledged() {
			t.Error("Acknowledged() = false after ack")
		}
	})

	t.Run("ack_missing_alert", func(t *testing.T) {
		err := db.AcknowledgeAlert(ctx, "missing", "Dana", created)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("ack missing = %v, want ErrNotFound", err)
		}
	})

	t.Run("flags_persist", func(t *testing.T) {
		if err := db.MarkAlertEscalated(ctx, a.ID); err != nil {
			t.Fatalf("MarkAlertEscalated: %v", err)
		}
		if err := db.MarkAlertNotified(ctx, a.ID); err != nil {
			t.Fatalf("MarkAlertNotified: %v", err)
		}
		got, _ := db.GetAlert(ctx, a.ID)
		if !got.Escalated || !got.Notified {
			t.Errorf("escalated=%v notified=%v, want both true", got.Escalated, got.Notified)
		}
	})

	t.Run("auto_resolve_also_resolves", func(t *testing.T) {
		if err := db.MarkAlertAutoResolved(ctx, a.ID); err != nil {
			t.Fatalf("MarkAlertAutoResolved: %v", err)
		}
		got, _ := db.GetAlert(ctx, a.ID)
		if !got.AutoResolved || !got.Resolved {
			t.Errorf("autoResolved=%v resolved=%v", got.AutoResolved, got.Resolved)
		}
	})

	t.Run("list_newest_first", func(t *testing.T) {
		later := &Alert{
			ID: "aaaa0000-0000-0000-0000-000000000000", VenueID: "venue-1",
			Kind: "warning", Type: "bitrate_low", CreatedAt: created.Add(time.Hour),
		}
		if err := db.InsertAlert(ctx, later); err != nil {
			t.Fatalf("InsertAlert: %v", err)
		}
		got, err := db.ListAlerts(ctx, "venue-1", 10)
		if err != nil {
			t.Fatalf("ListAlerts: %v", err)
		}
		if len(got) != 2 || got[0].ID != later.ID {
			t.Errorf("order wrong: %+v", got)
		}
		open, err := db.CountOpenAlerts(ctx)
		if err != nil || open != 1 {
			t.Errorf("CountOpenAlerts = %d, %v; want 1", open, err)
		}
	})
}

func TestOnCallResolution(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	add := func(userID int64, name string, primary bool, week string, regOffset time.Duration) {
		t.Helper()
		err := db.UpsertOnCallEntry(ctx, &OnCallEntry{
			VenueID: "venue-1", TDName: name, TelegramChatID: userID * 10,
			TelegramUserID: userID, WeekOf: week, IsPrimary: primary,
			RegisteredAt: base.Add(regOffset),
		})
		if err != nil {
			t.Fatalf("UpsertOnCallEntry(%s): %v", name, err)
		}
	}

	t.Run("empty_pool_not_found", func(t *testing.T) {
		if _, err := db.CurrentOnCall(ctx, "venue-1", "2026-W10"); !errors.Is(err, ErrNotFound) {
			t.Errorf("CurrentOnCall empty = %v, want ErrNotFound", err)
		}
	})

	add(1, "Alice", false, "", 0)
	add(2, "Bob", true, "", time.Hour)
	add(3, "Carol", false, "2026-W10", 2*time.Hour)

	t.Run("week_match_wins", func(t *testing.T) {
		got, err := db.CurrentOnCall(ctx, "venue-1", "2026-W10")
		if err != nil || got.TDName != "Carol" {
			t.Errorf("CurrentOnCall = %v, %v; want Carol", got, err)
		}
	})

	t.Run("primary_next", func(t *testing.T) {
		got, err := db.CurrentOnCall(ctx, "venue-1", "2026-W11")
		if err != nil || got.TDName != "Bob" {
			t.Errorf("CurrentOnCall = %v, %v; want Bob", got, err)
		}
	})

	t.Run("oldest_last_resort", func(t *testing.T) {
		if err := db.SetPrimary(ctx, "venue-1", 1); err != nil {
			t.Fatalf("SetPrimary: %v", err)
		}
		got, err := db.CurrentOnCall(ctx, "venue-1", "2026-W11")
		if err != nil || got.TDName != "Alice" {
			t.Errorf("CurrentOnCall = %v, %v; want Alice (new primary)", got, err)
		}
	})

	t.Run("assign_week_clears_others", func(t *testing.T) {
		if err := db.AssignWeek(ctx, "venue-1", 2, "2026-W10"); err != nil {
			t.Fatalf("AssignWeek: %v", err)
		}
		entries, _ := db.ListOnCallEntries(ctx, "venue-1")
		holders := 0
		for _, e := range entries {
			if e.WeekOf == "2026-W10" {
				holders++
				if e.TDName != "Bob" {
					t.Errorf("week held by %s, want Bob", e.TDName)
				}
			}
		}
		if holders != 1 {
			t.Errorf("week holders = %d, want 1", holders)
		}
	})

	t.Run("assign_unknown_user", func(t *testing.T) {
		if err := db.AssignWeek(ctx, "venue-1", 99, "2026-W12"); !errors.Is(err, ErrNotFound) {
			t.Errorf("AssignWeek unknown = %v, want ErrNotFound", err)
		}
	})
}

func TestGuestTokens(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	g := &GuestToken{
		Token: "GUEST-DEADBEEF", VenueID: "venue-1", DisplayName: "Visiting Tech",
		CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}
	if err := db.InsertGuestToken(ctx, g); err != nil {
		t.Fatalf("InsertGuestToken: %v", err)
	}

	t.Run("first_claim_wins", func(t *testing.T) {
		got, err := db.ClaimGuestToken(ctx, g.Token, 111, now.Add(time.Hour))
		if err != nil || got.ClaimedByChatID != 111 {
			t.Fatalf("ClaimGuestToken = %+v, %v", got, err)
		}
		if _, err := db.ClaimGuestToken(ctx, g.Token, 222, now.Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
			t.Errorf("second claimant = %v, want ErrNotFound", err)
		}
		// Same chat re-claims fine.
		if _, err := db.ClaimGuestToken(ctx, g.Token, 111, now.Add(2*time.Hour)); err != nil {
			t.Errorf("re-claim by holder = %v", err)
		}
	})

	t.Run("expired_claim_rejected", func(t *testing.T) {
		if _, err := db.ClaimGuestToken(ctx, g.Token, 111, now.Add(25*time.Hour)); !errors.Is(err, ErrNotFound) {
			t.Errorf("expired claim = %v, want ErrNotFound", err)
		}
	})

	t.Run("guest_access_scopes_chat", func(t *testing.T) {
		ids, err := db.GuestVenueForChat(ctx, 111, now.Add(3*time.Hour))
		if err != nil || len(ids) != 1 || ids[0] != "venue-1" {
			t.Errorf("GuestVenueForChat = %v, %v", ids, err)
		}
		ids, _ = db.GuestVenueForChat(ctx, 222, now.Add(3*time.Hour))
		if len(ids) != 0 {
			t.Errorf("non-holder sees %v", ids)
		}
	})

	t.Run("sweep_removes_expired", func(t *testing.T) {
		n, err := db.SweepGuestTokens(ctx, now.Add(30*time.Hour))
		if err != nil || n != 1 {
			t.Errorf("SweepGuestTokens = %d, %v; want 1", n, err)
		}
	})
}

func TestMaintenanceWindows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 10, 0, 0, 0, time.UTC)

	windows := []MaintenanceWindow{
		{VenueID: "venue-1", StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour), Reason: "camera swap"},
		{VenueID: "venue-1", StartsAt: now.Add(48 * time.Hour), EndsAt: now.Add(50 * time.Hour)},
	}
	if err := db.ReplaceMaintenanceWindows(ctx, "venue-1", windows); err != nil {
		t.Fatalf("ReplaceMaintenanceWindows: %v", err)
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"inside_first", now, true},
		{"boundary_start_inclusive", now.Add(-time.Hour), true},
		{"boundary_end_exclusive", now.Add(time.Hour), false},
		{"between_windows", now.Add(24 * time.Hour), false},
		{"inside_second", now.Add(49 * time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.InMaintenance(ctx, "venue-1", tt.at)
			if err != nil {
				t.Fatalf("InMaintenance: %v", err)
			}
			if got != tt.want {
				t.Errorf("InMaintenance(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}

	t.Run("replace_clears_previous", func(t *testing.T) {
		if err := db.ReplaceMaintenanceWindows(ctx, "venue-1", nil); err != nil {
			t.Fatalf("ReplaceMaintenanceWindows: %v", err)
		}
		got, _ := db.InMaintenance(ctx, "venue-1", now)
		if got {
			t.Error("still in maintenance after clearing windows")
		}
	})
}

func TestRoster(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	e := &RosterEntry{
		VenueID: "venue-1", TelegramUserID: 42, TelegramChatID: 4242,
		Name: "Dana", RegisteredAt: now,
	}
	if err := db.UpsertRosterEntry(ctx, e); err != nil {
		t.Fatalf("UpsertRosterEntry: %v", err)
	}

	t.Run("reregister_updates_chat", func(t *testing.T) {
		e2 := *e
		e2.TelegramChatID = 9999
		e2.Phone = "+1 555 0100"
		if err := db.UpsertRosterEntry(ctx, &e2); err != nil {
			t.Fatalf("UpsertRosterEntry: %v", err)
		}
		entries, _ := db.VenueRoster(ctx, "venue-1")
		if len(entries) != 1 || entries[0].TelegramChatID != 9999 || entries[0].Phone != "+1 555 0100" {
			t.Errorf("roster = %+v", entries)
		}
	})

	t.Run("chat_to_venue_lookup", func(t *testing.T) {
		ids, err := db.VenuesForChat(ctx, 9999)
		if err != nil || len(ids) != 1 || ids[0] != "venue-1" {
			t.Errorf("VenuesForChat = %v, %v", ids, err)
		}
	})

	t.Run("deactivate_hides_entry", func(t *testing.T) {
		if err := db.DeactivateRosterEntry(ctx, "venue-1", 42); err != nil {
			t.Fatalf("DeactivateRosterEntry: %v", err)
		}
		entries, _ := db.VenueRoster(ctx, "venue-1")
		if len(entries) != 0 {
			t.Errorf("roster after deactivate = %+v", entries)
		}
		if err := db.DeactivateRosterEntry(ctx, "venue-1", 77); !errors.Is(err, ErrNotFound) {
			t.Errorf("deactivate unknown = %v, want ErrNotFound", err)
		}
	})
}

func TestNormalizeServiceTimes(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []ServiceTime
		wantErr bool
	}{
		{
			"canonical",
			`[{"dayOfWeek":0,"startHour":9,"startMin":30,"durationHours":2,"label":"first"}]`,
			[]ServiceTime{{DayOfWeek: 0, StartHour: 9, StartMin: 30, DurationHours: 2, Label: "first"}},
			false,
		},
		{
			"legacy_portal_shape",
			`[{"day":"Wednesday","time":"19:00","duration":1.5}]`,
			[]ServiceTime{{DayOfWeek: 3, StartHour: 19, StartMin: 0, DurationHours: 1.5}},
			false,
		},
		{"null_is_empty", `null`, []ServiceTime{}, false},
		{"empty_array", `[]`, []ServiceTime{}, false},
		{"bad_day_name", `[{"day":"someday","time":"09:00","duration":1}]`, nil, true},
		{"hour_out_of_range", `[{"dayOfWeek":0,"startHour":24,"startMin":0,"durationHours":1}]`, nil, true},
		{"zero_duration", `[{"dayOfWeek":0,"startHour":9,"startMin":0,"durationHours":0}]`, nil, true},
		{"not_an_array", `{"dayOfWeek":0}`, nil, true},
		{"bad_clock", `[{"day":"sunday","time":"morning","duration":1}]`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeServiceTimes(json.RawMessage(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeServiceTimes(%s) = %+v, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeServiceTimes: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("entry %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)
	// InitSchema already ran Migrate once; a second run must be a no-op.
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
