package oncall

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/database"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	db, err := database.Open(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return db
}

func testService(t *testing.T) (*Service, *database.DB) {
	t.Helper()
	db := testDB(t)
	svc := NewService(zerolog.Nop(), db)
	return svc, db
}

func seedVenue(t *testing.T, db *database.DB, id, code string) {
	t.Helper()
	err := db.CreateVenue(context.Background(), &database.Venue{
		ID:               id,
		Name:             id,
		RegistrationCode: code,
		RegisteredAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateVenue: %v", err)
	}
}

func TestWeekKey(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"midyear", time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC), "2026-W35"},
		{"year boundary belongs to prior ISO year", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), "2026-W53"},
		{"single digit week zero padded", time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC), "2026-W02"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WeekKey(tt.t); got != tt.want {
				t.Errorf("WeekKey(%v) = %q, want %q", tt.t, got, tt.want)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	svc, db := testService(t)
	seedVenue(t, db, "grace-st", "GRACE1")
	ctx := context.Background()

	v, err := svc.Register(ctx, " grace1 ", "Jordan", 100, 200)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if v.ID != "grace-st" {
		t.Errorf("venue = %q, want grace-st", v.ID)
	}

	// Registration lands in both the roster and the rotation pool.
	roster, err := db.VenueRoster(ctx, "grace-st")
	if err != nil {
		t.Fatalf("VenueRoster: %v", err)
	}
	if len(roster) != 1 || roster[0].Name != "Jordan" {
		t.Errorf("roster = %+v, want single entry Jordan", roster)
	}
	cur, err := svc.Current(ctx, "grace-st")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.TDName != "Jordan" {
		t.Errorf("current on-call = %q, want Jordan", cur.TDName)
	}

	if _, err := svc.Register(ctx, "NOPE", "Casey", 1, 2); err == nil {
		t.Error("Register with unknown code should fail")
	}
}

func TestSetByNameFuzzy(t *testing.T) {
	svc, db := testService(t)
	seedVenue(t, db, "grace-st", "GRACE1")
	ctx := context.Background()

	for i, name := range []string{"Jordan Reyes", "Sam Okafor", "Marisol Jordan"} {
		if _, err := svc.Register(ctx, "GRACE1", name, int64(100+i), int64(200+i)); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"prefix beats substring", "jordan", "Jordan Reyes"},
		{"substring fallback", "okaf", "Sam Okafor"},
		{"case insensitive", "SAM", "Sam Okafor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.SetByName(ctx, "grace-st", tt.query)
			if err != nil {
				t.Fatalf("SetByName(%q): %v", tt.query, err)
			}
			if got.TDName != tt.want {
				t.Errorf("SetByName(%q) = %q, want %q", tt.query, got.TDName, tt.want)
			}
			cur, err := svc.Current(ctx, "grace-st")
			if err != nil {
				t.Fatalf("Current: %v", err)
			}
			if cur.TDName != tt.want {
				t.Errorf("current after assign = %q, want %q", cur.TDName, tt.want)
			}
		})
	}

	if _, err := svc.SetByName(ctx, "grace-st", "zz"); err == nil {
		t.Error("SetByName with no match should fail")
	}
	if _, err := svc.SetByName(ctx, "grace-st", "  "); err == nil {
		t.Error("SetByName with blank name should fail")
	}
}

func TestSwapLifecycle(t *testing.T) {
	svc, db := testService(t)
	seedVenue(t, db, "grace-st", "GRACE1")
	ctx := context.Background()

	if _, err := svc.Register(ctx, "GRACE1", "Jordan", 100, 200); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, "GRACE1", "Sam", 101, 201); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SetByName(ctx, "grace-st", "Jordan"); err != nil {
		t.Fatal(err)
	}

	req, err := svc.RequestSwap(ctx, "grace-st", 200, "Jordan", "sam")
	if err != nil {
		t.Fatalf("RequestSwap: %v", err)
	}
	if req.TargetName != "Sam" || req.TargetChat != 201 {
		t.Errorf("swap target = %q/%d, want Sam/201", req.TargetName, req.TargetChat)
	}
	if !svc.PendingSwapFor(201) {
		t.Error("PendingSwapFor(target) = false, want true")
	}
	if svc.PendingSwapFor(999) {
		t.Error("PendingSwapFor(stranger) = true, want false")
	}

	done, err := svc.ConfirmSwap(ctx, 201)
	if err != nil {
		t.Fatalf("ConfirmSwap: %v", err)
	}
	if done.Key != req.Key {
		t.Errorf("confirmed key = %q, want %q", done.Key, req.Key)
	}
	cur, err := svc.Current(ctx, "grace-st")
	if err != nil {
		t.Fatal(err)
	}
	if cur.TDName != "Sam" {
		t.Errorf("on-call after swap = %q, want Sam", cur.TDName)
	}

	// A confirmed swap is consumed.
	if _, err := svc.ConfirmSwap(ctx, 201); err == nil {
		t.Error("second ConfirmSwap should fail")
	}
}

func TestSwapValidation(t *testing.T) {
	svc, db := testService(t)
	seedVenue(t, db, "grace-st", "GRACE1")
	ctx := context.Background()

	if _, err := svc.Register(ctx, "GRACE1", "Jordan", 100, 200); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.RequestSwap(ctx, "grace-st", 200, "Jordan", "jordan"); err == nil {
		t.Error("swap with yourself should fail")
	}
	if _, err := svc.RequestSwap(ctx, "grace-st", 200, "Jordan", "nobody"); err == nil {
		t.Error("swap with unknown TD should fail")
	}
}

func TestSwapExpiry(t *testing.T) {
	svc, db := testService(t)
	seedVenue(t, db, "grace-st", "GRACE1")
	ctx := context.Background()

	if _, err := svc.Register(ctx, "GRACE1", "Jordan", 100, 200); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, "GRACE1", "Sam", 101, 201); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return now }

	if _, err := svc.RequestSwap(ctx, "grace-st", 200, "Jordan", "Sam"); err != nil {
		t.Fatal(err)
	}

	now = now.Add(swapTTL + time.Minute)
	if svc.PendingSwapFor(201) {
		t.Error("expired swap still pending")
	}
	if _, err := svc.ConfirmSwap(ctx, 201); err == nil {
		t.Error("ConfirmSwap after expiry should fail")
	}
}

func TestConfirmOldestSwapFirst(t *testing.T) {
	svc, db := testService(t)
	seedVenue(t, db, "grace-st", "GRACE1")
	ctx := context.Background()

	for i, name := range []string{"Jordan", "Sam", "Marisol"} {
		if _, err := svc.Register(ctx, "GRACE1", name, int64(100+i), int64(200+i)); err != nil {
			t.Fatal(err)
		}
	}

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return now }

	first, err := svc.RequestSwap(ctx, "grace-st", 200, "Jordan", "Marisol")
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)
	if _, err := svc.RequestSwap(ctx, "grace-st", 201, "Sam", "Marisol"); err != nil {
		t.Fatal(err)
	}

	done, err := svc.ConfirmSwap(ctx, 202)
	if err != nil {
		t.Fatal(err)
	}
	if done.Key != first.Key {
		t.Errorf("confirmed %q (from %s), want oldest %q (from Jordan)",
			done.Key, done.RequesterName, first.Key)
	}
}

func TestGuestTokenLifecycle(t *testing.T) {
	svc, db := testService(t)
	seedVenue(t, db, "grace-st", "GRACE1")
	ctx := context.Background()

	g, err := svc.IssueGuestToken(ctx, "grace-st", "Visiting Tech")
	if err != nil {
		t.Fatalf("IssueGuestToken: %v", err)
	}
	if len(g.Token) != len("GUEST-")+8 {
		t.Errorf("token %q has unexpected shape", g.Token)
	}
	if got := g.ExpiresAt.Sub(g.CreatedAt); got != guestTTL {
		t.Errorf("token lifetime = %v, want %v", got, guestTTL)
	}

	claimed, v, err := svc.ClaimGuest(ctx, g.Token, 500)
	if err != nil {
		t.Fatalf("ClaimGuest: %v", err)
	}
	if v.ID != "grace-st" || claimed.ClaimedByChatID != 500 {
		t.Errorf("claim = venue %q chat %d, want grace-st/500", v.ID, claimed.ClaimedByChatID)
	}

	// First claim wins; a different chat is rejected, the same chat is not.
	if _, _, err := svc.ClaimGuest(ctx, g.Token, 501); err == nil {
		t.Error("second chat claiming should fail")
	}
	if _, _, err := svc.ClaimGuest(ctx, g.Token, 500); err != nil {
		t.Errorf("re-claim from same chat: %v", err)
	}

	venues, err := svc.VenuesForChat(ctx, 500)
	if err != nil {
		t.Fatal(err)
	}
	if len(venues) != 1 || venues[0] != "grace-st" {
		t.Errorf("VenuesForChat = %v, want [grace-st]", venues)
	}

	if _, err := svc.IssueGuestToken(ctx, "no-such-venue", "X"); err == nil {
		t.Error("IssueGuestToken for unknown venue should fail")
	}
}

func TestGuestSweep(t *testing.T) {
	svc, db := testService(t)
	seedVenue(t, db, "grace-st", "GRACE1")
	ctx := context.Background()

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return now }

	g, err := svc.IssueGuestToken(ctx, "grace-st", "Visiting Tech")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.ClaimGuest(ctx, g.Token, 500); err != nil {
		t.Fatal(err)
	}

	now = now.Add(guestTTL + time.Minute)
	svc.sweep(ctx)

	venues, err := svc.VenuesForChat(ctx, 500)
	if err != nil {
		t.Fatal(err)
	}
	if len(venues) != 0 {
		t.Errorf("VenuesForChat after sweep = %v, want empty", venues)
	}
	if _, _, err := svc.ClaimGuest(ctx, g.Token, 500); err == nil {
		t.Error("claiming a swept token should fail")
	}
}

func TestVenuesForChatMergesRosterAndGuest(t *testing.T) {
	svc, db := testService(t)
	seedVenue(t, db, "grace-st", "GRACE1")
	seedVenue(t, db, "north-campus", "NORTH1")
	ctx := context.Background()

	if _, err := svc.Register(ctx, "GRACE1", "Jordan", 100, 200); err != nil {
		t.Fatal(err)
	}
	g, err := svc.IssueGuestToken(ctx, "north-campus", "Jordan")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.ClaimGuest(ctx, g.Token, 200); err != nil {
		t.Fatal(err)
	}

	venues, err := svc.VenuesForChat(ctx, 200)
	if err != nil {
		t.Fatal(err)
	}
	if len(venues) != 2 {
		t.Fatalf("VenuesForChat = %v, want both venues", venues)
	}
	seen := map[string]bool{venues[0]: true, venues[1]: true}
	if !seen["grace-st"] || !seen["north-campus"] {
		t.Errorf("VenuesForChat = %v, want grace-st and north-campus", venues)
	}
}
