package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/alerts"
	"github.com/stagewire/stagewire/internal/database"
	"github.com/stagewire/stagewire/internal/framestore"
	"github.com/stagewire/stagewire/internal/oncall"
	"github.com/stagewire/stagewire/internal/relay"
	"github.com/stagewire/stagewire/internal/schedule"
	"github.com/stagewire/stagewire/internal/token"
	"github.com/stagewire/stagewire/internal/wire"
)

const testKey = "test-api-key"

type testAPI struct {
	server   *httptest.Server
	db       *database.DB
	hub      *relay.Hub
	bus      *relay.EventBus
	frames   *framestore.Store
	rotation *oncall.Service
	pipeline *alerts.Pipeline
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := database.Open(ctx, filepath.Join(t.TempDir(), "relay.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	signer, err := token.NewSigner("test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	correlator := relay.NewCorrelator()
	t.Cleanup(correlator.Shutdown)
	bus := relay.NewEventBus(64)
	frames := framestore.New(zerolog.Nop())
	hub := relay.NewHub(zerolog.Nop(), db, signer, bus, frames, correlator, testKey)
	go hub.Run(ctx)

	queues := relay.NewQueues()
	dispatcher := relay.NewDispatcher(zerolog.Nop(), hub, queues, correlator)

	engine := schedule.NewEngine(zerolog.Nop(), db)
	pipeline := alerts.NewPipeline(zerolog.Nop(), db, engine, dispatcher)
	t.Cleanup(pipeline.Stop)
	rotation := oncall.NewService(zerolog.Nop(), db)

	router := NewRouter(testKey, Deps{
		DB:         db,
		Hub:        hub,
		Queues:     queues,
		Dispatcher: dispatcher,
		Bus:        bus,
		Frames:     frames,
		Alerts:     pipeline,
		Rotation:   rotation,
		Signer:     signer,
		Version:    "test",
		StartTime:  time.Now(),
	}, zerolog.Nop())

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testAPI{
		server:   server,
		db:       db,
		hub:      hub,
		bus:      bus,
		frames:   frames,
		rotation: rotation,
		pipeline: pipeline,
	}
}

// call performs an authenticated request and decodes the JSON response.
func (ta *testAPI) call(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ta.server.URL+path, reqBody)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("x-api-key", testKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("%s %s: invalid JSON %q: %v", method, path, data, err)
		}
	}
	return resp.StatusCode, decoded
}

func (ta *testAPI) registerVenue(t *testing.T, name string) string {
	t.Helper()
	status, body := ta.call(t, "POST", "/api/venues/register", map[string]any{"name": name})
	if status != http.StatusCreated {
		t.Fatalf("register %s: status %d, body %v", name, status, body)
	}
	id, _ := body["venueId"].(string)
	if id == "" {
		t.Fatalf("register %s: no venueId in %v", name, body)
	}
	return id
}

func TestAuthRequired(t *testing.T) {
	ta := newTestAPI(t)

	resp, err := http.Get(ta.server.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated /api/health = %d, want 401", resp.StatusCode)
	}

	// /metrics stays open.
	resp, err = http.Get(ta.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVenue(t, "Grace Street")

	status, body := ta.call(t, "GET", "/api/health", nil)
	if status != http.StatusOK {
		t.Fatalf("health = %d", status)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}
	if body["registeredVenues"] != float64(1) {
		t.Errorf("registeredVenues = %v, want 1", body["registeredVenues"])
	}
	if body["connectedVenues"] != float64(0) {
		t.Errorf("connectedVenues = %v, want 0", body["connectedVenues"])
	}
}

func TestVenueRegistration(t *testing.T) {
	ta := newTestAPI(t)

	status, body := ta.call(t, "POST", "/api/venues/register", map[string]any{
		"name":  "Grace Street",
		"email": "td@gracest.example",
	})
	if status != http.StatusCreated {
		t.Fatalf("register = %d, body %v", status, body)
	}
	tok, _ := body["token"].(string)
	if tok == "" {
		t.Error("no token in response")
	}
	code, _ := body["registrationCode"].(string)
	if len(code) != 6 || code != strings.ToUpper(code) {
		t.Errorf("registrationCode = %q, want 6-char uppercase hex", code)
	}

	// Duplicate name conflicts.
	status, _ = ta.call(t, "POST", "/api/venues/register", map[string]any{"name": "Grace Street"})
	if status != http.StatusConflict {
		t.Errorf("duplicate register = %d, want 409", status)
	}

	// Missing name rejected.
	status, _ = ta.call(t, "POST", "/api/venues/register", map[string]any{"email": "x@y.z"})
	if status != http.StatusBadRequest {
		t.Errorf("nameless register = %d, want 400", status)
	}

	// Event venues need an expiry.
	status, _ = ta.call(t, "POST", "/api/venues/register", map[string]any{
		"name": "Summer Festival", "scheduleType": "event",
	})
	if status != http.StatusBadRequest {
		t.Errorf("event without expiresAt = %d, want 400", status)
	}
	status, _ = ta.call(t, "POST", "/api/venues/register", map[string]any{
		"name": "Summer Festival", "scheduleType": "event",
		"expiresAt": time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
	})
	if status != http.StatusCreated {
		t.Errorf("event register = %d, want 201", status)
	}
}

func TestVenueListAndDetail(t *testing.T) {
	ta := newTestAPI(t)
	id := ta.registerVenue(t, "Grace Street")

	status, body := ta.call(t, "GET", "/api/venues", nil)
	if status != http.StatusOK {
		t.Fatalf("list = %d", status)
	}
	if body["total"] != float64(1) {
		t.Errorf("total = %v", body["total"])
	}

	status, detail := ta.call(t, "GET", "/api/venues/"+id, nil)
	if status != http.StatusOK {
		t.Fatalf("detail = %d", status)
	}
	if detail["name"] != "Grace Street" {
		t.Errorf("name = %v", detail["name"])
	}
	if detail["connected"] != false {
		t.Errorf("connected = %v, want false", detail["connected"])
	}

	status, _ = ta.call(t, "GET", "/api/venues/nope", nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown venue = %d, want 404", status)
	}
}

func TestVenueSchedule(t *testing.T) {
	ta := newTestAPI(t)
	id := ta.registerVenue(t, "Grace Street")

	status, body := ta.call(t, "PUT", "/api/venues/"+id+"/schedule", map[string]any{
		"serviceTimes": []map[string]any{
			{"dayOfWeek": 0, "startHour": 9, "startMin": 0, "durationHours": 2, "label": "Morning"},
			{"day": "sunday", "time": "18:30", "duration": 1.5},
		},
	})
	if status != http.StatusOK || body["saved"] != true {
		t.Fatalf("schedule = %d, body %v", status, body)
	}

	_, detail := ta.call(t, "GET", "/api/venues/"+id, nil)
	times, _ := detail["serviceTimes"].([]any)
	if len(times) != 2 {
		t.Fatalf("serviceTimes = %v", detail["serviceTimes"])
	}
	second, _ := times[1].(map[string]any)
	if second["startHour"] != float64(18) || second["startMin"] != float64(30) {
		t.Errorf("legacy shape not normalized: %v", second)
	}

	// Out-of-range entries rejected.
	status, _ = ta.call(t, "PUT", "/api/venues/"+id+"/schedule", map[string]any{
		"serviceTimes": []map[string]any{{"dayOfWeek": 9, "startHour": 9}},
	})
	if status != http.StatusBadRequest {
		t.Errorf("bad schedule = %d, want 400", status)
	}
}

func TestVenueMaintenance(t *testing.T) {
	ta := newTestAPI(t)
	id := ta.registerVenue(t, "Grace Street")

	now := time.Now().UTC()
	status, body := ta.call(t, "PUT", "/api/venues/"+id+"/maintenance", map[string]any{
		"windows": []map[string]any{{
			"startsAt": now.Format(time.RFC3339),
			"endsAt":   now.Add(2 * time.Hour).Format(time.RFC3339),
			"reason":   "rewiring FOH",
		}},
	})
	if status != http.StatusOK || body["saved"] != true {
		t.Fatalf("maintenance = %d, body %v", status, body)
	}

	_, detail := ta.call(t, "GET", "/api/venues/"+id, nil)
	windows, _ := detail["maintenanceWindows"].([]any)
	if len(windows) != 1 {
		t.Fatalf("maintenanceWindows = %v", detail["maintenanceWindows"])
	}

	// Inverted window rejected.
	status, _ = ta.call(t, "PUT", "/api/venues/"+id+"/maintenance", map[string]any{
		"windows": []map[string]any{{
			"startsAt": now.Add(time.Hour).Format(time.RFC3339),
			"endsAt":   now.Format(time.RFC3339),
		}},
	})
	if status != http.StatusBadRequest {
		t.Errorf("inverted window = %d, want 400", status)
	}
}

func TestVenueDelete(t *testing.T) {
	ta := newTestAPI(t)
	id := ta.registerVenue(t, "Grace Street")

	status, body := ta.call(t, "DELETE", "/api/venues/"+id, nil)
	if status != http.StatusOK || body["deleted"] != true {
		t.Fatalf("delete = %d, body %v", status, body)
	}

	status, _ = ta.call(t, "GET", "/api/venues/"+id, nil)
	if status != http.StatusNotFound {
		t.Errorf("after delete = %d, want 404", status)
	}

	status, _ = ta.call(t, "DELETE", "/api/venues/"+id, nil)
	if status != http.StatusNotFound {
		t.Errorf("double delete = %d, want 404", status)
	}
}

func TestVenuePreview(t *testing.T) {
	ta := newTestAPI(t)
	id := ta.registerVenue(t, "Grace Street")

	st, _ := ta.call(t, "GET", "/api/venues/"+id+"/preview", nil)
	if st != http.StatusNotFound {
		t.Errorf("no frame = %d, want 404", st)
	}

	ta.frames.Put(id, wire.PreviewFrame{
		Type:      "preview_frame",
		Timestamp: time.Now().UnixMilli(),
		Width:     960,
		Height:    540,
		Format:    "jpeg",
		Data:      "aGVsbG8=",
	})
	st, body := ta.call(t, "GET", "/api/venues/"+id+"/preview", nil)
	if st != http.StatusOK {
		t.Fatalf("preview = %d", st)
	}
	if body["format"] != "jpeg" || body["data"] != "aGVsbG8=" {
		t.Errorf("frame = %v", body)
	}
}

func TestCommandInjection(t *testing.T) {
	ta := newTestAPI(t)
	id := ta.registerVenue(t, "Grace Street")

	// No agent session and never connected: service unavailable.
	status, body := ta.call(t, "POST", "/api/command", map[string]any{
		"venueId": id, "command": "switcher.cut",
	})
	if status != http.StatusServiceUnavailable {
		t.Errorf("offline dispatch = %d, body %v, want 503", status, body)
	}

	// Unknown venue 404s.
	status, _ = ta.call(t, "POST", "/api/command", map[string]any{
		"venueId": "nope", "command": "switcher.cut",
	})
	if status != http.StatusNotFound {
		t.Errorf("unknown venue dispatch = %d, want 404", status)
	}

	// Missing fields 400.
	status, _ = ta.call(t, "POST", "/api/command", map[string]any{"venueId": id})
	if status != http.StatusBadRequest {
		t.Errorf("missing command = %d, want 400", status)
	}
}

func TestBroadcast(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVenue(t, "Grace Street")
	ta.registerVenue(t, "North Campus")

	status, body := ta.call(t, "POST", "/api/broadcast", map[string]any{
		"command": "system.status",
	})
	if status != http.StatusOK {
		t.Fatalf("broadcast = %d", status)
	}
	if body["sent"] != float64(0) || body["total"] != float64(2) {
		t.Errorf("broadcast = %v, want sent 0 total 2", body)
	}
}

func TestAlertsEndpoints(t *testing.T) {
	ta := newTestAPI(t)
	id := ta.registerVenue(t, "Grace Street")

	a := ta.pipeline.Raise(context.Background(), id, "Grace Street", "stream_stopped", "Stream stopped unexpectedly", nil)
	if a == nil {
		t.Fatal("Raise returned nil")
	}

	status, body := ta.call(t, "GET", "/api/alerts", nil)
	if status != http.StatusOK {
		t.Fatalf("list alerts = %d", status)
	}
	if body["total"] != float64(1) {
		t.Fatalf("total = %v, body %v", body["total"], body)
	}

	// Filter by another venue: empty.
	status, body = ta.call(t, "GET", "/api/alerts?venueId=other", nil)
	if status != http.StatusOK || body["total"] != float64(0) {
		t.Errorf("filtered list = %d %v", status, body)
	}

	// Acknowledge with the 8-char prefix, like the chat token.
	prefix := strings.ReplaceAll(a.ID, "-", "")[:8]
	status, body = ta.call(t, "POST", "/api/alerts/"+prefix+"/acknowledge", map[string]any{
		"responder": "Jordan",
	})
	if status != http.StatusOK || body["acknowledged"] != true {
		t.Fatalf("ack = %d, body %v", status, body)
	}

	status, _ = ta.call(t, "POST", "/api/alerts/ffffffff/acknowledge", map[string]any{
		"responder": "Jordan",
	})
	if status != http.StatusNotFound {
		t.Errorf("unknown ack = %d, want 404", status)
	}

	status, _ = ta.call(t, "POST", "/api/alerts/"+prefix+"/acknowledge", map[string]any{})
	if status != http.StatusBadRequest {
		t.Errorf("ack without responder = %d, want 400", status)
	}
}

func TestSetOnCall(t *testing.T) {
	ta := newTestAPI(t)
	id := ta.registerVenue(t, "Grace Street")

	code := venueCode(t, ta, id)
	if _, err := ta.rotation.Register(context.Background(), code, "Jordan Reyes", 100, 200); err != nil {
		t.Fatalf("rotation register: %v", err)
	}

	status, body := ta.call(t, "POST", "/api/oncall/"+id, map[string]any{"name": "jordan"})
	if status != http.StatusOK {
		t.Fatalf("set oncall = %d, body %v", status, body)
	}
	if body["assigned"] != "Jordan Reyes" {
		t.Errorf("assigned = %v", body["assigned"])
	}

	status, _ = ta.call(t, "POST", "/api/oncall/"+id, map[string]any{"name": "nobody"})
	if status != http.StatusNotFound {
		t.Errorf("unknown TD = %d, want 404", status)
	}
}

func venueCode(t *testing.T, ta *testAPI, id string) string {
	t.Helper()
	v, err := ta.db.GetVenue(context.Background(), id)
	if err != nil {
		t.Fatalf("GetVenue: %v", err)
	}
	return v.RegistrationCode
}

func TestQueryEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVenue(t, "Grace Street")

	status, body := ta.call(t, "POST", "/api/query", map[string]any{
		"sql": "SELECT name FROM venues ORDER BY name",
	})
	if status != http.StatusOK {
		t.Fatalf("query = %d, body %v", status, body)
	}
	if body["rowCount"] != float64(1) {
		t.Errorf("rowCount = %v", body["rowCount"])
	}

	status, _ = ta.call(t, "POST", "/api/query", map[string]any{
		"sql": "DELETE FROM venues",
	})
	if status != http.StatusBadRequest {
		t.Errorf("write query = %d, want 400", status)
	}

	status, _ = ta.call(t, "POST", "/api/query", map[string]any{
		"sql": "SELECT 1; SELECT 2",
	})
	if status != http.StatusBadRequest {
		t.Errorf("stacked query = %d, want 400", status)
	}
}

func TestDashboardStream(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVenue(t, "Grace Street")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ta.server.URL+"/api/dashboard/stream?apikey="+testKey, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)

	// First frame is the venue_list snapshot.
	sawSnapshot := false
	for i := 0; i < 10; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read snapshot: %v", err)
		}
		if strings.HasPrefix(line, "event: venue_list") {
			sawSnapshot = true
		}
		if line == "\n" && sawSnapshot {
			break
		}
	}
	if !sawSnapshot {
		t.Fatal("no venue_list snapshot frame")
	}

	// A bus publish shows up as an SSE frame with its event id.
	ta.bus.Publish("alert", "v1", "Grace Street", map[string]any{"alertType": "stream_stopped"})

	deadline := time.Now().Add(3 * time.Second)
	var sawAlert bool
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "event: alert") {
			sawAlert = true
			break
		}
	}
	if !sawAlert {
		t.Fatal("published event never reached the SSE stream")
	}
}

func TestDashboardReplay(t *testing.T) {
	ta := newTestAPI(t)

	// Publish two events, note the first id, reconnect with Last-Event-ID.
	ta.bus.Publish("status_update", "v1", "Grace Street", map[string]any{"n": 1})
	ta.bus.Publish("status_update", "v1", "Grace Street", map[string]any{"n": 2})

	events := ta.bus.ReplaySince("", relay.EventFilter{})
	if len(events) < 2 {
		t.Fatalf("ring holds %d events, want 2", len(events))
	}
	firstID := events[0].ID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ta.server.URL+"/api/dashboard/stream?apikey="+testKey, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Last-Event-ID", firstID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(3 * time.Second)
	var replayed []string
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "id: ") {
			replayed = append(replayed, strings.TrimSpace(strings.TrimPrefix(line, "id: ")))
		}
		// Stop once we've seen the replayed second event.
		if len(replayed) >= 1 && replayed[len(replayed)-1] == events[1].ID {
			break
		}
	}
	if len(replayed) == 0 || replayed[len(replayed)-1] != events[1].ID {
		t.Fatalf("replay ids = %v, want to end with %s", replayed, events[1].ID)
	}
	for _, id := range replayed {
		if id == firstID {
			t.Error("replay included the Last-Event-ID event itself")
		}
	}
}

func TestRequestIDPropagation(t *testing.T) {
	ta := newTestAPI(t)

	req, _ := http.NewRequest("GET", ta.server.URL+"/api/health", nil)
	req.Header.Set("x-api-key", testKey)
	req.Header.Set("X-Request-ID", "trace-me")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "trace-me" {
		t.Errorf("X-Request-ID = %q, want trace-me", got)
	}
}
