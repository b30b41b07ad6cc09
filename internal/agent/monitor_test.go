package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/agent/agentconfig"
	"github.com/stagewire/stagewire/internal/wire"
)

// platformStub serves both platform APIs from one listener: /liveBroadcasts
// for YouTube, /{page}/live_videos for Facebook.
func platformStub(t *testing.T, ytLive, fbLive *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/liveBroadcasts"):
			if r.URL.Query().Get("broadcastStatus") != "active" {
				t.Errorf("youtube probe broadcastStatus = %q, want active", r.URL.Query().Get("broadcastStatus"))
			}
			if ytLive.Load() {
				w.Write([]byte(`{"items":[{"id":"abc"}]}`))
			} else {
				w.Write([]byte(`{"items":[]}`))
			}
		case strings.HasSuffix(r.URL.Path, "/live_videos"):
			if fbLive.Load() {
				w.Write([]byte(`{"data":[{"status":"LIVE"}]}`))
			} else {
				w.Write([]byte(`{"data":[{"status":"VOD"}]}`))
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestMonitor(t *testing.T, cfg *agentconfig.Config) *healthMonitor {
	t.Helper()
	if cfg == nil {
		cfg = &agentconfig.Config{}
	}
	return newHealthMonitor(zerolog.Nop(), cfg)
}

func TestHealthMonitorPlatformProbes(t *testing.T) {
	var ytLive, fbLive atomic.Bool
	srv := platformStub(t, &ytLive, &fbLive)

	h := newTestMonitor(t, &agentconfig.Config{
		YouTubeAPIKey:       "yt-key",
		YouTubeChannelID:    "chan-1",
		FacebookPageID:      "page-1",
		FacebookAccessToken: "fb-token",
	})
	h.youtubeBase = srv.URL
	h.facebookBase = srv.URL

	// Both platforms see the stream: quiet.
	ytLive.Store(true)
	fbLive.Store(true)
	if got := h.check(context.Background(), true, 4000); len(got) != 0 {
		t.Fatalf("check with live platforms = %v, want none", issueTypes(got))
	}

	// Both go dark: one alert per platform, distinct messages.
	ytLive.Store(false)
	fbLive.Store(false)
	found := h.check(context.Background(), true, 4000)
	if len(found) != 2 {
		t.Fatalf("check with dark platforms returned %d issues, want 2", len(found))
	}
	for _, is := range found {
		if is.Type != "platform_no_broadcast" {
			t.Errorf("issue type = %s, want platform_no_broadcast", is.Type)
		}
		if is.Severity != wire.SeverityWarning {
			t.Errorf("severity = %s, want %s", is.Severity, wire.SeverityWarning)
		}
	}
	if found[0].Message == found[1].Message {
		t.Error("platform issues share a message, expected one per platform")
	}
}

func TestHealthMonitorNoCredentialsNoProbes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected probe %s with no credentials configured", r.URL.Path)
	}))
	defer srv.Close()

	h := newTestMonitor(t, nil)
	h.youtubeBase = srv.URL
	h.facebookBase = srv.URL

	if got := h.check(context.Background(), true, 4000); len(got) != 0 {
		t.Fatalf("check = %v, want none", issueTypes(got))
	}
}

func TestHealthMonitorProbeErrorStaysQuiet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	h := newTestMonitor(t, &agentconfig.Config{YouTubeAPIKey: "yt-key"})
	h.youtubeBase = srv.URL

	// An API failure is not evidence the broadcast is down.
	if got := h.check(context.Background(), true, 4000); len(got) != 0 {
		t.Fatalf("check with failing probe = %v, want none", issueTypes(got))
	}
}

func TestHealthMonitorBitrateDrop(t *testing.T) {
	h := newTestMonitor(t, nil)
	ctx := context.Background()

	// First window establishes the baseline.
	if got := h.check(ctx, true, 4000); len(got) != 0 {
		t.Fatalf("baseline window = %v, want none", issueTypes(got))
	}

	// 1200 < 40% of 4000: drop.
	found := h.check(ctx, true, 1200)
	if len(found) != 1 || found[0].Type != "bitrate_drop" {
		t.Fatalf("drop window = %v, want [bitrate_drop]", issueTypes(found))
	}
	if found[0].Severity != wire.SeverityWarning {
		t.Errorf("severity = %s, want %s", found[0].Severity, wire.SeverityWarning)
	}

	// Holding at the lower rate is not a further drop.
	if got := h.check(ctx, true, 1100); len(got) != 0 {
		t.Fatalf("steady window = %v, want none", issueTypes(got))
	}
}

func TestHealthMonitorBitrateDropGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("previous window below floor", func(t *testing.T) {
		h := newTestMonitor(t, nil)
		h.check(ctx, true, 400)
		if got := h.check(ctx, true, 50); len(got) != 0 {
			t.Fatalf("check = %v, want none", issueTypes(got))
		}
	})

	t.Run("unknown bitrate skips the rule", func(t *testing.T) {
		h := newTestMonitor(t, nil)
		h.check(ctx, true, 4000)
		if got := h.check(ctx, true, 0); len(got) != 0 {
			t.Fatalf("check = %v, want none", issueTypes(got))
		}
		// Baseline survives the unknown window.
		found := h.check(ctx, true, 1200)
		if len(found) != 1 || found[0].Type != "bitrate_drop" {
			t.Fatalf("check = %v, want [bitrate_drop]", issueTypes(found))
		}
	})

	t.Run("mild dip is fine", func(t *testing.T) {
		h := newTestMonitor(t, nil)
		h.check(ctx, true, 4000)
		if got := h.check(ctx, true, 2500); len(got) != 0 {
			t.Fatalf("check = %v, want none", issueTypes(got))
		}
	})
}

func TestHealthMonitorDedup(t *testing.T) {
	h := newTestMonitor(t, nil)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.clock = func() time.Time { return now }
	ctx := context.Background()

	h.check(ctx, true, 4000)
	if got := h.check(ctx, true, 1200); len(got) != 1 {
		t.Fatalf("first drop returned %d issues, want 1", len(got))
	}

	// Recover the baseline, drop again inside the quiet period: suppressed.
	h.check(ctx, true, 4000)
	now = now.Add(healthDedup - time.Minute)
	if got := h.check(ctx, true, 1200); len(got) != 0 {
		t.Fatalf("drop inside quiet period returned %d issues, want 0", len(got))
	}

	// And past it: raised again.
	h.check(ctx, true, 4000)
	now = now.Add(2 * time.Minute)
	if got := h.check(ctx, true, 1200); len(got) != 1 {
		t.Fatalf("drop after quiet period returned %d issues, want 1", len(got))
	}
}

func TestHealthMonitorNotStreamingResets(t *testing.T) {
	h := newTestMonitor(t, nil)
	ctx := context.Background()

	h.check(ctx, true, 4000)
	if got := h.check(ctx, false, 0); got != nil {
		t.Fatalf("check while idle = %v, want nil", issueTypes(got))
	}

	snap := h.Snapshot()
	if snap.Monitoring || snap.BaselineBitrate != 0 || snap.RecentBitrate != 0 {
		t.Fatalf("Snapshot after idle = %+v, want zeroed", snap)
	}

	// The stale baseline must not produce a phantom drop on restart.
	if got := h.check(ctx, true, 1200); len(got) != 0 {
		t.Fatalf("first window after restart = %v, want none", issueTypes(got))
	}
}

func TestHealthMonitorSnapshot(t *testing.T) {
	h := newTestMonitor(t, nil)
	h.check(context.Background(), true, 4000)

	snap := h.Snapshot()
	if !snap.Monitoring {
		t.Error("Monitoring = false, want true")
	}
	if snap.BaselineBitrate != 4000 {
		t.Errorf("BaselineBitrate = %d, want 4000", snap.BaselineBitrate)
	}
	if snap.RecentBitrate != 4000 {
		t.Errorf("RecentBitrate = %d, want 4000", snap.RecentBitrate)
	}
}

func TestHealthMonitorCredentialReload(t *testing.T) {
	var ytLive, fbLive atomic.Bool
	srv := platformStub(t, &ytLive, &fbLive)

	h := newTestMonitor(t, nil)
	h.youtubeBase = srv.URL
	h.facebookBase = srv.URL

	// No credentials: platform rules are off.
	if got := h.check(context.Background(), true, 4000); len(got) != 0 {
		t.Fatalf("check = %v, want none", issueTypes(got))
	}

	// Hot reload hands the monitor keys; the dark platform now alerts.
	h.SetCredentials(&agentconfig.Config{YouTubeAPIKey: "yt-key"})
	found := h.check(context.Background(), true, 4000)
	if len(found) != 1 || found[0].Type != "platform_no_broadcast" {
		t.Fatalf("check after reload = %v, want [platform_no_broadcast]", issueTypes(found))
	}
}
