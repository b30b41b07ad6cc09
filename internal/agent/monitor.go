package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/agent/agentconfig"
	"github.com/stagewire/stagewire/internal/wire"
)

const (
	// healthInterval is the stream-health evaluation period.
	healthInterval = 60 * time.Second

	// healthDedup quiets repeats of the same health alert key.
	healthDedup = 10 * time.Minute

	// bitrateDropRatio and bitrateDropFloor define a drop: current below
	// 40% of the previous window, and the previous window above 500 kbps
	// so an idle encoder never "drops".
	bitrateDropRatio = 0.4
	bitrateDropFloor = 500
)

const (
	defaultYouTubeBase  = "https://www.googleapis.com/youtube/v3"
	defaultFacebookBase = "https://graph.facebook.com/v19.0"
)

// healthMonitor watches the stream from the outside: platform APIs that
// should show a live broadcast, and the bitrate trend across windows.
type healthMonitor struct {
	log    zerolog.Logger
	client *http.Client

	youtubeBase  string
	facebookBase string

	mu          sync.Mutex
	ytKey       string
	ytChannel   string
	fbPage      string
	fbToken     string
	lastAlert   map[string]time.Time
	prevBitrate int
	recent      int
	monitoring  bool
	clock       func() time.Time
}

func newHealthMonitor(log zerolog.Logger, cfg *agentconfig.Config) *healthMonitor {
	h := &healthMonitor{
		log:          log.With().Str("component", "stream-health").Logger(),
		client:       &http.Client{Timeout: 10 * time.Second},
		youtubeBase:  defaultYouTubeBase,
		facebookBase: defaultFacebookBase,
		lastAlert:    make(map[string]time.Time),
		clock:        time.Now,
	}
	h.SetCredentials(cfg)
	return h
}

// SetCredentials swaps the platform credentials, for config hot reload.
func (h *healthMonitor) SetCredentials(cfg *agentconfig.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ytKey = cfg.YouTubeAPIKey
	h.ytChannel = cfg.YouTubeChannelID
	h.fbPage = cfg.FacebookPageID
	h.fbToken = cfg.FacebookAccessToken
}

// Snapshot reports monitor state for telemetry.
func (h *healthMonitor) Snapshot() wire.StreamHealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return wire.StreamHealthStatus{
		Monitoring:      h.monitoring,
		BaselineBitrate: h.prevBitrate,
		RecentBitrate:   h.recent,
	}
}

// check evaluates one window. bitrate is the current encoder output in kbps;
// zero means unknown and skips the trend rule for this window.
func (h *healthMonitor) check(ctx context.Context, streaming bool, bitrate int) []issue {
	h.mu.Lock()
	h.monitoring = streaming
	if !streaming {
		h.prevBitrate = 0
		h.recent = 0
		h.mu.Unlock()
		return nil
	}
	prev := h.prevBitrate
	h.recent = bitrate
	if bitrate > 0 {
		h.prevBitrate = bitrate
	}
	ytKey, ytChannel := h.ytKey, h.ytChannel
	fbPage, fbToken := h.fbPage, h.fbToken
	h.mu.Unlock()

	var found []issue

	if ytKey != "" {
		live, err := h.probeYouTube(ctx, ytKey, ytChannel)
		if err != nil {
			h.log.Debug().Err(err).Msg("youtube probe failed")
		} else if !live {
			found = append(found, issue{
				Type:     "platform_no_broadcast",
				Severity: wire.SeverityWarning,
				Message:  "YouTube shows no active broadcast while the encoder is streaming",
			})
		}
	}
	if fbToken != "" && fbPage != "" {
		live, err := h.probeFacebook(ctx, fbPage, fbToken)
		if err != nil {
			h.log.Debug().Err(err).Msg("facebook probe failed")
		} else if !live {
			found = append(found, issue{
				Type:     "platform_no_broadcast",
				Severity: wire.SeverityWarning,
				Message:  "Facebook shows no LIVE video while the encoder is streaming",
			})
		}
	}

	if prev > bitrateDropFloor && bitrate > 0 && float64(bitrate) < float64(prev)*bitrateDropRatio {
		found = append(found, issue{
			Type:     "bitrate_drop",
			Severity: wire.SeverityWarning,
			Message:  fmt.Sprintf("Bitrate fell from %d to %d kbps in one minute", prev, bitrate),
		})
	}

	return h.dedup(found)
}

// dedup keys on type plus message prefix so the two platforms alert
// independently while each stays quiet for the window.
func (h *healthMonitor) dedup(found []issue) []issue {
	if len(found) == 0 {
		return nil
	}
	now := h.clock()
	h.mu.Lock()
	defer h.mu.Unlock()

	due := found[:0]
	for _, is := range found {
		key := is.Type + "|" + is.Message[:min(len(is.Message), 16)]
		if last, ok := h.lastAlert[key]; ok && now.Sub(last) < healthDedup {
			continue
		}
		h.lastAlert[key] = now
		due = append(due, is)
	}
	return due
}

// probeYouTube asks for active broadcasts; an empty item list means the
// platform does not see the stream.
func (h *healthMonitor) probeYouTube(ctx context.Context, key, channel string) (bool, error) {
	q := url.Values{
		"part":            {"id"},
		"broadcastStatus": {"active"},
		"key":             {key},
	}
	if channel != "" {
		q.Set("channelId", channel)
	}
	var out struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := h.getJSON(ctx, h.youtubeBase+"/liveBroadcasts?"+q.Encode(), &out); err != nil {
		return false, err
	}
	return len(out.Items) > 0, nil
}

// probeFacebook lists the page's live videos and looks for status LIVE.
func (h *healthMonitor) probeFacebook(ctx context.Context, page, token string) (bool, error) {
	q := url.Values{
		"fields":       {"status"},
		"access_token": {token},
	}
	var out struct {
		Data []struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	u := fmt.Sprintf("%s/%s/live_videos?%s", h.facebookBase, url.PathEscape(page), q.Encode())
	if err := h.getJSON(ctx, u, &out); err != nil {
		return false, err
	}
	for _, v := range out.Data {
		if v.Status == "LIVE" {
			return true, nil
		}
	}
	return false, nil
}

func (h *healthMonitor) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("platform API status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
