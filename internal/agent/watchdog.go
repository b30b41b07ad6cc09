package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/stagewire/stagewire/internal/wire"
)

// watchdogDedup is the per-alert-type quiet period. Reconnecting to the
// relay clears the flags so conditions that persisted across an outage are
// re-raised where the relay can hear them.
const watchdogDedup = 5 * time.Minute

// issue is one alert the watchdog or a monitor wants raised.
type issue struct {
	Type     string
	Severity string
	Message  string
}

// watchdog turns telemetry snapshots into alerts. It only reads state;
// recovery belongs to the relay's pipeline and the operators.
type watchdog struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	clock    func() time.Time
}

func newWatchdog() *watchdog {
	return &watchdog{
		lastSent: make(map[string]time.Time),
		clock:    time.Now,
	}
}

// clearDedup forgets the quiet periods, typically on relay reconnect.
func (w *watchdog) clearDedup() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSent = make(map[string]time.Time)
}

// evaluate applies the rules to one snapshot and returns the alerts that are
// due now, already dedup-filtered.
func (w *watchdog) evaluate(snap wire.TelemetrySnapshot) []issue {
	var found []issue

	if snap.Switcher != nil && !snap.Switcher.Connected {
		found = append(found, issue{
			Type:     "switcher_disconnected",
			Severity: wire.SeverityCritical,
			Message:  "Switcher is configured but not connected",
		})
	}
	if snap.Streamer != nil {
		switch {
		case !snap.Streamer.Connected:
			found = append(found, issue{
				Type:     "streamer_disconnected",
				Severity: wire.SeverityWarning,
				Message:  "Streaming software is not responding",
			})
		case snap.Streamer.Streaming:
			if snap.Streamer.FPS > 0 && snap.Streamer.FPS < 24 {
				found = append(found, issue{
					Type:     "fps_low",
					Severity: wire.SeverityWarning,
					Message:  fmt.Sprintf("Encoder running at %.1f fps while streaming", snap.Streamer.FPS),
				})
			}
			if snap.Streamer.Bitrate > 0 && snap.Streamer.Bitrate < 1000 {
				found = append(found, issue{
					Type:     "bitrate_low",
					Severity: wire.SeverityWarning,
					Message:  fmt.Sprintf("Stream bitrate down to %d kbps", snap.Streamer.Bitrate),
				})
			}
		}
	}

	if len(found) >= 3 {
		found = append(found, issue{
			Type:     "multiple_systems_down",
			Severity: wire.SeverityEmergency,
			Message:  fmt.Sprintf("%d production systems failing at once", len(found)),
		})
	}

	return w.dedup(found)
}

// dedup drops issues raised within the quiet period and stamps the rest.
func (w *watchdog) dedup(found []issue) []issue {
	if len(found) == 0 {
		return nil
	}
	now := w.clock()
	w.mu.Lock()
	defer w.mu.Unlock()

	due := found[:0]
	for _, is := range found {
		if last, ok := w.lastSent[is.Type]; ok && now.Sub(last) < watchdogDedup {
			continue
		}
		w.lastSent[is.Type] = now
		due = append(due, is)
	}
	return due
}
