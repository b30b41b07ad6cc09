package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/stagewire/stagewire/internal/wire"
)

// registerSystem covers the agent-level groups: system.*, preview.*,
// audio.*, health.*. These run against the agent itself rather than a
// device, through the hooks on Deps.
func registerSystem(r *Registry) {
	r.add("system.status", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		if d.Telemetry == nil {
			return nil, wire.Errorf(wire.KindServiceUnavailable, "telemetry not available")
		}
		return d.Telemetry(), nil
	})

	r.add("system.uptime", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		if d.Uptime == nil {
			return nil, wire.Errorf(wire.KindServiceUnavailable, "uptime not available")
		}
		up := d.Uptime()
		return map[string]any{
			"uptimeSec": int64(up.Seconds()),
			"human":     fmtDuration(up),
		}, nil
	})

	r.add("system.version", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		if d.Version == "" {
			return map[string]any{"version": "dev"}, nil
		}
		return map[string]any{"version": d.Version}, nil
	})

	r.add("system.preServiceCheck", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		if d.PreServiceCheck == nil {
			return nil, wire.Errorf(wire.KindServiceUnavailable, "pre-service check not available")
		}
		return d.PreServiceCheck(ctx), nil
	})

	r.add("system.reconnectDevices", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		if d.ReconnectDevices == nil {
			return nil, wire.Errorf(wire.KindServiceUnavailable, "device manager not available")
		}
		n := d.ReconnectDevices(ctx)
		return fmt.Sprintf("%d devices connected", n), nil
	})

	r.add("preview.start", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		if d.StartPreview == nil {
			return nil, wire.Errorf(wire.KindServiceUnavailable, "preview streaming not available")
		}
		interval := time.Duration(optInt(p, "intervalMs", 5000)) * time.Millisecond
		if interval < 500*time.Millisecond {
			return nil, wire.Errorf(wire.KindInvalidParams, "parameter %q must be at least 500", "intervalMs")
		}
		if d.StartPreview(interval) {
			return fmt.Sprintf("preview streaming every %s", interval), nil
		}
		return "preview already streaming", nil
	})

	r.add("preview.stop", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		if d.StopPreview == nil {
			return nil, wire.Errorf(wire.KindServiceUnavailable, "preview streaming not available")
		}
		if d.StopPreview() {
			return "preview stopped", nil
		}
		return "preview was not running", nil
	})

	r.add("audio.startMonitoring", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		if d.StartAudioWatch == nil {
			return nil, wire.Errorf(wire.KindServiceUnavailable, "audio monitoring not available")
		}
		if d.StartAudioWatch() {
			return "audio monitoring started", nil
		}
		return "audio monitoring already running", nil
	})

	r.add("audio.stopMonitoring", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		if d.StopAudioWatch == nil {
			return nil, wire.Errorf(wire.KindServiceUnavailable, "audio monitoring not available")
		}
		if d.StopAudioWatch() {
			return "audio monitoring stopped", nil
		}
		return "audio monitoring was not running", nil
	})

	r.add("health.check", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		if d.HealthCheck == nil {
			return nil, wire.Errorf(wire.KindServiceUnavailable, "health check not available")
		}
		return d.HealthCheck(ctx), nil
	})
}

// fmtDuration renders an uptime as "2d 3h 4m" style text.
func fmtDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	minutes := (d - hours*time.Hour) / time.Minute
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
