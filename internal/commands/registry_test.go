package commands

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/device"
	"github.com/stagewire/stagewire/internal/nlparse"
	"github.com/stagewire/stagewire/internal/wire"
)

func testDeps() *Deps {
	log := zerolog.Nop()
	return &Deps{
		Log:      log,
		Switcher: device.NewSwitcher(log, "127.0.0.1:9910", nil),
		Streamer: device.NewStreamer(log, "ws://127.0.0.1:4455", "", nil),
		Mixer:    mustMixer(log),
		Routers:  []*device.Router{device.NewRouter(log, "127.0.0.1:9990", nil)},
	}
}

func mustMixer(log zerolog.Logger) *device.Mixer {
	m, err := device.NewMixer(log, "behringer", "127.0.0.1")
	if err != nil {
		panic(err)
	}
	return m
}

// Every command the NL vocabulary can emit must resolve in the registry, or
// an operator phrase would parse and then die at dispatch.
func TestRegistryCoversParserVocabulary(t *testing.T) {
	r := NewRegistry()
	for _, name := range nlparse.Commands() {
		if !r.Has(name) {
			t.Errorf("parser emits %q but registry has no handler", name)
		}
	}
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	names := r.Names()
	if len(names) < 60 {
		t.Fatalf("registry has %d handlers, want at least 60", len(names))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("names not sorted: %q before %q", names[i-1], names[i])
		}
	}
	for _, name := range names {
		group, _, ok := strings.Cut(name, ".")
		if !ok || group == "" {
			t.Errorf("command %q is not dotted", name)
		}
		if name != strings.TrimSpace(name) || strings.ToLower(group) != group {
			t.Errorf("command %q group is not lowercase", name)
		}
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate add did not panic")
		}
	}()
	r := NewRegistry()
	r.add("switcher.cut", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		return nil, nil
	})
}

func TestExecuteUnknownCommand(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), testDeps(), "switcher.explode", nil)
	if got := wire.KindOf(err); got != wire.KindNotFound {
		t.Fatalf("kind = %q, want %q", got, wire.KindNotFound)
	}
}

func TestExecuteDeviceNotConfigured(t *testing.T) {
	r := NewRegistry()
	d := &Deps{Log: zerolog.Nop()}

	for _, name := range []string{
		"switcher.cut", "streamer.startStreaming", "mixer.muteMaster",
		"router.route", "slides.next", "visual.clearAll", "macro.pressByName",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Execute(context.Background(), d, name, map[string]any{
				"name": "x", "input": 1, "output": 1,
			})
			if got := wire.KindOf(err); got != wire.KindDeviceNotConfigured {
				t.Fatalf("kind = %q, want %q", got, wire.KindDeviceNotConfigured)
			}
		})
	}
}

func TestExecuteParamValidation(t *testing.T) {
	r := NewRegistry()
	d := testDeps()
	ctx := context.Background()

	tests := []struct {
		name    string
		command string
		params  map[string]any
	}{
		{"missing input", "switcher.setProgram", nil},
		{"wrong type", "switcher.setProgram", map[string]any{"input": true}},
		{"missing level", "mixer.setFader", map[string]any{"channel": 3}},
		{"missing label", "switcher.setInputLabel", map[string]any{"input": 2}},
		{"percent too high", "streamer.reduceBitrate", map[string]any{"percent": 150}},
		{"router out of range", "router.route", map[string]any{"router": 9, "input": 1, "output": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(ctx, d, tt.command, tt.params)
			if got := wire.KindOf(err); got != wire.KindInvalidParams {
				t.Fatalf("kind = %q, want %q", got, wire.KindInvalidParams)
			}
		})
	}
}

// A configured but unconnected switcher reports unreachable, never a
// validation error, so operators can tell config mistakes from outages.
func TestExecuteUnreachableDevice(t *testing.T) {
	r := NewRegistry()
	d := testDeps()
	_, err := r.Execute(context.Background(), d, "switcher.setProgram", map[string]any{"input": 2})
	if got := wire.KindOf(err); got != wire.KindDeviceUnreachable {
		t.Fatalf("kind = %q, want %q", got, wire.KindDeviceUnreachable)
	}
}

// JSON-decoded params arrive with float64 numbers; they must coerce.
func TestExecuteCoercesJSONNumbers(t *testing.T) {
	r := NewRegistry()
	d := testDeps()
	_, err := r.Execute(context.Background(), d, "switcher.setProgram", map[string]any{"input": float64(2)})
	if got := wire.KindOf(err); got == wire.KindInvalidParams {
		t.Fatalf("float64 input rejected: %v", err)
	}
}

func TestSystemHooks(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	t.Run("unavailable without hooks", func(t *testing.T) {
		d := &Deps{Log: zerolog.Nop()}
		for _, name := range []string{"system.status", "system.uptime", "preview.start", "audio.startMonitoring", "health.check"} {
			_, err := r.Execute(ctx, d, name, nil)
			if got := wire.KindOf(err); got != wire.KindServiceUnavailable {
				t.Errorf("%s kind = %q, want %q", name, got, wire.KindServiceUnavailable)
			}
		}
	})

	t.Run("uptime", func(t *testing.T) {
		d := &Deps{Uptime: func() time.Duration { return 26*time.Hour + 10*time.Minute }}
		res, err := r.Execute(ctx, d, "system.uptime", nil)
		if err != nil {
			t.Fatal(err)
		}
		m, ok := res.(map[string]any)
		if !ok {
			t.Fatalf("result type %T, want map", res)
		}
		if got, want := m["uptimeSec"].(int64), int64(94200); got != want {
			t.Errorf("uptimeSec = %d, want %d", got, want)
		}
		if got, want := m["human"].(string), "1d 2h 10m"; got != want {
			t.Errorf("human = %q, want %q", got, want)
		}
	})

	t.Run("telemetry", func(t *testing.T) {
		want := wire.TelemetrySnapshot{System: &wire.SystemStatus{Name: "north-campus"}}
		d := &Deps{Telemetry: func() wire.TelemetrySnapshot { return want }}
		res, err := r.Execute(ctx, d, "system.status", nil)
		if err != nil {
			t.Fatal(err)
		}
		snap, ok := res.(wire.TelemetrySnapshot)
		if !ok {
			t.Fatalf("result type %T, want TelemetrySnapshot", res)
		}
		if snap.System.Name != "north-campus" {
			t.Errorf("name = %q", snap.System.Name)
		}
	})

	t.Run("preview interval floor", func(t *testing.T) {
		d := &Deps{StartPreview: func(time.Duration) bool { return true }}
		_, err := r.Execute(ctx, d, "preview.start", map[string]any{"intervalMs": 100})
		if got := wire.KindOf(err); got != wire.KindInvalidParams {
			t.Fatalf("kind = %q, want invalid_params", got)
		}
		if _, err := r.Execute(ctx, d, "preview.start", map[string]any{"intervalMs": 2000}); err != nil {
			t.Fatalf("2000ms rejected: %v", err)
		}
	})

	t.Run("monitor toggles", func(t *testing.T) {
		running := false
		d := &Deps{
			StartAudioWatch: func() bool {
				if running {
					return false
				}
				running = true
				return true
			},
			StopAudioWatch: func() bool {
				if !running {
					return false
				}
				running = false
				return true
			},
		}
		res, err := r.Execute(ctx, d, "audio.startMonitoring", nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.(string) != "audio monitoring started" {
			t.Errorf("first start = %q", res)
		}
		res, _ = r.Execute(ctx, d, "audio.startMonitoring", nil)
		if res.(string) != "audio monitoring already running" {
			t.Errorf("second start = %q", res)
		}
		res, _ = r.Execute(ctx, d, "audio.stopMonitoring", nil)
		if res.(string) != "audio monitoring stopped" {
			t.Errorf("stop = %q", res)
		}
	})
}

// Round-trip: parse operator text, then execute the parsed command against
// empty deps. Nothing may come back as unknown or invalid params; the only
// acceptable failures are missing devices and missing hooks.
func TestParserRegistryRoundTrip(t *testing.T) {
	r := NewRegistry()
	d := &Deps{Log: zerolog.Nop()}
	ctx := context.Background()

	phrases := []string{
		"camera 3",
		"preview camera 2",
		"cut",
		"fade to black",
		"keyer 1 on",
		"run macro 5",
		"aux 2 to camera 4",
		"pan left",
		"zoom in",
		"go live",
		"stop the stream",
		"reduce bitrate by 30 percent",
		"set the bitrate to 4500",
		"screenshot",
		"scene worship",
		"next slide",
		"slide 12",
		"mute channel 4",
		"set channel 2 to -10 db",
		"set the master to -5",
		"route 3 to 7",
		"play clip countdown",
		"press the stream button",
		"pre-service check",
		"status",
		"uptime",
		"start the preview",
		"stop audio monitoring",
		"stream health",
	}
	for _, phrase := range phrases {
		t.Run(phrase, func(t *testing.T) {
			m := nlparse.Parse(phrase)
			if m == nil {
				t.Fatalf("phrase %q did not parse", phrase)
			}
			_, err := r.Execute(ctx, d, m.Command, m.Params)
			switch wire.KindOf(err) {
			case "", wire.KindDeviceNotConfigured, wire.KindServiceUnavailable, wire.KindDeviceUnreachable:
			default:
				t.Fatalf("%s(%v): unexpected error %v", m.Command, m.Params, err)
			}
		})
	}
}
