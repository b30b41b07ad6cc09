// Package commands is the single entry point for operator commands on the
// agent. A Registry maps dotted lowercase names ("switcher.cut",
// "mixer.setFader") to handlers; relay dispatch, the Telegram adapter, and
// the admin API all funnel through Execute. There are no side doors.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/device"
	"github.com/stagewire/stagewire/internal/wire"
)

// Deps carries the device handles and agent hooks a handler may touch.
// Devices the venue never configured are nil; handlers surface that as
// device_not_configured rather than panicking.
type Deps struct {
	Log zerolog.Logger

	Switcher *device.Switcher
	Streamer *device.Streamer
	Mixer    *device.Mixer
	Routers  []*device.Router
	Slides   *device.Slides
	Visual   *device.Visual
	Macros   *device.MacroHost

	// Agent-level hooks. Nil hooks mean the owning process does not offer
	// the capability and the handler reports service_unavailable.
	Telemetry        func() wire.TelemetrySnapshot
	Uptime           func() time.Duration
	Version          string
	StartPreview     func(interval time.Duration) bool
	StopPreview      func() bool
	StartAudioWatch  func() bool
	StopAudioWatch   func() bool
	HealthCheck      func(ctx context.Context) any
	PreServiceCheck  func(ctx context.Context) any
	ReconnectDevices func(ctx context.Context) int
}

// HandlerFunc executes one command. It returns either a string summary or a
// JSON-serialisable object, never both, and wire-kinded errors on failure.
type HandlerFunc func(ctx context.Context, d *Deps, params map[string]any) (any, error)

// Registry is the immutable command table. Construct once at startup;
// concurrent Execute calls are safe because the map is never mutated after
// NewRegistry returns.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry builds the full command table. It panics on duplicate names so
// a bad merge fails at startup, not at dispatch time.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]HandlerFunc, 96)}
	registerSwitcher(r)
	registerStreamer(r)
	registerMixer(r)
	registerRouter(r)
	registerSlides(r)
	registerVisual(r)
	registerMacro(r)
	registerSystem(r)
	return r
}

func (r *Registry) add(name string, h HandlerFunc) {
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("commands: duplicate handler %q", name))
	}
	r.handlers[name] = h
}

// Has reports whether name is a known command.
func (r *Registry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Names returns every registered command name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute looks up and runs a command. Unknown names return not_found.
func (r *Registry) Execute(ctx context.Context, d *Deps, name string, params map[string]any) (any, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, wire.Errorf(wire.KindNotFound, "unknown command %q", name)
	}
	return h(ctx, d, params)
}

// Device guards. Each returns the handle or a device_not_configured error
// naming what is missing.

func (d *Deps) needSwitcher() (*device.Switcher, error) {
	if d.Switcher == nil {
		return nil, wire.Errorf(wire.KindDeviceNotConfigured, "no switcher configured")
	}
	return d.Switcher, nil
}

func (d *Deps) needStreamer() (*device.Streamer, error) {
	if d.Streamer == nil {
		return nil, wire.Errorf(wire.KindDeviceNotConfigured, "no streamer configured")
	}
	return d.Streamer, nil
}

func (d *Deps) needMixer() (*device.Mixer, error) {
	if d.Mixer == nil {
		return nil, wire.Errorf(wire.KindDeviceNotConfigured, "no audio mixer configured")
	}
	return d.Mixer, nil
}

func (d *Deps) needSlides() (*device.Slides, error) {
	if d.Slides == nil {
		return nil, wire.Errorf(wire.KindDeviceNotConfigured, "no slides host configured")
	}
	return d.Slides, nil
}

func (d *Deps) needVisual() (*device.Visual, error) {
	if d.Visual == nil {
		return nil, wire.Errorf(wire.KindDeviceNotConfigured, "no visual server configured")
	}
	return d.Visual, nil
}

func (d *Deps) needMacros() (*device.MacroHost, error) {
	if d.Macros == nil {
		return nil, wire.Errorf(wire.KindDeviceNotConfigured, "no macro host configured")
	}
	return d.Macros, nil
}

// needRouter picks a router by the optional "router" index param, default 0.
func (d *Deps) needRouter(params map[string]any) (*device.Router, error) {
	if len(d.Routers) == 0 {
		return nil, wire.Errorf(wire.KindDeviceNotConfigured, "no video router configured")
	}
	idx := optInt(params, "router", 0)
	if idx < 0 || idx >= len(d.Routers) {
		return nil, wire.Errorf(wire.KindInvalidParams, "router index %d out of range", idx)
	}
	return d.Routers[idx], nil
}

// Param extraction. Values arrive as native Go types from the NL parser and
// as float64 for every number when decoded from JSON, so the numeric helpers
// accept both plus digit strings.

func needString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", wire.Errorf(wire.KindInvalidParams, "missing required parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", wire.Errorf(wire.KindInvalidParams, "parameter %q must be a non-empty string", key)
	}
	return s, nil
}

func optString(params map[string]any, key, def string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return def
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func needInt(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, wire.Errorf(wire.KindInvalidParams, "missing required parameter %q", key)
	}
	n, ok := toInt(v)
	if !ok {
		return 0, wire.Errorf(wire.KindInvalidParams, "parameter %q must be an integer", key)
	}
	return n, nil
}

func optInt(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	if n, ok := toInt(v); ok {
		return n
	}
	return def
}

func needFloat(params map[string]any, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, wire.Errorf(wire.KindInvalidParams, "missing required parameter %q", key)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, wire.Errorf(wire.KindInvalidParams, "parameter %q must be a number", key)
	}
	return f, nil
}

func optFloat(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return def
}

func needBool(params map[string]any, key string) (bool, error) {
	v, ok := params[key]
	if !ok {
		return false, wire.Errorf(wire.KindInvalidParams, "missing required parameter %q", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, wire.Errorf(wire.KindInvalidParams, "parameter %q must be a boolean", key)
	}
	return b, nil
}

func optBool(params map[string]any, key string, def bool) bool {
	if b, ok := params[key].(bool); ok {
		return b
	}
	return def
}
