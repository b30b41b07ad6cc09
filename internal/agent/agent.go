// Package agent runs the venue side of the bus: it owns the device drivers,
// executes commands from the relay through the registry, and pushes
// telemetry, alerts, and preview frames upstream. One agent serves one
// venue.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/agent/agentconfig"
	"github.com/stagewire/stagewire/internal/audio"
	"github.com/stagewire/stagewire/internal/commands"
	"github.com/stagewire/stagewire/internal/device"
	"github.com/stagewire/stagewire/internal/metrics"
	"github.com/stagewire/stagewire/internal/wire"
)

const (
	statusInterval   = 30 * time.Second
	uptimeInterval   = 10 * time.Second
	watchdogInterval = 30 * time.Second
	silenceInterval  = 2 * time.Second

	// commandTimeout bounds handler execution; the relay's correlation
	// deadline is the same, so a slower result would be wasted anyway.
	commandTimeout = 10 * time.Second

	// stopSuppressWindow swallows the stream_stopped alert after an
	// operator-commanded stop; only unexpected stops page anyone.
	stopSuppressWindow = 10 * time.Second
)

// Default ports for devices configured by bare host.
const (
	defaultSlidesPort = 50001
	defaultVisualPort = 8080
)

// Agent is the venue-side process core.
type Agent struct {
	log     zerolog.Logger
	cfg     *agentconfig.Config
	version string

	registry *commands.Registry
	deps     *commands.Deps
	link     *relayLink

	switcher *device.Switcher
	streamer *device.Streamer
	mixer    *device.Mixer
	routers  []*device.Router
	slides   *device.Slides
	visual   *device.Visual
	macros   *device.MacroHost
	drivers  []device.Driver

	watchdog *watchdog
	silence  *audio.Detector
	health   *healthMonitor
	preview  *previewStreamer
	sys      *sysinfo

	started time.Time
	clock   func() time.Time

	// nudge coalesces device events into rate-limited status pushes.
	nudge chan struct{}

	mu             sync.Mutex
	runCtx         context.Context
	watchdogOn     bool
	audioOn        bool
	lastStreamStop time.Time

	commandsRun atomic.Int64
}

// New builds an agent from a validated config. Devices absent from the
// config stay nil and surface as device_not_configured at dispatch.
func New(log zerolog.Logger, cfg *agentconfig.Config, version string) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{
		log:      log.With().Str("component", "agent").Logger(),
		cfg:      cfg,
		version:  version,
		registry: commands.NewRegistry(),
		watchdog: newWatchdog(),
		silence:  audio.NewDetector(),
		health:   newHealthMonitor(log, cfg),
		sys:      newSysinfo(),
		started:  time.Now(),
		clock:    time.Now,
		nudge:    make(chan struct{}, 1),
		runCtx:   context.Background(),
	}
	a.watchdogOn = cfg.WatchdogEnabled()
	a.audioOn = cfg.WatchdogEnabled()

	if cfg.SwitcherIP != "" {
		a.switcher = device.NewSwitcher(log, cfg.SwitcherIP, a.onDeviceEvent)
		a.drivers = append(a.drivers, a.switcher)
	}
	if cfg.StreamerURL != "" {
		a.streamer = device.NewStreamer(log, cfg.StreamerURL, cfg.StreamerPassword, a.onDeviceEvent)
		a.drivers = append(a.drivers, a.streamer)
	}
	if cfg.Mixer != nil && cfg.Mixer.Host != "" {
		addr := cfg.Mixer.Host
		if cfg.Mixer.Port > 0 {
			addr = fmt.Sprintf("%s:%d", cfg.Mixer.Host, cfg.Mixer.Port)
		}
		mx, err := device.NewMixer(log, cfg.Mixer.Type, addr)
		if err != nil {
			return nil, err
		}
		a.mixer = mx
		a.drivers = append(a.drivers, mx)
	}
	for _, rc := range cfg.VideoRouters {
		addr := rc.Host
		if rc.Port > 0 {
			addr = fmt.Sprintf("%s:%d", rc.Host, rc.Port)
		}
		rt := device.NewRouter(log, addr, a.onDeviceEvent)
		a.routers = append(a.routers, rt)
		a.drivers = append(a.drivers, rt)
	}
	if cfg.SlidesHost != "" {
		port := cfg.SlidesPort
		if port <= 0 {
			port = defaultSlidesPort
		}
		a.slides = device.NewSlides(log, fmt.Sprintf("http://%s:%d", cfg.SlidesHost, port), a.onDeviceEvent)
		a.drivers = append(a.drivers, a.slides)
	}
	if cfg.VisualServerHost != "" {
		port := cfg.VisualServerPort
		if port <= 0 {
			port = defaultVisualPort
		}
		a.visual = device.NewVisual(log, fmt.Sprintf("http://%s:%d", cfg.VisualServerHost, port))
		a.drivers = append(a.drivers, a.visual)
	}
	if cfg.MacroHostURL != "" {
		a.macros = device.NewMacroHost(log, cfg.MacroHostURL)
		a.drivers = append(a.drivers, a.macros)
	}

	a.preview = newPreviewStreamer(log, a.screenshot, func(f wire.PreviewFrame) bool {
		return a.link.Send(f)
	})

	a.deps = &commands.Deps{
		Log:              a.log,
		Switcher:         a.switcher,
		Streamer:         a.streamer,
		Mixer:            a.mixer,
		Routers:          a.routers,
		Slides:           a.slides,
		Visual:           a.visual,
		Macros:           a.macros,
		Telemetry:        a.snapshot,
		Uptime:           a.uptime,
		Version:          version,
		StartPreview:     a.startPreview,
		StopPreview:      a.preview.Stop,
		StartAudioWatch:  a.startAudioWatch,
		StopAudioWatch:   a.stopAudioWatch,
		HealthCheck:      a.healthReport,
		PreServiceCheck:  a.preServiceReport,
		ReconnectDevices: a.reconnectDevices,
	}

	wsURL, err := relayWSURL(cfg.Relay, cfg.Token)
	if err != nil {
		return nil, err
	}
	a.link = newRelayLink(log, wsURL, a.handleMessage, a.onRelayOpen)

	return a, nil
}

// Run connects everything and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	a.log.Info().
		Str("name", a.cfg.Name).
		Int("devices", len(a.drivers)).
		Bool("watchdog", a.watchdogEnabled()).
		Msg("agent starting")

	a.connectDevices(ctx)
	go a.link.Run(ctx)
	go a.statusNudger(ctx)
	go a.silenceLoop(ctx)
	go a.healthLoop(ctx)
	if a.cfg.DebugAddr != "" {
		go a.serveDebug(ctx, a.cfg.DebugAddr)
	}
	if a.cfg.PreviewIntervalMs > 0 {
		a.startPreview(time.Duration(a.cfg.PreviewIntervalMs) * time.Millisecond)
	}

	a.sys.refresh(ctx)

	status := time.NewTicker(statusInterval)
	uptime := time.NewTicker(uptimeInterval)
	watch := time.NewTicker(watchdogInterval)
	defer status.Stop()
	defer uptime.Stop()
	defer watch.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case <-status.C:
			a.sendStatus()
		case <-uptime.C:
			a.sys.refresh(ctx)
		case <-watch.C:
			a.watchdogTick()
		}
	}
}

func (a *Agent) shutdown() {
	a.preview.Stop()
	for _, d := range a.drivers {
		d.Disconnect()
	}
	a.log.Info().Msg("agent stopped")
}

// connectDevices starts one connect loop per driver. Failures are per-device
// and retried with backoff; the agent comes up regardless.
func (a *Agent) connectDevices(ctx context.Context) {
	for _, d := range a.drivers {
		go func(d device.Driver) {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.MaxInterval = 60 * time.Second
			b.MaxElapsedTime = 0
			b.Reset()

			for {
				if ctx.Err() != nil {
					return
				}
				err := d.Connect(ctx)
				if err == nil {
					a.nudgeStatus()
					return
				}
				wait := b.NextBackOff()
				a.log.Warn().Err(err).Str("device", d.Name()).Dur("retry_in", wait).Msg("device connect failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}
		}(d)
	}
}

// reconnectDevices nudges every driver once and reports how many links are
// up. Connect is idempotent, so healthy devices cost nothing.
func (a *Agent) reconnectDevices(ctx context.Context) int {
	var up atomic.Int32
	var wg sync.WaitGroup
	for _, d := range a.drivers {
		wg.Add(1)
		go func(d device.Driver) {
			defer wg.Done()
			if err := d.Connect(ctx); err != nil {
				a.log.Warn().Err(err).Str("device", d.Name()).Msg("reconnect failed")
				return
			}
			up.Add(1)
		}(d)
	}
	wg.Wait()
	a.nudgeStatus()
	return int(up.Load())
}

// Relay plumbing.

// onRelayOpen runs every time the link comes up: a fresh snapshot so the
// relay has current state, and cleared dedup flags so standing conditions
// re-alert where someone can hear them.
func (a *Agent) onRelayOpen() {
	a.watchdog.clearDedup()
	a.sendStatus()
}

func (a *Agent) handleMessage(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.log.Warn().Err(err).Msg("unparseable relay message")
		return
	}

	switch env.Type {
	case wire.TypeConnected:
		a.log.Info().Str("venue", env.VenueID).Str("name", env.Name).Msg("registered with relay")
	case wire.TypeCommand:
		var cmd wire.CommandMsg
		if err := json.Unmarshal(data, &cmd); err != nil {
			a.log.Warn().Err(err).Msg("unparseable command")
			return
		}
		go a.execute(cmd)
	case wire.TypePong:
	default:
		a.log.Debug().Str("type", env.Type).Msg("unhandled relay message")
	}
}

// execute runs one command through the registry and returns the correlated
// result. Handler panics become internal errors instead of killing the
// agent mid-service.
func (a *Agent) execute(cmd wire.CommandMsg) {
	a.mu.Lock()
	ctx := a.runCtx
	a.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var params map[string]any
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			a.sendResult(cmd, nil, wire.Errorf(wire.KindInvalidParams, "params are not an object"))
			return
		}
	}

	started := a.clock()
	var result any
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = wire.Errorf(wire.KindInternal, "command panicked: %v", r)
			}
		}()
		result, err = a.registry.Execute(ctx, a.deps, cmd.Command, params)
	}()
	a.commandsRun.Add(1)

	if err != nil {
		a.log.Warn().Err(err).Str("command", cmd.Command).Str("id", cmd.ID).Msg("command failed")
	} else {
		a.log.Info().Str("command", cmd.Command).Str("id", cmd.ID).
			Dur("took", a.clock().Sub(started)).Msg("command executed")
		a.noteStreamStopCommand(cmd.Command)
	}
	a.sendResult(cmd, result, err)
}

// noteStreamStopCommand records operator-initiated stream stops so the
// matching device event does not raise a false alert.
func (a *Agent) noteStreamStopCommand(command string) {
	if command != "streamer.stopStreaming" && command != "streamer.restartStream" {
		return
	}
	a.mu.Lock()
	a.lastStreamStop = a.clock()
	a.mu.Unlock()
}

func (a *Agent) sendResult(cmd wire.CommandMsg, result any, err error) {
	res := wire.CommandResultMsg{
		Type:    wire.TypeCommandResult,
		ID:      cmd.ID,
		Command: cmd.Command,
	}
	if err != nil {
		res.Error = err.Error()
	} else if result != nil {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			res.Error = wire.Errorf(wire.KindInternal, "result not serialisable").Error()
		} else {
			res.Result = raw
		}
	}
	a.link.Send(res)
}

// Device events.

// onDeviceEvent reacts to driver push events: every event freshens the
// relay's picture, and stream edges raise or arm alerts.
func (a *Agent) onDeviceEvent(event string, data map[string]any) {
	switch event {
	case "stream_started":
		a.sendAlert("stream_started", wire.SeverityInfo, "Stream started")
	case "stream_stopped":
		a.silence.Reset()
		if !a.recentStopCommand() {
			a.sendAlert("stream_stopped", wire.SeverityCritical, "Stream stopped unexpectedly")
		}
	}
	a.nudgeStatus()
}

func (a *Agent) recentStopCommand() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.lastStreamStop.IsZero() && a.clock().Sub(a.lastStreamStop) < stopSuppressWindow
}

// Telemetry.

// statusMsg is the status_update envelope.
type statusMsg struct {
	Type   string                 `json:"type"`
	Status wire.TelemetrySnapshot `json:"status"`
}

// snapshot assembles the full device picture.
func (a *Agent) snapshot() wire.TelemetrySnapshot {
	var snap wire.TelemetrySnapshot
	connected := 0

	if a.switcher != nil {
		s := a.switcher.Snapshot()
		snap.Switcher = &s
		if s.Connected {
			connected++
		}
	}
	if a.streamer != nil {
		s := a.streamer.Snapshot()
		snap.Streamer = &s
		if s.Connected {
			connected++
		}
	}
	if a.slides != nil {
		s := a.slides.Snapshot()
		snap.Slides = &s
		if s.Connected {
			connected++
		}
	}
	if len(a.routers) > 0 {
		s := a.routers[0].Snapshot()
		snap.Router = &s
		if s.Connected {
			connected++
		}
	}
	if a.mixer != nil {
		s := a.mixer.Snapshot()
		snap.Mixer = &s
		if s.Connected {
			connected++
		}
	}

	au := a.silence.Snapshot()
	snap.Audio = &au
	hs := a.health.Snapshot()
	snap.StreamHealth = &hs
	sys := a.sys.Snapshot(a.cfg.Name, a.uptime())
	snap.System = &sys

	metrics.DevicesConnected.Set(float64(connected))
	return snap
}

func (a *Agent) sendStatus() {
	a.link.Send(statusMsg{Type: wire.TypeStatusUpdate, Status: a.snapshot()})
}

// nudgeStatus requests an out-of-band status push; bursts coalesce.
func (a *Agent) nudgeStatus() {
	select {
	case a.nudge <- struct{}{}:
	default:
	}
}

// statusNudger forwards nudges as status pushes, at most two per second, so
// a transition storm cannot flood the relay.
func (a *Agent) statusNudger(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.nudge:
			a.sendStatus()
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
}

func (a *Agent) uptime() time.Duration {
	return a.clock().Sub(a.started)
}

// Alerts.

func (a *Agent) sendAlert(alertType, severity, message string) {
	metrics.WatchdogAlertsTotal.WithLabelValues(alertType).Inc()
	a.log.Warn().Str("alert", alertType).Str("severity", severity).Msg(message)
	a.link.Send(wire.Envelope{
		Type:      wire.TypeAlert,
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
	})
}

// Watchdog and monitors.

func (a *Agent) watchdogEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watchdogOn
}

func (a *Agent) watchdogTick() {
	if !a.watchdogEnabled() {
		return
	}
	for _, is := range a.watchdog.evaluate(a.snapshot()) {
		a.sendAlert(is.Type, is.Severity, is.Message)
	}
}

func (a *Agent) audioWatchEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.audioOn
}

func (a *Agent) startAudioWatch() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.audioOn {
		return false
	}
	a.audioOn = true
	return true
}

func (a *Agent) stopAudioWatch() bool {
	a.mu.Lock()
	on := a.audioOn
	a.audioOn = false
	a.mu.Unlock()
	if !on {
		return false
	}
	a.silence.Reset()
	return true
}

// silenceLoop samples the switcher's master meter while streaming and raises
// audio_silence when the detector fires.
func (a *Agent) silenceLoop(ctx context.Context) {
	ticker := time.NewTicker(silenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !a.audioWatchEnabled() || a.switcher == nil || a.streamer == nil || !a.streamer.Streaming() {
			a.silence.Reset()
			continue
		}
		raw, at, ok := a.switcher.MasterAudioLevel()
		if !ok {
			continue
		}
		if a.silence.Observe(audio.DecodeLevel(raw), at) {
			a.sendAlert("audio_silence", wire.SeverityWarning,
				"Program audio has been silent for 15+ seconds while streaming")
		}
	}
}

// healthLoop evaluates stream health once a minute.
func (a *Agent) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !a.watchdogEnabled() {
			continue
		}

		streaming := a.streamer != nil && a.streamer.Streaming()
		bitrate := 0
		if streaming {
			bctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if kbps, err := a.streamer.Bitrate(bctx); err == nil {
				bitrate = kbps
			} else {
				bitrate = a.streamer.Snapshot().Bitrate
			}
			cancel()
		}
		for _, is := range a.health.check(ctx, streaming, bitrate) {
			a.sendAlert(is.Type, is.Severity, is.Message)
		}
	}
}

// Preview.

func (a *Agent) startPreview(interval time.Duration) bool {
	a.mu.Lock()
	ctx := a.runCtx
	a.mu.Unlock()
	return a.preview.Start(ctx, interval)
}

// screenshot backs the preview loop; without a streamer there is no frame
// source.
func (a *Agent) screenshot(ctx context.Context, width int) (string, int, int, error) {
	if a.streamer == nil {
		return "", 0, 0, wire.Errorf(wire.KindDeviceNotConfigured, "no streamer configured")
	}
	return a.streamer.Screenshot(ctx, width)
}

// Readiness checks.

type checkEntry struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type checkReport struct {
	Ready  bool         `json:"ready"`
	Checks []checkEntry `json:"checks"`
}

// runChecks probes every configured device. Probes are bounded by the
// drivers' own timeouts; the whole scan fits inside the command deadline
// because devices are checked concurrently.
func (a *Agent) runChecks(ctx context.Context) checkReport {
	rep := checkReport{Ready: true}
	if len(a.drivers) == 0 {
		return rep
	}

	type probe struct {
		idx   int
		entry checkEntry
	}
	results := make(chan probe, len(a.drivers))
	for i, d := range a.drivers {
		go func(i int, d device.Driver) {
			ok := d.IsReachable(ctx)
			detail := ""
			if !ok {
				detail = "unreachable"
			}
			results <- probe{idx: i, entry: checkEntry{Name: d.Name(), OK: ok, Detail: detail}}
		}(i, d)
	}

	entries := make([]checkEntry, len(a.drivers))
	for range a.drivers {
		p := <-results
		entries[p.idx] = p.entry
	}
	for i := range entries {
		if !entries[i].OK {
			rep.Ready = false
		}
	}
	rep.Checks = entries
	return rep
}

// preServiceReport is the system.preServiceCheck result: device reachability
// plus whether the encoder is idle and ready to start.
func (a *Agent) preServiceReport(ctx context.Context) any {
	rep := a.runChecks(ctx)
	if a.streamer != nil {
		snap := a.streamer.Snapshot()
		entry := checkEntry{Name: "stream idle", OK: !snap.Streaming}
		if snap.Streaming {
			entry.Detail = "already live, stop before the next service"
		}
		rep.Checks = append(rep.Checks, entry)
		if !entry.OK {
			rep.Ready = false
		}
	}
	return rep
}

// healthReport is the health.check result: readiness plus the live stream
// numbers the TD asks about mid-service.
func (a *Agent) healthReport(ctx context.Context) any {
	rep := a.runChecks(ctx)
	out := map[string]any{
		"ready":  rep.Ready,
		"checks": rep.Checks,
	}
	if a.streamer != nil {
		snap := a.streamer.Snapshot()
		out["streaming"] = snap.Streaming
		out["bitrate"] = snap.Bitrate
		out["fps"] = snap.FPS
	}
	hs := a.health.Snapshot()
	out["baselineBitrate"] = hs.BaselineBitrate
	return out
}

// ApplyConfig adopts the runtime-safe subset of a reloaded config: watchdog
// flag and platform credentials. Device topology changes still need a
// restart.
func (a *Agent) ApplyConfig(cfg *agentconfig.Config) {
	a.mu.Lock()
	a.watchdogOn = cfg.WatchdogEnabled()
	a.mu.Unlock()
	a.health.SetCredentials(cfg)
	a.log.Info().Bool("watchdog", cfg.WatchdogEnabled()).Msg("runtime settings applied")
}
