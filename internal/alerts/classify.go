package alerts

import "github.com/stagewire/stagewire/internal/wire"

// classification maps alert types to severity kinds. Types not listed
// default to warning, so an unknown type from a newer agent still flows
// through the pipeline instead of being dropped.
var classification = map[string]string{
	"stream_started":    wire.SeverityInfo,
	"recording_started": wire.SeverityInfo,
	"service_ended":     wire.SeverityInfo,

	"fps_low":                 wire.SeverityWarning,
	"bitrate_low":             wire.SeverityWarning,
	"cpu_high":                wire.SeverityWarning,
	"streamer_disconnected":   wire.SeverityWarning,
	"macrohost_disconnected":  wire.SeverityWarning,

	"stream_stopped":        wire.SeverityCritical,
	"switcher_disconnected": wire.SeverityCritical,
	"recording_failed":      wire.SeverityCritical,

	"multiple_systems_down": wire.SeverityEmergency,
	"no_td_response":        wire.SeverityEmergency,
}

// Classify returns the severity kind for an alert type. Every type maps to
// exactly one kind.
func Classify(alertType string) string {
	if kind, ok := classification[alertType]; ok {
		return kind
	}
	return wire.SeverityWarning
}

// recoveryRecipe is an automatic fix attempted before the TD is notified.
type recoveryRecipe struct {
	Command string
	Params  map[string]any
}

// autoRecovery lists the alert types the relay tries to fix itself. Bitrate
// and fps problems usually mean the encoder is pushing more than the uplink
// can carry, so the first move is always the same: back the bitrate off.
var autoRecovery = map[string]recoveryRecipe{
	"bitrate_low": {Command: "streamer.reduceBitrate", Params: map[string]any{"percent": 20}},
	"fps_low":     {Command: "streamer.reduceBitrate", Params: map[string]any{"percent": 20}},
}

// notifyRecipe is the operator-facing guidance attached to a notification.
type notifyRecipe struct {
	Cause string
	Steps []string
}

// notifyRecipes holds per-type likely causes and response steps. The default
// entry covers types without specific guidance.
var notifyRecipes = map[string]notifyRecipe{
	"stream_stopped": {
		Cause: "the encoder stopped pushing to the platform",
		Steps: []string{
			"Check the streaming software is still running",
			"Check the internet uplink (try loading a page on the booth PC)",
			"Restart the stream from the encoder",
			"If it keeps dropping, switch to the backup encoder",
		},
	},
	"bitrate_low": {
		Cause: "upload bandwidth has degraded",
		Steps: []string{
			"Check whether anything else is uploading on the venue network",
			"Watch the encoder's bitrate graph for recovery",
			"Bitrate was already reduced automatically; verify the picture is stable",
		},
	},
	"fps_low": {
		Cause: "the encoder is overloaded",
		Steps: []string{
			"Close other apps on the streaming machine",
			"Check CPU temperature and fans",
			"Lower the output resolution if it persists",
		},
	},
	"cpu_high": {
		Cause: "the streaming machine is running hot on CPU",
		Steps: []string{
			"Close unused applications",
			"Check for OS updates installing in the background",
		},
	},
	"streamer_disconnected": {
		Cause: "the streaming software stopped responding",
		Steps: []string{
			"Check the streaming software is running",
			"Restart it if it has crashed",
		},
	},
	"switcher_disconnected": {
		Cause: "the video switcher dropped off the network",
		Steps: []string{
			"Check the switcher's power and network cable",
			"Power-cycle the switcher if it is unresponsive",
			"Confirm the booth network switch has link lights",
		},
	},
	"macrohost_disconnected": {
		Cause: "the macro button host is unreachable",
		Steps: []string{
			"Check the macro host app is running",
			"Confirm the host PC is on the venue network",
		},
	},
	"recording_failed": {
		Cause: "the recorder could not write to disk",
		Steps: []string{
			"Check free disk space on the recording drive",
			"Restart the recording",
		},
	},
	"audio_silence": {
		Cause: "program audio has gone silent while streaming",
		Steps: []string{
			"Check the console's main fader and mute state",
			"Check the switcher's audio input from the console",
			"Verify the audio that viewers hear on a phone",
		},
	},
	"platform_no_broadcast": {
		Cause: "the platform shows no live broadcast despite local streaming",
		Steps: []string{
			"Open the platform dashboard and check stream health",
			"Verify the stream key has not expired",
			"Restart the stream if the platform shows it stalled",
		},
	},
	"bitrate_drop": {
		Cause: "outbound bitrate fell sharply against the recent baseline",
		Steps: []string{
			"Check the venue uplink for congestion",
			"Watch the encoder output for recovery over the next minute",
		},
	},
	"multiple_systems_down": {
		Cause: "several production systems are failing at once — likely power or network",
		Steps: []string{
			"Check booth power and the main network switch first",
			"Call the venue facilities contact",
			"Expect other alerts to clear once the common cause is fixed",
		},
	},
	"no_td_response": {
		Cause: "a critical alert went unacknowledged for 90 seconds",
		Steps: []string{
			"Reach the on-call TD by phone",
			"Acknowledge the original alert once someone is on it",
		},
	},
}

var defaultRecipe = notifyRecipe{
	Cause: "not yet diagnosed",
	Steps: []string{
		"Check the venue dashboard for details",
		"Acknowledge once someone is looking into it",
	},
}

// recipeFor returns the operator guidance for an alert type.
func recipeFor(alertType string) notifyRecipe {
	if r, ok := notifyRecipes[alertType]; ok {
		return r
	}
	return defaultRecipe
}

// severityIcon maps a kind to the leading message icon.
func severityIcon(kind string) string {
	switch kind {
	case wire.SeverityInfo:
		return "ℹ️"
	case wire.SeverityCritical:
		return "🚨"
	case wire.SeverityEmergency:
		return "🆘"
	default:
		return "⚠️"
	}
}
