// Package wire defines the JSON envelopes exchanged between agents and the
// relay, and the error-kind taxonomy shared by every component. Both binaries
// import this package; it depends on nothing above the standard library.
package wire

import "encoding/json"

// Message types sent agent → relay.
const (
	TypeStatusUpdate  = "status_update"
	TypeAlert         = "alert"
	TypeCommandResult = "command_result"
	TypePreviewFrame  = "preview_frame"
	TypePing          = "ping"
)

// Message types sent relay → agent.
const (
	TypeConnected = "connected"
	TypeCommand   = "command"
	TypePong      = "pong"
)

// MaxPreviewFrameChars is the largest accepted base64 payload for a preview
// frame. Larger frames are dropped at the source.
const MaxPreviewFrameChars = 150_000

// Envelope is the common wrapper for every WS message on the agent leg.
// Only Type is always present; the remaining fields depend on Type.
type Envelope struct {
	Type string `json:"type"`

	// command / command_result correlation.
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`

	// status_update.
	Status json.RawMessage `json:"status,omitempty"`

	// alert.
	Message   string `json:"message,omitempty"`
	Severity  string `json:"severity,omitempty"`
	AlertType string `json:"alertType,omitempty"`

	// preview_frame.
	Timestamp int64  `json:"timestamp,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Format    string `json:"format,omitempty"`
	Data      string `json:"data,omitempty"`

	// connected.
	VenueID string `json:"venueId,omitempty"`
	Name    string `json:"name,omitempty"`
}

// CommandMsg is the relay → agent command delivery.
type CommandMsg struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// CommandResultMsg is the agent → relay response carrying the same ID.
type CommandResultMsg struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// PreviewFrame is one screenshot pushed by the agent while preview streaming
// is enabled. Data is base64 and never exceeds MaxPreviewFrameChars.
type PreviewFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format"`
	Data      string `json:"data"`
}

// TelemetrySnapshot is the full device picture carried in status_update
// messages. Every block is optional; a device the agent was never configured
// with is nil. The relay stores the snapshot opaquely and replaces it
// whole on each update.
type TelemetrySnapshot struct {
	Switcher     *SwitcherStatus     `json:"switcher,omitempty"`
	Streamer     *StreamerStatus     `json:"streamer,omitempty"`
	Slides       *SlidesStatus       `json:"slides,omitempty"`
	Router       *RouterStatus       `json:"router,omitempty"`
	Mixer        *MixerStatus        `json:"mixer,omitempty"`
	Audio        *AudioStatus        `json:"audio,omitempty"`
	StreamHealth *StreamHealthStatus `json:"streamHealth,omitempty"`
	System       *SystemStatus       `json:"system,omitempty"`
}

// SwitcherStatus mirrors the video switcher's live state.
type SwitcherStatus struct {
	Connected    bool           `json:"connected"`
	ProgramInput int            `json:"programInput,omitempty"`
	PreviewInput int            `json:"previewInput,omitempty"`
	Recording    bool           `json:"recording,omitempty"`
	InTransition bool           `json:"inTransition,omitempty"`
	FadedToBlack bool           `json:"fadedToBlack,omitempty"`
	InputLabels  map[int]string `json:"inputLabels,omitempty"`
}

// StreamerStatus mirrors the streaming encoder.
type StreamerStatus struct {
	Connected    bool    `json:"connected"`
	Streaming    bool    `json:"streaming,omitempty"`
	Recording    bool    `json:"recording,omitempty"`
	FPS          float64 `json:"fps,omitempty"`
	Bitrate      int     `json:"bitrate,omitempty"` // kbps
	CPUUsage     float64 `json:"cpuUsage,omitempty"`
	CurrentScene string  `json:"currentScene,omitempty"`
}

// SlidesStatus mirrors the presentation software.
type SlidesStatus struct {
	Connected           bool   `json:"connected"`
	Running             bool   `json:"running,omitempty"`
	CurrentPresentation string `json:"currentPresentation,omitempty"`
	SlideIndex          int    `json:"slideIndex,omitempty"`
	SlideTotal          int    `json:"slideTotal,omitempty"`
}

// RouterStatus mirrors the video router.
type RouterStatus struct {
	Connected  bool `json:"connected"`
	RouteCount int  `json:"routeCount,omitempty"`
	Inputs     int  `json:"inputs,omitempty"`
	Outputs    int  `json:"outputs,omitempty"`
}

// MixerStatus mirrors the audio console.
type MixerStatus struct {
	Connected bool    `json:"connected"`
	Type      string  `json:"type,omitempty"`
	MainMuted bool    `json:"mainMuted,omitempty"`
	MainFader float64 `json:"mainFader,omitempty"`
}

// AudioStatus carries the silence detector's view.
type AudioStatus struct {
	Monitoring         bool    `json:"monitoring"`
	SilenceDetected    bool    `json:"silenceDetected,omitempty"`
	SilenceDurationSec float64 `json:"silenceDurationSec,omitempty"`
}

// StreamHealthStatus carries the stream-health monitor's view.
type StreamHealthStatus struct {
	Monitoring      bool `json:"monitoring"`
	BaselineBitrate int  `json:"baselineBitrate,omitempty"`
	RecentBitrate   int  `json:"recentBitrate,omitempty"`
}

// SystemStatus describes the agent host.
type SystemStatus struct {
	Hostname      string  `json:"hostname,omitempty"`
	Platform      string  `json:"platform,omitempty"`
	UptimeSec     int64   `json:"uptimeSec,omitempty"`
	Name          string  `json:"name,omitempty"`
	CPUPercent    float64 `json:"cpuPercent,omitempty"`
	MemoryPercent float64 `json:"memoryPercent,omitempty"`
}

// Severity levels carried on alert messages, lowest to highest.
const (
	SeverityInfo      = "info"
	SeverityWarning   = "warning"
	SeverityCritical  = "critical"
	SeverityEmergency = "emergency"
)

// ValidSeverity reports whether s is one of the four alert severities.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical, SeverityEmergency:
		return true
	}
	return false
}
