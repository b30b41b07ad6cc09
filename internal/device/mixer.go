package device

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/wire"
)

// Console families the venue fleet runs. Each speaks OSC with its own
// address layout, default port, and mute polarity; the driver normalises all
// of them so MuteChannel always mutes.
const (
	FamilyBehringer  = "behringer" // also Midas, port 10023
	FamilyAllenHeath = "allenheath"
	FamilyYamaha     = "yamaha"
)

// yamahaMIDIPort is the TCP MIDI bridge some Yamaha desks expose instead of
// OSC. Commands cannot be expressed over it; the driver acknowledges them
// vacuously and only reachability probing works.
const yamahaMIDIPort = 49280

type mixerDialect struct {
	port           int
	channelOn      string // fmt with channel index
	channelFader   string
	masterOn       string
	masterFader    string
	onMeansActive  bool // true: value 1 = channel active (unmuted)
	keepalive      string
	keepaliveEvery time.Duration
	faderOps       bool
}

var mixerDialects = map[string]mixerDialect{
	FamilyBehringer: {
		port:           10023,
		channelOn:      "/ch/%02d/mix/on", // 2-digit channel index
		channelFader:   "/ch/%02d/mix/fader",
		masterOn:       "/main/st/mix/on",
		masterFader:    "/main/st/mix/fader",
		onMeansActive:  true, // 1 = active, mute sends 0
		keepalive:      "/xremote",
		keepaliveEvery: 9 * time.Second,
		faderOps:       true,
	},
	FamilyAllenHeath: {
		port:          51326,
		channelOn:     "/channel/%d/mute",
		channelFader:  "/channel/%d/fader",
		masterOn:      "/master/mute",
		masterFader:   "/master/fader",
		onMeansActive: false, // 1 = muted
		faderOps:      true,
	},
	FamilyYamaha: {
		port:          8765,
		channelOn:     "/yosc/ch/%d/on",
		masterOn:      "/yosc/st/on",
		onMeansActive: true,
		faderOps:      false, // fader moves acknowledged vacuously
	},
}

// Mixer drives an OSC audio console.
type Mixer struct {
	log     zerolog.Logger
	family  string
	host    string
	port    int
	dialect mixerDialect
	tcpMIDI bool

	mu        sync.Mutex
	client    *osc.Client
	mainMuted bool
	mainFader float64 // dB, last commanded
	stopKeep  chan struct{}
}

// NewMixer creates a console driver. family selects the dialect; addr is a
// host with an optional port overriding the family default.
func NewMixer(log zerolog.Logger, family, addr string) (*Mixer, error) {
	dialect, ok := mixerDialects[family]
	if !ok {
		return nil, wire.Errorf(wire.KindInvalidParams, "unknown mixer family %q", family)
	}

	host, port := addr, dialect.port
	if h, p, err := net.SplitHostPort(addr); err == nil {
		host = h
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	l := log.With().Str("device", "mixer").Str("family", family).Logger()
	m := &Mixer{
		log:     l,
		family:  family,
		host:    host,
		port:    port,
		dialect: dialect,
	}
	if family == FamilyYamaha && port == yamahaMIDIPort {
		m.tcpMIDI = true
		l.Warn().Msg("console configured on the TCP MIDI port; commands acknowledged without effect")
	}
	return m, nil
}

func (m *Mixer) Name() string { return "mixer" }

// Connect prepares the OSC client and starts the keepalive resubscription
// when the dialect needs one. UDP has no handshake, so this cannot fail
// against an absent console. Idempotent.
func (m *Mixer) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return nil
	}
	m.client = osc.NewClient(m.host, m.port)
	if m.dialect.keepalive != "" && !m.tcpMIDI {
		m.stopKeep = make(chan struct{})
		go m.keepaliveLoop(m.stopKeep)
	}
	m.log.Info().Str("host", m.host).Int("port", m.port).Msg("connected")
	return nil
}

// Disconnect stops the keepalive and releases the client. Idempotent.
func (m *Mixer) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopKeep != nil {
		close(m.stopKeep)
		m.stopKeep = nil
	}
	m.client = nil
}

// IsReachable probes the console. For the TCP MIDI variant this is a real
// dial; for OSC over UDP it reports whether a datagram can be written, which
// is best-effort.
func (m *Mixer) IsReachable(ctx context.Context) bool {
	addr := net.JoinHostPort(m.host, strconv.Itoa(m.port))
	if m.tcpMIDI {
		d := net.Dialer{Timeout: probeTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
	conn, err := net.DialTimeout("udp", addr, probeTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	probe := m.dialect.keepalive
	if probe == "" {
		probe = "/info"
	}
	data, err := osc.NewMessage(probe).MarshalBinary()
	if err != nil {
		return false
	}
	_, err = conn.Write(data)
	return err == nil
}

// Connected reports whether Connect has prepared the client.
func (m *Mixer) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil
}

// Snapshot returns the last commanded console state.
func (m *Mixer) Snapshot() wire.MixerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return wire.MixerStatus{
		Connected: m.client != nil,
		Type:      m.family,
		MainMuted: m.mainMuted,
		MainFader: m.mainFader,
	}
}

func (m *Mixer) Status() any { return m.Snapshot() }

// MuteChannel mutes a channel regardless of the family's native polarity.
func (m *Mixer) MuteChannel(channel int) error {
	return m.setChannelMute(channel, true)
}

// UnmuteChannel unmutes a channel.
func (m *Mixer) UnmuteChannel(channel int) error {
	return m.setChannelMute(channel, false)
}

func (m *Mixer) setChannelMute(channel int, muted bool) error {
	if channel < 1 {
		return wire.Errorf(wire.KindInvalidParams, "channel must be >= 1")
	}
	if m.tcpMIDI {
		return m.vacuous("channel mute")
	}
	addr := fmt.Sprintf(m.dialect.channelOn, channel)
	return m.send(osc.NewMessage(addr, m.muteValue(muted)))
}

// MuteMaster mutes the main bus.
func (m *Mixer) MuteMaster() error { return m.setMasterMute(true) }

// UnmuteMaster unmutes the main bus.
func (m *Mixer) UnmuteMaster() error { return m.setMasterMute(false) }

func (m *Mixer) setMasterMute(muted bool) error {
	if m.tcpMIDI {
		return m.vacuous("master mute")
	}
	if err := m.send(osc.NewMessage(m.dialect.masterOn, m.muteValue(muted))); err != nil {
		return err
	}
	m.mu.Lock()
	m.mainMuted = muted
	m.mu.Unlock()
	return nil
}

// muteValue converts the normalised muted flag to the family's polarity.
func (m *Mixer) muteValue(muted bool) int32 {
	if m.dialect.onMeansActive {
		if muted {
			return 0
		}
		return 1
	}
	if muted {
		return 1
	}
	return 0
}

// SetFader sets a channel fader in dB.
func (m *Mixer) SetFader(channel int, db float64) error {
	if channel < 1 {
		return wire.Errorf(wire.KindInvalidParams, "channel must be >= 1")
	}
	if m.tcpMIDI || !m.dialect.faderOps {
		return m.vacuous("channel fader")
	}
	addr := fmt.Sprintf(m.dialect.channelFader, channel)
	return m.send(osc.NewMessage(addr, faderLevel(db)))
}

// SetMasterFader sets the main fader in dB.
func (m *Mixer) SetMasterFader(db float64) error {
	if m.tcpMIDI || !m.dialect.faderOps {
		return m.vacuous("master fader")
	}
	if err := m.send(osc.NewMessage(m.dialect.masterFader, faderLevel(db))); err != nil {
		return err
	}
	m.mu.Lock()
	m.mainFader = db
	m.mu.Unlock()
	return nil
}

// faderLevel maps dB in [-90, +10] onto the consoles' normalised 0..1 fader
// range.
func faderLevel(db float64) float32 {
	return float32(clampF((db+90)/100, 0, 1))
}

// vacuous acknowledges an operation the console family cannot express.
func (m *Mixer) vacuous(op string) error {
	m.mu.Lock()
	connected := m.client != nil
	m.mu.Unlock()
	if !connected {
		return wire.Errorf(wire.KindDeviceUnreachable, "mixer not connected")
	}
	m.log.Warn().Str("op", op).Msg("console family does not implement this; acknowledged without effect")
	return nil
}

func (m *Mixer) send(msg *osc.Message) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return wire.Errorf(wire.KindDeviceUnreachable, "mixer not connected")
	}
	if err := client.Send(msg); err != nil {
		return wire.WrapErr(wire.KindDeviceUnreachable, "mixer send", err)
	}
	return nil
}

// keepaliveLoop re-sends the subscription message so the console keeps
// treating us as a remote. Errors are swallowed; the next tick retries.
func (m *Mixer) keepaliveLoop(stop chan struct{}) {
	t := time.NewTicker(m.dialect.keepaliveEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.mu.Lock()
			client := m.client
			m.mu.Unlock()
			if client != nil {
				_ = client.Send(osc.NewMessage(m.dialect.keepalive))
			}
		}
	}
}
