package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/wire"
)

// The switcher speaks a binary block protocol over TCP 9910. Each frame is a
// big-endian uint16 length followed by a 4-char ASCII block code and its
// payload; the length counts code plus payload. On connect the device dumps
// its full state as a burst of the same blocks it uses for live change
// notifications.
const (
	switcherPort     = 9910
	maxSwitcherFrame = 1024
	inputLabelLen    = 20
)

// Transition durations derive from a rate in frames at 30 fps and are
// clamped to keep operator mistakes from producing imperceptible or
// minute-long transitions.
const (
	minTransitionMS = 200
	maxTransitionMS = 3000
)

// Switcher drives the production video switcher.
type Switcher struct {
	log     zerolog.Logger
	addr    string
	onEvent EventFunc
	recon   reconnector

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	ctx    context.Context

	// Mirrored device state, updated by the read loop.
	program        int
	preview        int
	recording      bool
	inTransition   bool
	fadedToBlack   bool
	labels         map[int]string
	transitionRate int // frames at 30 fps
	masterLevel    float64
	masterLevelAt  time.Time
}

// NewSwitcher creates a switcher driver for host (port 9910 unless addr
// already carries one). onEvent may be nil.
func NewSwitcher(log zerolog.Logger, addr string, onEvent EventFunc) *Switcher {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = fmt.Sprintf("%s:%d", addr, switcherPort)
	}
	l := log.With().Str("device", "switcher").Logger()
	return &Switcher{
		log:            l,
		addr:           addr,
		onEvent:        onEvent,
		recon:          reconnector{log: l},
		labels:         make(map[int]string),
		transitionRate: 30,
	}
}

func (s *Switcher) Name() string { return "switcher" }

// Connect dials the switcher and starts the read loop. Calling it while
// connected is a no-op. The context is retained for reconnect attempts.
func (s *Switcher) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = false
	s.ctx = ctx
	s.mu.Unlock()

	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return wire.WrapErr(wire.KindDeviceUnreachable, "switcher dial", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()

	s.log.Info().Str("addr", s.addr).Msg("connected")
	go s.readLoop(conn)
	return nil
}

// Disconnect closes the link and stops reconnect attempts. Idempotent.
func (s *Switcher) Disconnect() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// IsReachable probes the TCP port without keeping the connection.
func (s *Switcher) IsReachable(ctx context.Context) bool {
	s.mu.Lock()
	up := s.conn != nil
	s.mu.Unlock()
	if up {
		return true
	}
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Connected reports whether the link is up.
func (s *Switcher) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Snapshot returns the mirrored device state.
func (s *Switcher) Snapshot() wire.SwitcherStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := wire.SwitcherStatus{
		Connected:    s.conn != nil,
		ProgramInput: s.program,
		PreviewInput: s.preview,
		Recording:    s.recording,
		InTransition: s.inTransition,
		FadedToBlack: s.fadedToBlack,
	}
	if len(s.labels) > 0 {
		st.InputLabels = make(map[int]string, len(s.labels))
		for k, v := range s.labels {
			st.InputLabels[k] = v
		}
	}
	return st
}

func (s *Switcher) Status() any { return s.Snapshot() }

// MasterAudioLevel returns the last master level block pushed by the device,
// in its raw on-wire encoding, with its arrival time. ok is false until the
// first block arrives.
func (s *Switcher) MasterAudioLevel() (raw float64, at time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterLevel, s.masterLevelAt, !s.masterLevelAt.IsZero()
}

// SetProgram cuts the program bus to the given input.
func (s *Switcher) SetProgram(input int) error {
	if input < 0 {
		return wire.Errorf(wire.KindInvalidParams, "input must be >= 0")
	}
	return s.writeBlock("CPgI", u16(input))
}

// SetPreview selects the preview bus input.
func (s *Switcher) SetPreview(input int) error {
	if input < 0 {
		return wire.Errorf(wire.KindInvalidParams, "input must be >= 0")
	}
	return s.writeBlock("CPvI", u16(input))
}

// Cut performs an immediate program/preview swap.
func (s *Switcher) Cut() error { return s.writeBlock("DCut", nil) }

// Auto runs a timed transition at the stored rate.
func (s *Switcher) Auto() error {
	s.mu.Lock()
	rate := s.transitionRate
	s.mu.Unlock()
	return s.writeBlock("DAut", u16(transitionDuration(rate)))
}

// transitionDuration converts a rate in frames at 30 fps to milliseconds,
// clamped to [200, 3000].
func transitionDuration(rate int) int {
	return clampI(rate*1000/30, minTransitionMS, maxTransitionMS)
}

// SetTransitionRate stores the rate used by Auto and forwards it to the
// device.
func (s *Switcher) SetTransitionRate(rate int) error {
	if rate < 1 {
		return wire.Errorf(wire.KindInvalidParams, "rate must be >= 1")
	}
	s.mu.Lock()
	s.transitionRate = rate
	s.mu.Unlock()
	return s.writeBlock("TrRt", u16(rate))
}

// Transition styles accepted by SetTransitionStyle.
var transitionStyles = map[string]byte{
	"mix":  0,
	"dip":  1,
	"wipe": 2,
	"dve":  3,
}

// SetTransitionStyle selects the next-transition style (mix, dip, wipe, dve).
func (s *Switcher) SetTransitionStyle(style string) error {
	code, ok := transitionStyles[style]
	if !ok {
		return wire.Errorf(wire.KindInvalidParams, "unknown transition style %q", style)
	}
	return s.writeBlock("TrSy", []byte{code})
}

// FadeToBlack toggles the fade-to-black state.
func (s *Switcher) FadeToBlack() error { return s.writeBlock("FtbA", nil) }

// StartRecording starts the switcher's internal recorder.
func (s *Switcher) StartRecording() error { return s.writeBlock("RecS", []byte{1}) }

// StopRecording stops the switcher's internal recorder.
func (s *Switcher) StopRecording() error { return s.writeBlock("RecS", []byte{0}) }

// SetInputLabel renames an input. Labels are stored fixed-width on the wire;
// longer names are truncated.
func (s *Switcher) SetInputLabel(input int, label string) error {
	if input < 0 {
		return wire.Errorf(wire.KindInvalidParams, "input must be >= 0")
	}
	if label == "" {
		return wire.Errorf(wire.KindInvalidParams, "label is required")
	}
	payload := make([]byte, 2+inputLabelLen)
	binary.BigEndian.PutUint16(payload, uint16(input))
	copy(payload[2:], label)
	return s.writeBlock("CInL", payload)
}

// SetUpstreamKeyer sets an upstream keyer on or off air.
func (s *Switcher) SetUpstreamKeyer(keyer int, on bool) error {
	if keyer < 1 {
		return wire.Errorf(wire.KindInvalidParams, "keyer must be >= 1")
	}
	return s.writeBlock("KeUS", []byte{byte(keyer), boolByte(on)})
}

// SetDownstreamKeyer sets a downstream keyer on or off air.
func (s *Switcher) SetDownstreamKeyer(keyer int, on bool) error {
	if keyer < 1 {
		return wire.Errorf(wire.KindInvalidParams, "keyer must be >= 1")
	}
	return s.writeBlock("KeDS", []byte{byte(keyer), boolByte(on)})
}

// RunMacro fires a stored device macro by index.
func (s *Switcher) RunMacro(index int) error {
	if index < 0 {
		return wire.Errorf(wire.KindInvalidParams, "index must be >= 0")
	}
	return s.writeBlock("MRun", u16(index))
}

// SetSuperSourceBox positions one SuperSource box. Position is clamped to
// [-1, 1] per axis and size to [0.05, 1].
func (s *Switcher) SetSuperSourceBox(box int, enabled bool, x, y, size float64) error {
	if box < 1 {
		return wire.Errorf(wire.KindInvalidParams, "box must be >= 1")
	}
	x = clampF(x, -1, 1)
	y = clampF(y, -1, 1)
	size = clampF(size, 0.05, 1)

	payload := make([]byte, 8)
	payload[0] = byte(box)
	payload[1] = boolByte(enabled)
	binary.BigEndian.PutUint16(payload[2:], uint16(int16(x*1000)))
	binary.BigEndian.PutUint16(payload[4:], uint16(int16(y*1000)))
	binary.BigEndian.PutUint16(payload[6:], uint16(size*1000))
	return s.writeBlock("SSBx", payload)
}

// SetColorGenerator sets a color generator. Hue is clamped to [0, 359],
// saturation and luma to [0, 1000].
func (s *Switcher) SetColorGenerator(gen, hue, sat, luma int) error {
	if gen < 1 {
		return wire.Errorf(wire.KindInvalidParams, "generator must be >= 1")
	}
	hue = clampI(hue, 0, 359)
	sat = clampI(sat, 0, 1000)
	luma = clampI(luma, 0, 1000)

	payload := make([]byte, 7)
	payload[0] = byte(gen)
	binary.BigEndian.PutUint16(payload[1:], uint16(hue))
	binary.BigEndian.PutUint16(payload[3:], uint16(sat))
	binary.BigEndian.PutUint16(payload[5:], uint16(luma))
	return s.writeBlock("ClrG", payload)
}

// PTZMove drives a camera head. Pan and tilt velocities are clamped to
// [-1, 1].
func (s *Switcher) PTZMove(camera int, pan, tilt float64) error {
	if camera < 1 {
		return wire.Errorf(wire.KindInvalidParams, "camera must be >= 1")
	}
	pan = clampF(pan, -1, 1)
	tilt = clampF(tilt, -1, 1)

	payload := make([]byte, 5)
	payload[0] = byte(camera)
	binary.BigEndian.PutUint16(payload[1:], uint16(int16(pan*1000)))
	binary.BigEndian.PutUint16(payload[3:], uint16(int16(tilt*1000)))
	return s.writeBlock("PTZd", payload)
}

// PTZZoom drives a camera zoom. Velocity is clamped to [-1, 1].
func (s *Switcher) PTZZoom(camera int, zoom float64) error {
	if camera < 1 {
		return wire.Errorf(wire.KindInvalidParams, "camera must be >= 1")
	}
	zoom = clampF(zoom, -1, 1)

	payload := make([]byte, 3)
	payload[0] = byte(camera)
	binary.BigEndian.PutUint16(payload[1:], uint16(int16(zoom*1000)))
	return s.writeBlock("PTZz", payload)
}

// SetAux routes a source to an aux output.
func (s *Switcher) SetAux(aux, source int) error {
	if aux < 1 {
		return wire.Errorf(wire.KindInvalidParams, "aux must be >= 1")
	}
	if source < 0 {
		return wire.Errorf(wire.KindInvalidParams, "source must be >= 0")
	}
	payload := make([]byte, 3)
	payload[0] = byte(aux)
	binary.BigEndian.PutUint16(payload[1:], uint16(source))
	return s.writeBlock("CAux", payload)
}

// writeBlock frames and sends one command block.
func (s *Switcher) writeBlock(code string, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return wire.Errorf(wire.KindDeviceUnreachable, "switcher not connected")
	}

	frame := make([]byte, 2, 6+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(4+len(payload)))
	frame = append(frame, code...)
	frame = append(frame, payload...)

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(frame); err != nil {
		s.dropConn(conn)
		return wire.WrapErr(wire.KindDeviceUnreachable, "switcher write", err)
	}
	return nil
}

// readLoop consumes state blocks until the connection drops, then kicks the
// reconnector.
func (s *Switcher) readLoop(conn net.Conn) {
	for {
		code, payload, err := readSwitcherFrame(conn)
		if err != nil {
			s.dropConn(conn)
			return
		}
		s.handleBlock(code, payload)
	}
}

// dropConn clears the connection if it is still current and schedules a
// reconnect unless Disconnect was called.
func (s *Switcher) dropConn(conn net.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	closed := s.closed
	ctx := s.ctx
	s.mu.Unlock()

	conn.Close()
	if closed {
		return
	}
	s.log.Warn().Msg("connection lost")
	s.emit("switcher_disconnected", nil)
	s.recon.trigger(ctx, s.Connect)
}

func (s *Switcher) handleBlock(code string, payload []byte) {
	switch code {
	case "PrgI":
		if len(payload) < 2 {
			return
		}
		input := int(binary.BigEndian.Uint16(payload))
		s.mu.Lock()
		s.program = input
		s.mu.Unlock()
		s.emit("program_changed", map[string]any{"input": input})
	case "PrvI":
		if len(payload) < 2 {
			return
		}
		input := int(binary.BigEndian.Uint16(payload))
		s.mu.Lock()
		s.preview = input
		s.mu.Unlock()
		s.emit("preview_changed", map[string]any{"input": input})
	case "TrSS":
		if len(payload) < 1 {
			return
		}
		s.mu.Lock()
		s.inTransition = payload[0] != 0
		s.mu.Unlock()
	case "FtbS":
		if len(payload) < 1 {
			return
		}
		ftb := payload[0] != 0
		s.mu.Lock()
		s.fadedToBlack = ftb
		s.mu.Unlock()
		s.emit("ftb_changed", map[string]any{"fadedToBlack": ftb})
	case "RecT":
		if len(payload) < 1 {
			return
		}
		rec := payload[0] != 0
		s.mu.Lock()
		s.recording = rec
		s.mu.Unlock()
		s.emit("recording_changed", map[string]any{"recording": rec})
	case "InLb":
		if len(payload) < 3 {
			return
		}
		input := int(binary.BigEndian.Uint16(payload))
		label := string(bytes.TrimRight(payload[2:], "\x00"))
		s.mu.Lock()
		s.labels[input] = label
		s.mu.Unlock()
	case "AMLv":
		if len(payload) < 4 {
			return
		}
		raw := int32(binary.BigEndian.Uint32(payload))
		s.mu.Lock()
		s.masterLevel = float64(raw)
		s.masterLevelAt = time.Now()
		s.mu.Unlock()
	default:
		s.log.Debug().Str("block", code).Msg("unhandled block")
	}
}

func (s *Switcher) emit(event string, data map[string]any) {
	if s.onEvent != nil {
		s.onEvent(event, data)
	}
}

// readSwitcherFrame reads one length-prefixed block.
func readSwitcherFrame(r io.Reader) (code string, payload []byte, err error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return "", nil, err
	}
	n := int(binary.BigEndian.Uint16(head[:]))
	if n < 4 || n > maxSwitcherFrame {
		return "", nil, fmt.Errorf("bad frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", nil, err
	}
	return string(body[:4]), body[4:], nil
}

func u16(v int) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(v))
	return b
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
