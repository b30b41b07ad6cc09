package device

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/wire"
)

// The streaming encoder speaks JSON-RPC over a websocket: requests carry a
// request-type and a caller-chosen message-id echoed on the reply, and the
// encoder pushes update-type messages for state changes. Authentication is a
// salted challenge handshake.
const streamerCallTimeout = 10 * time.Second

type callReply struct {
	data json.RawMessage
	err  error
}

// Streamer drives the streaming encoder.
type Streamer struct {
	log      zerolog.Logger
	url      string
	password string
	onEvent  EventFunc
	recon    reconnector

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	ctx    context.Context
	calls  map[string]chan callReply

	writeMu sync.Mutex

	streaming bool
	recording bool
	fps       float64
	bitrate   int // kbps, from status pushes
	cpu       float64
	scene     string
}

// streamerMsg is the envelope for every inbound frame; replies have a
// message-id, pushes an update-type.
type streamerMsg struct {
	MessageID   string  `json:"message-id"`
	UpdateType  string  `json:"update-type"`
	Status      string  `json:"status"`
	Error       string  `json:"error"`
	FPS         float64 `json:"fps"`
	KbitsPerSec int     `json:"kbits-per-sec"`
	CPUUsage    float64 `json:"cpu-usage"`
	Streaming   bool    `json:"streaming"`
	Recording   bool    `json:"recording"`
	SceneName   string  `json:"scene-name"`
}

// NewStreamer creates a streamer driver for a ws:// URL. password may be
// empty when the encoder has authentication disabled. onEvent may be nil.
func NewStreamer(log zerolog.Logger, url, password string, onEvent EventFunc) *Streamer {
	l := log.With().Str("device", "streamer").Logger()
	return &Streamer{
		log:      l,
		url:      url,
		password: password,
		onEvent:  onEvent,
		recon:    reconnector{log: l},
		calls:    make(map[string]chan callReply),
	}
}

func (s *Streamer) Name() string { return "streamer" }

// Connect dials the encoder, authenticates, and seeds state from a status
// query. Calling it while connected is a no-op.
func (s *Streamer) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = false
	s.ctx = ctx
	s.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return wire.WrapErr(wire.KindDeviceUnreachable, "streamer dial", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)

	if err := s.authenticate(ctx); err != nil {
		s.Disconnect()
		return err
	}
	s.seedState(ctx)

	s.log.Info().Str("url", s.url).Msg("connected")
	s.emit("streamer_connected", nil)
	return nil
}

// authenticate runs the challenge handshake when the encoder demands one.
func (s *Streamer) authenticate(ctx context.Context) error {
	raw, err := s.Call(ctx, "GetAuthRequired", nil)
	if err != nil {
		return err
	}
	var auth struct {
		AuthRequired bool   `json:"authRequired"`
		Challenge    string `json:"challenge"`
		Salt         string `json:"salt"`
	}
	if err := json.Unmarshal(raw, &auth); err != nil {
		return wire.WrapErr(wire.KindInternal, "auth reply", err)
	}
	if !auth.AuthRequired {
		return nil
	}
	if s.password == "" {
		return wire.Errorf(wire.KindUnauthenticated, "streamer requires a password")
	}

	secret := sha256.Sum256([]byte(s.password + auth.Salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	response := sha256.Sum256([]byte(secretB64 + auth.Challenge))

	_, err = s.Call(ctx, "Authenticate", map[string]any{
		"auth": base64.StdEncoding.EncodeToString(response[:]),
	})
	if err != nil {
		return wire.WrapErr(wire.KindUnauthenticated, "streamer auth", err)
	}
	return nil
}

// seedState pulls the current streaming/recording flags so the snapshot is
// honest before the first push arrives. Failures are swallowed.
func (s *Streamer) seedState(ctx context.Context) {
	raw, err := s.Call(ctx, "GetStreamingStatus", nil)
	if err != nil {
		return
	}
	var st struct {
		Streaming bool `json:"streaming"`
		Recording bool `json:"recording"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return
	}
	s.mu.Lock()
	s.streaming = st.Streaming
	s.recording = st.Recording
	s.mu.Unlock()
}

// Disconnect closes the socket and stops reconnect attempts. Idempotent.
func (s *Streamer) Disconnect() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// IsReachable dials a throwaway websocket when not connected.
func (s *Streamer) IsReachable(ctx context.Context) bool {
	s.mu.Lock()
	up := s.conn != nil
	s.mu.Unlock()
	if up {
		return true
	}
	dialer := websocket.Dialer{HandshakeTimeout: probeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Connected reports whether the link is up.
func (s *Streamer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Streaming reports whether the encoder says it is live.
func (s *Streamer) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Snapshot returns the mirrored encoder state.
func (s *Streamer) Snapshot() wire.StreamerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.StreamerStatus{
		Connected:    s.conn != nil,
		Streaming:    s.streaming,
		Recording:    s.recording,
		FPS:          s.fps,
		Bitrate:      s.bitrate,
		CPUUsage:     s.cpu,
		CurrentScene: s.scene,
	}
}

func (s *Streamer) Status() any { return s.Snapshot() }

// Call sends one request and blocks for the matching reply. A 10 s deadline
// applies when ctx carries none.
func (s *Streamer) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, streamerCallTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	req := make(map[string]any, len(params)+2)
	for k, v := range params {
		req[k] = v
	}
	req["request-type"] = method
	req["message-id"] = id

	ch := make(chan callReply, 1)
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, wire.Errorf(wire.KindDeviceUnreachable, "streamer not connected")
	}
	s.calls[id] = ch
	s.mu.Unlock()

	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := conn.WriteJSON(req)
	s.writeMu.Unlock()
	if err != nil {
		s.forgetCall(id)
		s.dropConn(conn)
		return nil, wire.WrapErr(wire.KindDeviceUnreachable, "streamer write", err)
	}

	select {
	case rep := <-ch:
		return rep.data, rep.err
	case <-ctx.Done():
		s.forgetCall(id)
		return nil, wire.WrapErr(wire.KindTimeout, method, ctx.Err())
	}
}

func (s *Streamer) forgetCall(id string) {
	s.mu.Lock()
	delete(s.calls, id)
	s.mu.Unlock()
}

// StartStreaming starts the broadcast.
func (s *Streamer) StartStreaming(ctx context.Context) error {
	_, err := s.Call(ctx, "StartStreaming", nil)
	return err
}

// StopStreaming stops the broadcast.
func (s *Streamer) StopStreaming(ctx context.Context) error {
	_, err := s.Call(ctx, "StopStreaming", nil)
	return err
}

// RestartStream stops and restarts the broadcast with a short settle pause.
func (s *Streamer) RestartStream(ctx context.Context) error {
	if err := s.StopStreaming(ctx); err != nil {
		return err
	}
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.StartStreaming(ctx)
}

// StartRecording starts the local recording.
func (s *Streamer) StartRecording(ctx context.Context) error {
	_, err := s.Call(ctx, "StartRecording", nil)
	return err
}

// StopRecording stops the local recording.
func (s *Streamer) StopRecording(ctx context.Context) error {
	_, err := s.Call(ctx, "StopRecording", nil)
	return err
}

// SetScene switches the active scene.
func (s *Streamer) SetScene(ctx context.Context, name string) error {
	if name == "" {
		return wire.Errorf(wire.KindInvalidParams, "scene is required")
	}
	_, err := s.Call(ctx, "SetCurrentScene", map[string]any{"scene-name": name})
	return err
}

// Bitrate returns the encoder's current output bitrate in kbps, preferring
// the live status pushes over a settings query.
func (s *Streamer) Bitrate(ctx context.Context) (int, error) {
	s.mu.Lock()
	kbps := s.bitrate
	s.mu.Unlock()
	if kbps > 0 {
		return kbps, nil
	}
	raw, err := s.Call(ctx, "GetEncoderSettings", nil)
	if err != nil {
		return 0, err
	}
	var settings struct {
		Bitrate int `json:"bitrate"`
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return 0, wire.WrapErr(wire.KindInternal, "encoder settings", err)
	}
	return settings.Bitrate, nil
}

// SetBitrate reconfigures the encoder's target bitrate in kbps.
func (s *Streamer) SetBitrate(ctx context.Context, kbps int) error {
	if kbps < 100 {
		return wire.Errorf(wire.KindInvalidParams, "bitrate must be >= 100 kbps")
	}
	_, err := s.Call(ctx, "SetEncoderSettings", map[string]any{"bitrate": kbps})
	return err
}

// ReduceBitrate lowers the target bitrate by percent and returns the new
// value. Used by congestion recovery.
func (s *Streamer) ReduceBitrate(ctx context.Context, percent int) (int, error) {
	if percent < 1 || percent > 90 {
		return 0, wire.Errorf(wire.KindInvalidParams, "percent must be in [1, 90]")
	}
	current, err := s.Bitrate(ctx)
	if err != nil {
		return 0, err
	}
	if current <= 0 {
		return 0, wire.Errorf(wire.KindDeviceUnreachable, "current bitrate unknown")
	}
	target := current * (100 - percent) / 100
	if target < 100 {
		target = 100
	}
	if err := s.SetBitrate(ctx, target); err != nil {
		return 0, err
	}
	return target, nil
}

// Screenshot asks the encoder for a JPEG frame of the program output.
// Returns base64 image data with the data-URI prefix stripped.
func (s *Streamer) Screenshot(ctx context.Context, width int) (data string, w, h int, err error) {
	if width <= 0 {
		width = 960
	}
	raw, err := s.Call(ctx, "TakeSourceScreenshot", map[string]any{
		"embedPictureFormat": "jpeg",
		"width":              width,
	})
	if err != nil {
		return "", 0, 0, err
	}
	var shot struct {
		Img    string `json:"img"`
		Width  int    `json:"imageWidth"`
		Height int    `json:"imageHeight"`
	}
	if err := json.Unmarshal(raw, &shot); err != nil {
		return "", 0, 0, wire.WrapErr(wire.KindInternal, "screenshot reply", err)
	}
	if i := strings.IndexByte(shot.Img, ','); i >= 0 {
		shot.Img = shot.Img[i+1:]
	}
	return shot.Img, shot.Width, shot.Height, nil
}

// readLoop dispatches replies to waiting calls and folds pushes into state.
func (s *Streamer) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.dropConn(conn)
			return
		}
		var msg streamerMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug().Err(err).Msg("unparseable frame")
			continue
		}
		if msg.MessageID != "" {
			s.resolveCall(msg, data)
			continue
		}
		if msg.UpdateType != "" {
			s.handlePush(msg)
		}
	}
}

func (s *Streamer) resolveCall(msg streamerMsg, data []byte) {
	s.mu.Lock()
	ch, ok := s.calls[msg.MessageID]
	if ok {
		delete(s.calls, msg.MessageID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if msg.Status == "error" {
		ch <- callReply{err: wire.Errorf(wire.KindInternal, "streamer: %s", msg.Error)}
		return
	}
	ch <- callReply{data: data}
}

func (s *Streamer) handlePush(msg streamerMsg) {
	switch msg.UpdateType {
	case "StreamStarted":
		s.mu.Lock()
		s.streaming = true
		s.mu.Unlock()
		s.emit("stream_started", nil)
	case "StreamStopped":
		s.mu.Lock()
		s.streaming = false
		s.mu.Unlock()
		s.emit("stream_stopped", nil)
	case "RecordingStarted":
		s.mu.Lock()
		s.recording = true
		s.mu.Unlock()
		s.emit("recording_started", nil)
	case "RecordingStopped":
		s.mu.Lock()
		s.recording = false
		s.mu.Unlock()
		s.emit("recording_stopped", nil)
	case "StreamStatus":
		s.mu.Lock()
		s.streaming = msg.Streaming
		s.recording = msg.Recording
		s.fps = msg.FPS
		s.bitrate = msg.KbitsPerSec
		s.cpu = msg.CPUUsage
		s.mu.Unlock()
	case "SwitchScenes":
		s.mu.Lock()
		s.scene = msg.SceneName
		s.mu.Unlock()
		s.emit("scene_changed", map[string]any{"scene": msg.SceneName})
	}
}

// dropConn clears the connection if it is still current, fails outstanding
// calls, and schedules a reconnect unless Disconnect was called.
func (s *Streamer) dropConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	closed := s.closed
	ctx := s.ctx
	calls := s.calls
	s.calls = make(map[string]chan callReply)
	s.mu.Unlock()

	conn.Close()
	for _, ch := range calls {
		ch <- callReply{err: wire.Errorf(wire.KindDeviceUnreachable, "streamer connection lost")}
	}
	if closed {
		return
	}
	s.log.Warn().Msg("connection lost")
	s.emit("streamer_disconnected", nil)
	s.recon.trigger(ctx, s.Connect)
}

func (s *Streamer) emit(event string, data map[string]any) {
	if s.onEvent != nil {
		s.onEvent(event, data)
	}
}
