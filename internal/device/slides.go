package device

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/wire"
)

// The slide app exposes a REST API for triggers and a stage-display
// websocket that pushes slideChanged as the operator advances. Commands work
// over plain HTTP whether or not the push socket is up.
type Slides struct {
	log     zerolog.Logger
	baseURL string
	http    *http.Client
	onEvent EventFunc
	recon   reconnector

	mu           sync.Mutex
	ws           *websocket.Conn
	closed       bool
	ctx          context.Context
	presentation string
	slideIndex   int
	slideTotal   int
}

// slidePush is the stage-display frame shape.
type slidePush struct {
	Action       string `json:"action"`
	Index        int    `json:"index"`
	Total        int    `json:"total"`
	Presentation string `json:"presentation"`
}

// NewSlides creates a slide app driver for a base URL such as
// http://host:1025. onEvent may be nil.
func NewSlides(log zerolog.Logger, baseURL string, onEvent EventFunc) *Slides {
	l := log.With().Str("device", "slides").Logger()
	return &Slides{
		log:     l,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
		onEvent: onEvent,
		recon:   reconnector{log: l},
	}
}

func (s *Slides) Name() string { return "slides" }

// Connect attaches the stage-display socket for slide-change pushes.
func (s *Slides) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.ws != nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = false
	s.ctx = ctx
	s.mu.Unlock()

	wsURL := strings.Replace(s.baseURL, "http", "ws", 1) + "/stagedisplay"
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return wire.WrapErr(wire.KindDeviceUnreachable, "slides stagedisplay dial", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.ws = conn
	s.mu.Unlock()

	go s.readLoop(conn)
	s.log.Info().Str("url", s.baseURL).Msg("connected")
	return nil
}

// Disconnect closes the push socket. Idempotent.
func (s *Slides) Disconnect() {
	s.mu.Lock()
	s.closed = true
	conn := s.ws
	s.ws = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// IsReachable checks the REST side with a HEAD on the version endpoint.
func (s *Slides) IsReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.baseURL+"/v1/version", nil)
	if err != nil {
		return false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Next advances to the next slide.
func (s *Slides) Next(ctx context.Context) error {
	return s.post(ctx, "/v1/presentation/active/trigger/next")
}

// Previous returns to the previous slide.
func (s *Slides) Previous(ctx context.Context) error {
	return s.post(ctx, "/v1/presentation/active/trigger/previous")
}

// GotoSlide triggers a specific zero-based slide of the active presentation.
func (s *Slides) GotoSlide(ctx context.Context, index int) error {
	if index < 0 {
		return wire.Errorf(wire.KindInvalidParams, "index must be >= 0")
	}
	return s.post(ctx, fmt.Sprintf("/v1/presentation/active/%d/trigger", index))
}

// Clear blanks the slide layer.
func (s *Slides) Clear(ctx context.Context) error {
	return s.post(ctx, "/v1/clear/layer/slide")
}

// StartPresentation triggers a presentation by id, or restarts the active
// one from its first slide when id is empty.
func (s *Slides) StartPresentation(ctx context.Context, id string) error {
	if id == "" {
		return s.post(ctx, "/v1/presentation/active/0/trigger")
	}
	return s.post(ctx, "/v1/presentation/"+id+"/trigger")
}

// StopPresentation blanks the slide layer, same as Clear.
func (s *Slides) StopPresentation(ctx context.Context) error {
	return s.Clear(ctx)
}

// Refresh queries the active presentation and folds it into the snapshot.
func (s *Slides) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/presentation/active", nil)
	if err != nil {
		return wire.WrapErr(wire.KindInternal, "slides request", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return wire.WrapErr(wire.KindDeviceUnreachable, "slides query", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		s.mu.Lock()
		s.presentation = ""
		s.slideIndex = 0
		s.slideTotal = 0
		s.mu.Unlock()
		return nil
	}
	if resp.StatusCode >= 400 {
		return wire.Errorf(wire.KindDeviceUnreachable, "slides query: HTTP %d", resp.StatusCode)
	}
	var active struct {
		Presentation struct {
			Name string `json:"name"`
			ID   string `json:"id"`
		} `json:"presentation"`
		Index int `json:"index"`
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&active); err != nil {
		return wire.WrapErr(wire.KindInternal, "slides reply", err)
	}
	s.mu.Lock()
	if active.Presentation.Name != "" {
		s.presentation = active.Presentation.Name
	} else {
		s.presentation = active.Presentation.ID
	}
	s.slideIndex = active.Index
	s.slideTotal = active.Total
	s.mu.Unlock()
	return nil
}

// Snapshot returns the mirrored slide state.
func (s *Slides) Snapshot() wire.SlidesStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.SlidesStatus{
		Connected:           s.ws != nil,
		Running:             s.presentation != "",
		CurrentPresentation: s.presentation,
		SlideIndex:          s.slideIndex,
		SlideTotal:          s.slideTotal,
	}
}

func (s *Slides) Status() any { return s.Snapshot() }

// post fires a bodyless trigger request and maps HTTP failures to wire kinds.
func (s *Slides) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, nil)
	if err != nil {
		return wire.WrapErr(wire.KindInternal, "slides request", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return wire.WrapErr(wire.KindDeviceUnreachable, "slides command", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return wire.Errorf(wire.KindNotFound, "slides: %s not found", path)
	case resp.StatusCode >= 400:
		return wire.Errorf(wire.KindInvalidParams, "slides: HTTP %d on %s", resp.StatusCode, path)
	}
	return nil
}

func (s *Slides) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.dropConn(conn)
			return
		}
		var push slidePush
		if err := json.Unmarshal(data, &push); err != nil || push.Action != "slideChanged" {
			continue
		}
		s.mu.Lock()
		s.slideIndex = push.Index
		s.slideTotal = push.Total
		if push.Presentation != "" {
			s.presentation = push.Presentation
		}
		s.mu.Unlock()
		s.emit("slide_changed", map[string]any{
			"index":        push.Index,
			"total":        push.Total,
			"presentation": push.Presentation,
		})
	}
}

func (s *Slides) dropConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.ws != conn {
		s.mu.Unlock()
		return
	}
	s.ws = nil
	closed := s.closed
	ctx := s.ctx
	s.mu.Unlock()

	conn.Close()
	if closed {
		return
	}
	s.log.Warn().Msg("stagedisplay socket lost")
	s.recon.trigger(ctx, s.Connect)
}

func (s *Slides) emit(event string, data map[string]any) {
	if s.onEvent != nil {
		s.onEvent(event, data)
	}
}
