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

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/wire"
)

// macroPageScan bounds how many pages PressByName walks looking for a label.
const macroPageScan = 10

// MacroStatus summarizes the button host for telemetry.
type MacroStatus struct {
	Connected bool `json:"connected"`
}

type macroButton struct {
	Row    int    `json:"row"`
	Column int    `json:"column"`
	Text   string `json:"text"`
}

type macroPage struct {
	Buttons []macroButton `json:"buttons"`
}

// MacroHost drives the button grid host over HTTP. Stateless like the clip
// server; reachability is probed per call.
type MacroHost struct {
	log     zerolog.Logger
	baseURL string
	http    *http.Client

	mu sync.Mutex
	ok bool
}

// NewMacroHost creates a button host driver for a base URL such as
// http://host:8000.
func NewMacroHost(log zerolog.Logger, baseURL string) *MacroHost {
	return &MacroHost{
		log:     log.With().Str("device", "macro").Logger(),
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (m *MacroHost) Name() string { return "macro" }

// Connect probes the first page.
func (m *MacroHost) Connect(ctx context.Context) error {
	if _, err := m.page(ctx, 1); err != nil {
		return err
	}
	m.log.Info().Str("url", m.baseURL).Msg("connected")
	return nil
}

// Disconnect is a no-op; there is no persistent link.
func (m *MacroHost) Disconnect() {}

// IsReachable fetches page 1 with a short deadline.
func (m *MacroHost) IsReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := m.page(ctx, 1)
	return err == nil
}

// Press pushes the button at a one-based page/row/column location.
func (m *MacroHost) Press(ctx context.Context, page, row, column int) error {
	if page < 1 || row < 0 || column < 0 {
		return wire.Errorf(wire.KindInvalidParams, "page must be >= 1, row and column >= 0")
	}
	path := fmt.Sprintf("/api/location/%d/%d/%d/press", page, row, column)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, nil)
	if err != nil {
		return wire.WrapErr(wire.KindInternal, "macro request", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		m.setOK(false)
		return wire.WrapErr(wire.KindDeviceUnreachable, "macro press", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	m.setOK(true)
	if resp.StatusCode >= 400 {
		return wire.Errorf(wire.KindInvalidParams, "macro: HTTP %d on %s", resp.StatusCode, path)
	}
	return nil
}

// PressByName scans the first pages for a button whose text contains the
// query, case-insensitive, and presses the first match. Returns the location
// pressed.
func (m *MacroHost) PressByName(ctx context.Context, query string) (page, row, column int, text string, err error) {
	if query == "" {
		return 0, 0, 0, "", wire.Errorf(wire.KindInvalidParams, "name is required")
	}
	q := strings.ToLower(query)
	for p := 1; p <= macroPageScan; p++ {
		pg, err := m.page(ctx, p)
		if err != nil {
			// Pages past the configured range 404; stop scanning on any error.
			break
		}
		for _, b := range pg.Buttons {
			if b.Text == "" || !strings.Contains(strings.ToLower(b.Text), q) {
				continue
			}
			if err := m.Press(ctx, p, b.Row, b.Column); err != nil {
				return 0, 0, 0, "", err
			}
			return p, b.Row, b.Column, b.Text, nil
		}
	}
	return 0, 0, 0, "", wire.Errorf(wire.KindNotFound, "no button matching %q", query)
}

// Snapshot reports whether the most recent call reached the host.
func (m *MacroHost) Snapshot() MacroStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MacroStatus{Connected: m.ok}
}

func (m *MacroHost) Status() any { return m.Snapshot() }

func (m *MacroHost) setOK(ok bool) {
	m.mu.Lock()
	m.ok = ok
	m.mu.Unlock()
}

func (m *MacroHost) page(ctx context.Context, n int) (*macroPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/pages/%d", m.baseURL, n), nil)
	if err != nil {
		return nil, wire.WrapErr(wire.KindInternal, "macro request", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		m.setOK(false)
		return nil, wire.WrapErr(wire.KindDeviceUnreachable, "macro query", err)
	}
	m.setOK(true)
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, wire.Errorf(wire.KindNotFound, "macro page %d: HTTP %d", n, resp.StatusCode)
	}
	var pg macroPage
	if err := json.NewDecoder(resp.Body).Decode(&pg); err != nil {
		return nil, wire.WrapErr(wire.KindInternal, "macro page reply", err)
	}
	return &pg, nil
}
