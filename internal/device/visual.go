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

// compositionTTL bounds how stale a cached composition may be. Mutating
// calls invalidate it immediately so lookups after a trigger see the result.
const compositionTTL = 5 * time.Second

// VisualStatus summarizes the clip server for telemetry.
type VisualStatus struct {
	Connected bool `json:"connected"`
	Layers    int  `json:"layers"`
	Columns   int  `json:"columns"`
	Clips     int  `json:"clips"`
}

type vcName struct {
	Value string `json:"value"`
}

type vcClip struct {
	Name vcName `json:"name"`
}

type vcLayer struct {
	Clips []vcClip `json:"clips"`
}

type vcColumn struct {
	Name vcName `json:"name"`
}

type vcComposition struct {
	Layers  []vcLayer  `json:"layers"`
	Columns []vcColumn `json:"columns"`
}

// Visual drives the clip playback server over its REST API. The server is
// stateless HTTP, so there is no persistent link to reconnect; each call
// stands alone.
type Visual struct {
	log     zerolog.Logger
	baseURL string
	http    *http.Client

	mu        sync.Mutex
	comp      *vcComposition
	fetchedAt time.Time
}

// NewVisual creates a clip server driver for a base URL such as
// http://host:8080.
func NewVisual(log zerolog.Logger, baseURL string) *Visual {
	return &Visual{
		log:     log.With().Str("device", "visual").Logger(),
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (v *Visual) Name() string { return "visual" }

// Connect warms the composition cache to verify the server is there.
func (v *Visual) Connect(ctx context.Context) error {
	_, err := v.composition(ctx)
	if err != nil {
		return err
	}
	v.log.Info().Str("url", v.baseURL).Msg("connected")
	return nil
}

// Disconnect drops the cache.
func (v *Visual) Disconnect() {
	v.mu.Lock()
	v.comp = nil
	v.fetchedAt = time.Time{}
	v.mu.Unlock()
}

// IsReachable fetches the composition with a short deadline.
func (v *Visual) IsReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := v.fetchComposition(ctx)
	return err == nil
}

// TriggerClip connects the first clip whose name contains the query,
// case-insensitive. Returns the layer, clip position, and full name matched.
func (v *Visual) TriggerClip(ctx context.Context, query string) (layer, clip int, name string, err error) {
	if query == "" {
		return 0, 0, "", wire.Errorf(wire.KindInvalidParams, "clip is required")
	}
	comp, err := v.composition(ctx)
	if err != nil {
		return 0, 0, "", err
	}
	q := strings.ToLower(query)
	for li, l := range comp.Layers {
		for ci, c := range l.Clips {
			if c.Name.Value == "" || !strings.Contains(strings.ToLower(c.Name.Value), q) {
				continue
			}
			// REST positions are one-based.
			if err := v.post(ctx, fmt.Sprintf("/composition/layers/%d/clips/%d/connect", li+1, ci+1)); err != nil {
				return 0, 0, "", err
			}
			return li + 1, ci + 1, c.Name.Value, nil
		}
	}
	return 0, 0, "", wire.Errorf(wire.KindNotFound, "no clip matching %q", query)
}

// TriggerColumnByName connects the first column whose name contains the
// query, case-insensitive.
func (v *Visual) TriggerColumnByName(ctx context.Context, query string) (column int, name string, err error) {
	if query == "" {
		return 0, "", wire.Errorf(wire.KindInvalidParams, "column is required")
	}
	comp, err := v.composition(ctx)
	if err != nil {
		return 0, "", err
	}
	q := strings.ToLower(query)
	for ci, c := range comp.Columns {
		if c.Name.Value == "" || !strings.Contains(strings.ToLower(c.Name.Value), q) {
			continue
		}
		if err := v.TriggerColumn(ctx, ci+1); err != nil {
			return 0, "", err
		}
		return ci + 1, c.Name.Value, nil
	}
	return 0, "", wire.Errorf(wire.KindNotFound, "no column matching %q", query)
}

// TriggerColumn connects a one-based column.
func (v *Visual) TriggerColumn(ctx context.Context, column int) error {
	if column < 1 {
		return wire.Errorf(wire.KindInvalidParams, "column must be >= 1")
	}
	return v.post(ctx, fmt.Sprintf("/composition/columns/%d/connect", column))
}

// ClearLayer disconnects whatever is playing on a one-based layer.
func (v *Visual) ClearLayer(ctx context.Context, layer int) error {
	if layer < 1 {
		return wire.Errorf(wire.KindInvalidParams, "layer must be >= 1")
	}
	return v.post(ctx, fmt.Sprintf("/composition/layers/%d/clear", layer))
}

// ClearAll disconnects every clip in the composition.
func (v *Visual) ClearAll(ctx context.Context) error {
	return v.post(ctx, "/composition/disconnectall")
}

// Snapshot reports cache-derived composition counts.
func (v *Visual) Snapshot() VisualStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := VisualStatus{Connected: v.comp != nil}
	if v.comp != nil {
		st.Layers = len(v.comp.Layers)
		st.Columns = len(v.comp.Columns)
		for _, l := range v.comp.Layers {
			st.Clips += len(l.Clips)
		}
	}
	return st
}

func (v *Visual) Status() any { return v.Snapshot() }

// composition returns the cached composition when fresh, refetching
// otherwise.
func (v *Visual) composition(ctx context.Context) (*vcComposition, error) {
	v.mu.Lock()
	if v.comp != nil && time.Since(v.fetchedAt) < compositionTTL {
		comp := v.comp
		v.mu.Unlock()
		return comp, nil
	}
	v.mu.Unlock()

	comp, err := v.fetchComposition(ctx)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.comp = comp
	v.fetchedAt = time.Now()
	v.mu.Unlock()
	return comp, nil
}

func (v *Visual) fetchComposition(ctx context.Context) (*vcComposition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/api/v1/composition", nil)
	if err != nil {
		return nil, wire.WrapErr(wire.KindInternal, "visual request", err)
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return nil, wire.WrapErr(wire.KindDeviceUnreachable, "visual query", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, wire.Errorf(wire.KindDeviceUnreachable, "visual query: HTTP %d", resp.StatusCode)
	}
	var comp vcComposition
	if err := json.NewDecoder(resp.Body).Decode(&comp); err != nil {
		return nil, wire.WrapErr(wire.KindInternal, "composition reply", err)
	}
	return &comp, nil
}

// post fires a mutating call and drops the cache so the next lookup refetches.
func (v *Visual) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/api/v1"+path, nil)
	if err != nil {
		return wire.WrapErr(wire.KindInternal, "visual request", err)
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return wire.WrapErr(wire.KindDeviceUnreachable, "visual command", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	v.mu.Lock()
	v.comp = nil
	v.fetchedAt = time.Time{}
	v.mu.Unlock()

	if resp.StatusCode >= 400 {
		return wire.Errorf(wire.KindInvalidParams, "visual: HTTP %d on %s", resp.StatusCode, path)
	}
	return nil
}
