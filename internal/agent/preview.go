package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/metrics"
	"github.com/stagewire/stagewire/internal/wire"
)

const (
	// DefaultPreviewInterval between frames when the operator does not ask
	// for a rate.
	DefaultPreviewInterval = 5 * time.Second

	previewWidth       = 960
	previewShotTimeout = 8 * time.Second
)

// previewStreamer pushes periodic encoder screenshots to the relay while
// enabled. Frames over the wire limit are dropped at the source; the relay
// never sees them.
type previewStreamer struct {
	log  zerolog.Logger
	shot func(ctx context.Context, width int) (data string, w, h int, err error)
	send func(frame wire.PreviewFrame) bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	interval time.Duration
}

func newPreviewStreamer(log zerolog.Logger, shot func(context.Context, int) (string, int, int, error), send func(wire.PreviewFrame) bool) *previewStreamer {
	return &previewStreamer{
		log:  log.With().Str("component", "preview").Logger(),
		shot: shot,
		send: send,
	}
}

// Running reports whether the loop is active.
func (p *previewStreamer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Start begins streaming frames every interval. Returns false if already
// running; the existing cadence is kept.
func (p *previewStreamer) Start(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = DefaultPreviewInterval
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.interval = interval
	go p.loop(loopCtx, interval)
	p.log.Info().Dur("interval", interval).Msg("preview streaming started")
	return true
}

// Stop ends the loop. Returns false if it was not running.
func (p *previewStreamer) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return false
	}
	p.cancel()
	p.cancel = nil
	p.log.Info().Msg("preview streaming stopped")
	return true
}

func (p *previewStreamer) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.capture(ctx)
		}
	}
}

func (p *previewStreamer) capture(ctx context.Context) {
	shotCtx, cancel := context.WithTimeout(ctx, previewShotTimeout)
	defer cancel()

	data, w, h, err := p.shot(shotCtx, previewWidth)
	if err != nil {
		metrics.PreviewFramesTotal.WithLabelValues("failed").Inc()
		p.log.Debug().Err(err).Msg("screenshot failed")
		return
	}
	if len(data) > wire.MaxPreviewFrameChars {
		metrics.PreviewFramesTotal.WithLabelValues("oversize").Inc()
		p.log.Debug().Int("chars", len(data)).Msg("frame over wire limit, dropped")
		return
	}

	frame := wire.PreviewFrame{
		Type:      wire.TypePreviewFrame,
		Timestamp: time.Now().UnixMilli(),
		Width:     w,
		Height:    h,
		Format:    "jpeg",
		Data:      data,
	}
	if p.send(frame) {
		metrics.PreviewFramesTotal.WithLabelValues("sent").Inc()
	} else {
		metrics.PreviewFramesTotal.WithLabelValues("failed").Inc()
	}
}
