package commands

import (
	"context"
	"fmt"

	"github.com/stagewire/stagewire/internal/wire"
)

func registerStreamer(r *Registry) {
	r.add("streamer.startStreaming", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		st, err := d.needStreamer()
		if err != nil {
			return nil, err
		}
		if err := st.StartStreaming(ctx); err != nil {
			return nil, err
		}
		return "stream starting", nil
	})

	r.add("streamer.stopStreaming", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		st, err := d.needStreamer()
		if err != nil {
			return nil, err
		}
		if err := st.StopStreaming(ctx); err != nil {
			return nil, err
		}
		return "stream stopping", nil
	})

	r.add("streamer.restartStream", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		st, err := d.needStreamer()
		if err != nil {
			return nil, err
		}
		if err := st.RestartStream(ctx); err != nil {
			return nil, err
		}
		return "stream restarting", nil
	})

	r.add("streamer.startRecording", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		st, err := d.needStreamer()
		if err != nil {
			return nil, err
		}
		if err := st.StartRecording(ctx); err != nil {
			return nil, err
		}
		return "recording started", nil
	})

	r.add("streamer.stopRecording", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		st, err := d.needStreamer()
		if err != nil {
			return nil, err
		}
		if err := st.StopRecording(ctx); err != nil {
			return nil, err
		}
		return "recording stopped", nil
	})

	r.add("streamer.setScene", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		st, err := d.needStreamer()
		if err != nil {
			return nil, err
		}
		scene, err := needString(p, "scene")
		if err != nil {
			return nil, err
		}
		if err := st.SetScene(ctx, scene); err != nil {
			return nil, err
		}
		return "scene set to " + scene, nil
	})

	r.add("streamer.setBitrate", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		st, err := d.needStreamer()
		if err != nil {
			return nil, err
		}
		kbps, err := needInt(p, "bitrate")
		if err != nil {
			return nil, err
		}
		if kbps <= 0 {
			return nil, wire.Errorf(wire.KindInvalidParams, "parameter %q must be positive", "bitrate")
		}
		if err := st.SetBitrate(ctx, kbps); err != nil {
			return nil, err
		}
		return fmt.Sprintf("bitrate set to %d kbps", kbps), nil
	})

	r.add("streamer.reduceBitrate", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		st, err := d.needStreamer()
		if err != nil {
			return nil, err
		}
		percent := optInt(p, "percent", 20)
		if percent <= 0 || percent >= 100 {
			return nil, wire.Errorf(wire.KindInvalidParams, "parameter %q must be between 1 and 99", "percent")
		}
		kbps, err := st.ReduceBitrate(ctx, percent)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("bitrate reduced %d%% to %d kbps", percent, kbps), nil
	})

	r.add("streamer.bitrate", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		st, err := d.needStreamer()
		if err != nil {
			return nil, err
		}
		kbps, err := st.Bitrate(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"bitrate": kbps}, nil
	})

	r.add("streamer.screenshot", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		st, err := d.needStreamer()
		if err != nil {
			return nil, err
		}
		width := optInt(p, "width", 960)
		data, w, h, err := st.Screenshot(ctx, width)
		if err != nil {
			return nil, err
		}
		if len(data) > wire.MaxPreviewFrameChars {
			return nil, wire.Errorf(wire.KindInvalidParams, "screenshot too large (%d chars), request a smaller width", len(data))
		}
		return map[string]any{
			"width":  w,
			"height": h,
			"format": "jpeg",
			"data":   data,
		}, nil
	})

	r.add("streamer.status", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		st, err := d.needStreamer()
		if err != nil {
			return nil, err
		}
		return st.Snapshot(), nil
	})
}
