package commands

import (
	"context"
	"fmt"
)

func registerMixer(r *Registry) {
	r.add("mixer.muteChannel", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		mx, err := d.needMixer()
		if err != nil {
			return nil, err
		}
		channel, err := needInt(p, "channel")
		if err != nil {
			return nil, err
		}
		if err := mx.MuteChannel(channel); err != nil {
			return nil, err
		}
		return fmt.Sprintf("channel %d muted", channel), nil
	})

	r.add("mixer.unmuteChannel", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		mx, err := d.needMixer()
		if err != nil {
			return nil, err
		}
		channel, err := needInt(p, "channel")
		if err != nil {
			return nil, err
		}
		if err := mx.UnmuteChannel(channel); err != nil {
			return nil, err
		}
		return fmt.Sprintf("channel %d unmuted", channel), nil
	})

	r.add("mixer.muteMaster", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		mx, err := d.needMixer()
		if err != nil {
			return nil, err
		}
		if err := mx.MuteMaster(); err != nil {
			return nil, err
		}
		return "master muted", nil
	})

	r.add("mixer.unmuteMaster", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		mx, err := d.needMixer()
		if err != nil {
			return nil, err
		}
		if err := mx.UnmuteMaster(); err != nil {
			return nil, err
		}
		return "master unmuted", nil
	})

	r.add("mixer.setFader", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		mx, err := d.needMixer()
		if err != nil {
			return nil, err
		}
		channel, err := needInt(p, "channel")
		if err != nil {
			return nil, err
		}
		level, err := needFloat(p, "level")
		if err != nil {
			return nil, err
		}
		if err := mx.SetFader(channel, level); err != nil {
			return nil, err
		}
		return fmt.Sprintf("channel %d fader set to %.1f dB", channel, level), nil
	})

	r.add("mixer.setMasterFader", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		mx, err := d.needMixer()
		if err != nil {
			return nil, err
		}
		level, err := needFloat(p, "level")
		if err != nil {
			return nil, err
		}
		if err := mx.SetMasterFader(level); err != nil {
			return nil, err
		}
		return fmt.Sprintf("master fader set to %.1f dB", level), nil
	})

	r.add("mixer.status", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		mx, err := d.needMixer()
		if err != nil {
			return nil, err
		}
		return mx.Snapshot(), nil
	})
}
