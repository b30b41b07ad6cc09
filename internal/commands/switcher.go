package commands

import (
	"context"
	"fmt"

	"github.com/stagewire/stagewire/internal/audio"
	"github.com/stagewire/stagewire/internal/wire"
)

func registerSwitcher(r *Registry) {
	r.add("switcher.setProgram", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		input, err := needInt(p, "input")
		if err != nil {
			return nil, err
		}
		if err := sw.SetProgram(input); err != nil {
			return nil, err
		}
		return fmt.Sprintf("program set to input %d", input), nil
	})

	r.add("switcher.setPreview", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		input, err := needInt(p, "input")
		if err != nil {
			return nil, err
		}
		if err := sw.SetPreview(input); err != nil {
			return nil, err
		}
		return fmt.Sprintf("preview set to input %d", input), nil
	})

	r.add("switcher.cut", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		if err := sw.Cut(); err != nil {
			return nil, err
		}
		return "cut", nil
	})

	r.add("switcher.auto", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		if err := sw.Auto(); err != nil {
			return nil, err
		}
		return "auto transition started", nil
	})

	r.add("switcher.setTransitionRate", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		rate, err := needInt(p, "rate")
		if err != nil {
			return nil, err
		}
		if err := sw.SetTransitionRate(rate); err != nil {
			return nil, err
		}
		return fmt.Sprintf("transition rate set to %d frames", rate), nil
	})

	r.add("switcher.setTransitionStyle", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		style, err := needString(p, "style")
		if err != nil {
			return nil, err
		}
		if err := sw.SetTransitionStyle(style); err != nil {
			return nil, err
		}
		return "transition style set to " + style, nil
	})

	r.add("switcher.fadeToBlack", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		if err := sw.FadeToBlack(); err != nil {
			return nil, err
		}
		return "fade to black toggled", nil
	})

	r.add("switcher.startRecording", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		if err := sw.StartRecording(); err != nil {
			return nil, err
		}
		return "switcher recording started", nil
	})

	r.add("switcher.stopRecording", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		if err := sw.StopRecording(); err != nil {
			return nil, err
		}
		return "switcher recording stopped", nil
	})

	r.add("switcher.setInputLabel", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		input, err := needInt(p, "input")
		if err != nil {
			return nil, err
		}
		label, err := needString(p, "label")
		if err != nil {
			return nil, err
		}
		if err := sw.SetInputLabel(input, label); err != nil {
			return nil, err
		}
		return fmt.Sprintf("input %d labelled %q", input, label), nil
	})

	r.add("switcher.setUpstreamKeyer", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		keyer, err := needInt(p, "keyer")
		if err != nil {
			return nil, err
		}
		onAir, err := needBool(p, "onAir")
		if err != nil {
			return nil, err
		}
		if err := sw.SetUpstreamKeyer(keyer, onAir); err != nil {
			return nil, err
		}
		return fmt.Sprintf("upstream keyer %d %s", keyer, onOff(onAir)), nil
	})

	r.add("switcher.setDownstreamKeyer", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		keyer, err := needInt(p, "keyer")
		if err != nil {
			return nil, err
		}
		onAir, err := needBool(p, "onAir")
		if err != nil {
			return nil, err
		}
		if err := sw.SetDownstreamKeyer(keyer, onAir); err != nil {
			return nil, err
		}
		return fmt.Sprintf("downstream keyer %d %s", keyer, onOff(onAir)), nil
	})

	r.add("switcher.runMacro", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		index, err := needInt(p, "index")
		if err != nil {
			return nil, err
		}
		if err := sw.RunMacro(index); err != nil {
			return nil, err
		}
		return fmt.Sprintf("macro %d running", index), nil
	})

	r.add("switcher.setSuperSourceBox", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		box, err := needInt(p, "box")
		if err != nil {
			return nil, err
		}
		enabled := optBool(p, "enabled", true)
		x := optFloat(p, "x", 0)
		y := optFloat(p, "y", 0)
		size := optFloat(p, "size", 0.5)
		if err := sw.SetSuperSourceBox(box, enabled, x, y, size); err != nil {
			return nil, err
		}
		return fmt.Sprintf("supersource box %d updated", box), nil
	})

	r.add("switcher.setColorGenerator", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		gen, err := needInt(p, "generator")
		if err != nil {
			return nil, err
		}
		hue, err := needInt(p, "hue")
		if err != nil {
			return nil, err
		}
		sat := optInt(p, "saturation", 1000)
		luma := optInt(p, "luma", 500)
		if err := sw.SetColorGenerator(gen, hue, sat, luma); err != nil {
			return nil, err
		}
		return fmt.Sprintf("color generator %d updated", gen), nil
	})

	r.add("switcher.ptzMove", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		camera := optInt(p, "camera", 1)
		pan := optFloat(p, "pan", 0)
		tilt := optFloat(p, "tilt", 0)
		if err := sw.PTZMove(camera, pan, tilt); err != nil {
			return nil, err
		}
		return fmt.Sprintf("camera %d moving", camera), nil
	})

	r.add("switcher.ptzZoom", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		camera := optInt(p, "camera", 1)
		zoom, err := needFloat(p, "zoom")
		if err != nil {
			return nil, err
		}
		if err := sw.PTZZoom(camera, zoom); err != nil {
			return nil, err
		}
		return fmt.Sprintf("camera %d zooming", camera), nil
	})

	r.add("switcher.setAux", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		aux, err := needInt(p, "aux")
		if err != nil {
			return nil, err
		}
		source, err := needInt(p, "source")
		if err != nil {
			return nil, err
		}
		if err := sw.SetAux(aux, source); err != nil {
			return nil, err
		}
		return fmt.Sprintf("aux %d routed to source %d", aux, source), nil
	})

	r.add("switcher.audioLevel", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		raw, at, ok := sw.MasterAudioLevel()
		if !ok {
			return nil, wire.Errorf(wire.KindDeviceUnreachable, "no audio level sample available")
		}
		return map[string]any{
			"dbfs":      audio.DecodeLevel(raw),
			"sampledAt": at.UnixMilli(),
		}, nil
	})

	r.add("switcher.status", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sw, err := d.needSwitcher()
		if err != nil {
			return nil, err
		}
		return sw.Snapshot(), nil
	})
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
