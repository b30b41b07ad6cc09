package commands

import (
	"context"
	"fmt"

	"github.com/stagewire/stagewire/internal/wire"
)

func registerVisual(r *Registry) {
	r.add("visual.triggerClip", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		vs, err := d.needVisual()
		if err != nil {
			return nil, err
		}
		query, err := needString(p, "name")
		if err != nil {
			return nil, err
		}
		layer, clip, name, err := vs.TriggerClip(ctx, query)
		if err != nil {
			return nil, err
		}
		return map[string]any{"layer": layer, "clip": clip, "name": name}, nil
	})

	// Column accepts either a numeric index or a name to search for.
	r.add("visual.triggerColumn", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		vs, err := d.needVisual()
		if err != nil {
			return nil, err
		}
		if v, ok := p["column"]; ok {
			if idx, isNum := toInt(v); isNum {
				if err := vs.TriggerColumn(ctx, idx); err != nil {
					return nil, err
				}
				return fmt.Sprintf("column %d triggered", idx), nil
			}
			if name, isStr := v.(string); isStr && name != "" {
				col, found, err := vs.TriggerColumnByName(ctx, name)
				if err != nil {
					return nil, err
				}
				return map[string]any{"column": col, "name": found}, nil
			}
		}
		return nil, wire.Errorf(wire.KindInvalidParams, "parameter %q must be a column index or name", "column")
	})

	r.add("visual.clearLayer", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		vs, err := d.needVisual()
		if err != nil {
			return nil, err
		}
		layer, err := needInt(p, "layer")
		if err != nil {
			return nil, err
		}
		if err := vs.ClearLayer(ctx, layer); err != nil {
			return nil, err
		}
		return fmt.Sprintf("layer %d cleared", layer), nil
	})

	r.add("visual.clearAll", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		vs, err := d.needVisual()
		if err != nil {
			return nil, err
		}
		if err := vs.ClearAll(ctx); err != nil {
			return nil, err
		}
		return "all visual layers cleared", nil
	})

	r.add("visual.status", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		vs, err := d.needVisual()
		if err != nil {
			return nil, err
		}
		return vs.Snapshot(), nil
	})
}
