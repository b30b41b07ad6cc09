package commands

import (
	"context"
	"fmt"

	"github.com/stagewire/stagewire/internal/wire"
)

func registerRouter(r *Registry) {
	r.add("router.route", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		rt, err := d.needRouter(p)
		if err != nil {
			return nil, err
		}
		output, err := needInt(p, "output")
		if err != nil {
			return nil, err
		}
		input, err := needInt(p, "input")
		if err != nil {
			return nil, err
		}
		if err := rt.Route(ctx, output, input); err != nil {
			return nil, err
		}
		return fmt.Sprintf("input %d routed to output %d", input, output), nil
	})

	r.add("router.setInputLabel", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		rt, err := d.needRouter(p)
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
		if err := rt.SetInputLabel(ctx, input, label); err != nil {
			return nil, err
		}
		return fmt.Sprintf("router input %d labelled %q", input, label), nil
	})

	r.add("router.setOutputLabel", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		rt, err := d.needRouter(p)
		if err != nil {
			return nil, err
		}
		output, err := needInt(p, "output")
		if err != nil {
			return nil, err
		}
		label, err := needString(p, "label")
		if err != nil {
			return nil, err
		}
		if err := rt.SetOutputLabel(ctx, output, label); err != nil {
			return nil, err
		}
		return fmt.Sprintf("router output %d labelled %q", output, label), nil
	})

	r.add("router.routeOf", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		rt, err := d.needRouter(p)
		if err != nil {
			return nil, err
		}
		output, err := needInt(p, "output")
		if err != nil {
			return nil, err
		}
		input, ok := rt.RouteOf(output)
		if !ok {
			return nil, wire.Errorf(wire.KindNotFound, "no route known for output %d", output)
		}
		return map[string]any{"output": output, "input": input}, nil
	})

	r.add("router.routes", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		rt, err := d.needRouter(p)
		if err != nil {
			return nil, err
		}
		return map[string]any{"routes": rt.Routes()}, nil
	})

	r.add("router.status", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		rt, err := d.needRouter(p)
		if err != nil {
			return nil, err
		}
		return rt.Snapshot(), nil
	})
}
