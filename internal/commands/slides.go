package commands

import (
	"context"
	"fmt"
)

func registerSlides(r *Registry) {
	r.add("slides.next", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sl, err := d.needSlides()
		if err != nil {
			return nil, err
		}
		if err := sl.Next(ctx); err != nil {
			return nil, err
		}
		return "next slide", nil
	})

	r.add("slides.previous", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sl, err := d.needSlides()
		if err != nil {
			return nil, err
		}
		if err := sl.Previous(ctx); err != nil {
			return nil, err
		}
		return "previous slide", nil
	})

	r.add("slides.gotoSlide", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sl, err := d.needSlides()
		if err != nil {
			return nil, err
		}
		index, err := needInt(p, "index")
		if err != nil {
			return nil, err
		}
		if err := sl.GotoSlide(ctx, index); err != nil {
			return nil, err
		}
		return fmt.Sprintf("jumped to slide %d", index), nil
	})

	r.add("slides.clear", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sl, err := d.needSlides()
		if err != nil {
			return nil, err
		}
		if err := sl.Clear(ctx); err != nil {
			return nil, err
		}
		return "slides cleared", nil
	})

	r.add("slides.startPresentation", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sl, err := d.needSlides()
		if err != nil {
			return nil, err
		}
		id := optString(p, "id", "")
		if err := sl.StartPresentation(ctx, id); err != nil {
			return nil, err
		}
		return "presentation started", nil
	})

	r.add("slides.stopPresentation", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sl, err := d.needSlides()
		if err != nil {
			return nil, err
		}
		if err := sl.StopPresentation(ctx); err != nil {
			return nil, err
		}
		return "presentation stopped", nil
	})

	r.add("slides.refresh", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sl, err := d.needSlides()
		if err != nil {
			return nil, err
		}
		if err := sl.Refresh(ctx); err != nil {
			return nil, err
		}
		return "slides state refreshed", nil
	})

	r.add("slides.status", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		sl, err := d.needSlides()
		if err != nil {
			return nil, err
		}
		return sl.Snapshot(), nil
	})
}
