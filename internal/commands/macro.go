package commands

import (
	"context"
	"fmt"
)

func registerMacro(r *Registry) {
	r.add("macro.press", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		mh, err := d.needMacros()
		if err != nil {
			return nil, err
		}
		page, err := needInt(p, "page")
		if err != nil {
			return nil, err
		}
		row, err := needInt(p, "row")
		if err != nil {
			return nil, err
		}
		column, err := needInt(p, "column")
		if err != nil {
			return nil, err
		}
		if err := mh.Press(ctx, page, row, column); err != nil {
			return nil, err
		}
		return fmt.Sprintf("pressed button %d/%d/%d", page, row, column), nil
	})

	r.add("macro.pressByName", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		mh, err := d.needMacros()
		if err != nil {
			return nil, err
		}
		query, err := needString(p, "name")
		if err != nil {
			return nil, err
		}
		page, row, column, text, err := mh.PressByName(ctx, query)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"page":   page,
			"row":    row,
			"column": column,
			"button": text,
		}, nil
	})

	r.add("macro.status", func(ctx context.Context, d *Deps, p map[string]any) (any, error) {
		mh, err := d.needMacros()
		if err != nil {
			return nil, err
		}
		return mh.Snapshot(), nil
	})
}
