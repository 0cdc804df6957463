package tools

import (
	"context"
)

// times records the mean wall-clock time of every target under the keys
// "<app>_native" and "<app>_<runtime>".
func (r *Runner) times(ctx context.Context, app string, level int) (any, error) {
	result := make(map[string]any)

	for _, t := range r.targets(app, level) {
		secs, err := r.repeat(func() (float64, error) {
			return r.timeCommand(ctx, t.argv)
		})
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		key := app + "_" + t.name
		if err != nil {
			r.printf("Error executing %s: %v\n", t.name, err)
			result[key] = errorResult(err)
			continue
		}
		r.printf("%s execution time: %.6f seconds\n", t.name, secs)
		result[key] = secs
	}

	return result, nil
}
