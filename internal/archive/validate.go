package archive

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"favsync/internal/model"
)

type validation struct {
	valid    []model.Candidate
	invalid  []model.Candidate
	failures []itemFailure
}

// validateAll checks candidates in batches of at most batch concurrent
// calls, waiting pause after each batch before the next starts. Order is
// preserved.
func validateAll(ctx context.Context, v Validator, cands []model.Candidate, batch int, pause time.Duration) validation {
	if batch <= 0 {
		batch = 5
	}
	ok := make([]bool, len(cands))
	errs := make([]error, len(cands))
	for start := 0; start < len(cands); start += batch {
		if start > 0 && pause > 0 {
			if err := sleepCtx(ctx, pause); err != nil {
				for i := start; i < len(cands); i++ {
					errs[i] = err
				}
				break
			}
		}
		end := min(start+batch, len(cands))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				ok[i], errs[i] = v.Validate(ctx, cands[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	var out validation
	for i, c := range cands {
		switch {
		case errs[i] != nil:
			out.failures = append(out.failures, itemFailure{candidate: c, state: model.StateManifestPending, err: errs[i]})
		case ok[i]:
			out.valid = append(out.valid, c)
		default:
			out.invalid = append(out.invalid, c)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
