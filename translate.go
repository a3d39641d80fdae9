package x64backend

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/guestjit/x64backend/hir"
	"github.com/guestjit/x64backend/symbol"
)

// Job is one function to translate.
type Job struct {
	Function *symbol.FunctionInfo
	Graph    *hir.Function
}

// TranslateAll translates jobs with up to BackendConfig.Workers emitters running concurrently.
//
// A failed job does not stop the others. The returned slice has one entry per job, nil for
// the failed ones, and the error combines every failure (see multierr.Errors). Jobs not started
// before ctx is done fail with the context error.
func (b *Backend) TranslateAll(ctx context.Context, jobs []Job) ([]*Result, error) {
	results := make([]*Result, len(jobs))
	errs := make([]error, len(jobs))

	workers := b.config.workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range jobs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				errs[i] = fmt.Errorf("job %d: %w", i, err)
				return nil
			}
			results[i], errs[i] = b.Translate(jobs[i].Function, jobs[i].Graph)
			return nil
		})
	}
	_ = g.Wait()

	err := multierr.Combine(errs...)
	if err != nil {
		b.logger.Warn("batch translation finished with failures",
			zap.Int("jobs", len(jobs)),
			zap.Int("failed", len(multierr.Errors(err))))
	} else {
		b.logger.Debug("batch translation finished", zap.Int("jobs", len(jobs)))
	}
	return results, err
}
