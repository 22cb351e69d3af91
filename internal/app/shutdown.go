package app

import (
	"context"
	"fmt"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

type stopStep struct {
	name   string
	budget time.Duration // zero runs the step inline with no bound
	run    func(ctx context.Context) error
}

// runStop runs steps in order. A step gets the smaller of its budget and what
// is left of ctx. A step that overruns is abandoned so the rest still run; its
// late result is logged when it arrives.
func (a *App) runStop(ctx context.Context, steps []stopStep) {
	for _, st := range steps {
		if st.budget == 0 {
			_ = st.run(ctx)
			continue
		}
		a.runStep(ctx, st)
	}
}

func (a *App) runStep(ctx context.Context, st stopStep) {
	budget := st.budget
	if dl, ok := ctx.Deadline(); ok {
		budget = min(budget, time.Until(dl))
	}
	if budget <= 0 {
		a.log.Warn("stop step skipped, out of time", logx.String("step", st.name))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- st.run(sctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step failed", logx.String("step", st.name), logx.Err(err))
			return
		}
		a.log.Debug("stop step done", logx.String("step", st.name), logx.Duration("took", time.Since(start)))
	case <-sctx.Done():
		a.log.Warn("stop step overran; continuing", logx.String("step", st.name), logx.Duration("budget", budget))
		go func() {
			err := <-done
			a.log.Warn("stop step returned late", logx.String("step", st.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}

func (a *App) closeStore(context.Context) error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
