package scanning

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Guard runs fn with a deadline of budget. If fn does not return in time the
// call returns a timeout result immediately; fn keeps running with a
// cancelled context and whatever it returns later is dropped.
func Guard(ctx context.Context, budget time.Duration, fn func(context.Context) (*OcrResult, error)) (*OcrResult, error) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type outcome struct {
		res *OcrResult
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		res, err := fn(ctx)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		// fn may notice the deadline first and return the bare context error.
		if o.err == nil || ctx.Err() == nil {
			return o.res, o.err
		}
	case <-ctx.Done():
	}

	elapsed := time.Since(start)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newFailureResult(fmt.Sprintf("timed out after %s", budget)),
			&Error{Kind: KindTimeout, Op: "scan", Elapsed: elapsed, Err: ctx.Err()}
	}
	return newFailureResult("scan cancelled"), fmt.Errorf("scan cancelled after %s: %w", elapsed.Round(time.Millisecond), ctx.Err())
}
