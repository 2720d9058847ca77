package cart

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

type BatchOptions struct {
	// Size is how many items are added back to back before pausing.
	Size int
	// Delay is the pause between batches.
	Delay time.Duration
	// OnProgress, if set, is called after every item.
	OnProgress func(done, total int, last Result)
}

type BatchResult struct {
	Success       bool     `json:"success"`
	TotalProducts int      `json:"totalProducts"`
	Succeeded     int      `json:"succeeded"`
	Failed        int      `json:"failed"`
	Results       []Result `json:"results"`
	TotalMs       int64    `json:"totalMs"`
}

// RunBatch adds items in small batches with a pause between batches, pacing
// requests to the store. It always returns one result per item, in order;
// items not reached because ctx ended are reported as failed.
func RunBatch(ctx context.Context, items []Item, opts BatchOptions, add func(context.Context, Item) Result) BatchResult {
	start := time.Now()
	size := opts.Size
	if size < 1 {
		size = 1
	}

	limit := rate.Inf
	if opts.Delay > 0 {
		limit = rate.Every(opts.Delay)
	}
	limiter := rate.NewLimiter(limit, 1)

	results := make([]Result, 0, len(items))
	for i := 0; i < len(items); i += size {
		if err := limiter.Wait(ctx); err != nil {
			results = appendSkipped(results, items[i:], err)
			break
		}

		end := min(i+size, len(items))
		for j := i; j < end; j++ {
			if err := ctx.Err(); err != nil {
				results = appendSkipped(results, items[j:], err)
				return Summarize(results, start)
			}
			res := add(ctx, items[j])
			results = append(results, res)
			if opts.OnProgress != nil {
				opts.OnProgress(len(results), len(items), res)
			}
		}
	}
	return Summarize(results, start)
}

func appendSkipped(results []Result, rest []Item, cause error) []Result {
	for _, item := range rest {
		results = append(results, Result{
			URL:      item.URL,
			Quantity: item.Quantity,
			Error:    fmt.Sprintf("not attempted: %v", cause),
		})
	}
	return results
}

// Summarize derives the batch totals from per-item results.
func Summarize(results []Result, start time.Time) BatchResult {
	out := BatchResult{
		TotalProducts: len(results),
		Results:       results,
		TotalMs:       time.Since(start).Milliseconds(),
	}
	if out.Results == nil {
		out.Results = []Result{}
	}
	for _, r := range results {
		if r.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	out.Success = out.Failed == 0
	return out
}
