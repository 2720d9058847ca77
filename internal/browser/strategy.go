package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// ErrNoStrategy is returned by FirstSuccess when it is given nothing to try.
var ErrNoStrategy = errors.New("no strategies")

// Strategy is one named way of doing something against a page whose markup
// drifts: a selector, a text match, a script.
type Strategy struct {
	Name string
	Run  func(ctx context.Context) error
}

// FirstSuccess runs strategies in order and returns the name of the first one
// that succeeds. If all fail, the error carries every attempt.
func FirstSuccess(ctx context.Context, strategies ...Strategy) (string, error) {
	if len(strategies) == 0 {
		return "", ErrNoStrategy
	}

	var errs error
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return "", multierr.Append(errs, err)
		}
		if err := s.Run(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		return s.Name, nil
	}
	return "", fmt.Errorf("all strategies failed: %w", errs)
}

// ClickStrategies builds one click strategy per selector.
func ClickStrategies(page Page, timeout time.Duration, selectors ...string) []Strategy {
	strategies := make([]Strategy, 0, len(selectors))
	for _, sel := range selectors {
		strategies = append(strategies, Strategy{
			Name: sel,
			Run: func(ctx context.Context) error {
				return ClickVisible(ctx, page, sel, timeout)
			},
		})
	}
	return strategies
}

// ClickVisible waits for selector and clicks it, with timeout bounding both
// steps together.
func ClickVisible(ctx context.Context, page Page, selector string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := page.WaitVisible(ctx, selector, timeout); err != nil {
		return err
	}
	return page.Click(ctx, selector)
}

// Probe is a readiness check evaluated without waiting.
type Probe struct {
	Name  string
	Check func(ctx context.Context, page Page) bool
}

func SelectorProbe(name, selector string) Probe {
	return Probe{
		Name: name,
		Check: func(ctx context.Context, page Page) bool {
			return page.Visible(ctx, selector)
		},
	}
}

// PollInterval is how often WaitAny re-evaluates its probes.
var PollInterval = 250 * time.Millisecond

// WaitAny polls probes until one passes and returns its name. Probes are
// checked in order on every tick, so earlier probes win ties.
func WaitAny(ctx context.Context, page Page, timeout time.Duration, probes ...Probe) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		for _, p := range probes {
			if p.Check(ctx, page) {
				return p.Name, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("none of %d readiness probes passed within %s: %w", len(probes), timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}
