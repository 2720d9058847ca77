package checkout

import (
	"context"
	"strings"
	"time"

	"cartpilot/internal/browser"
)

type Status string

const (
	StatusSuccess      Status = "success"
	StatusInsufficient Status = "insufficient"
	StatusUnknown      Status = "unknown"
)

// Outcome is how a payment attempt ended, as far as the page tells.
type Outcome struct {
	Status  Status `json:"status"`
	Pattern string `json:"pattern,omitempty"`
}

type Patterns struct {
	Success      []string
	Insufficient []string
}

// Classify matches text against the patterns, case-insensitively. A decline
// is checked before success: declined pages often keep the order summary.
func Classify(text string, patterns Patterns) Outcome {
	lower := strings.ToLower(text)
	for _, p := range patterns.Insufficient {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return Outcome{Status: StatusInsufficient, Pattern: p}
		}
	}
	for _, p := range patterns.Success {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return Outcome{Status: StatusSuccess, Pattern: p}
		}
	}
	return Outcome{Status: StatusUnknown}
}

// WaitForPaymentOutcome polls the visible page text until it classifies as
// success or insufficient, or the window closes.
func WaitForPaymentOutcome(ctx context.Context, page browser.Page, patterns Patterns, window, interval time.Duration) Outcome {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if text, err := page.VisibleText(ctx); err == nil {
			if out := Classify(text, patterns); out.Status != StatusUnknown {
				return out
			}
		}
		select {
		case <-ctx.Done():
			return Outcome{Status: StatusUnknown}
		case <-ticker.C:
		}
	}
}
