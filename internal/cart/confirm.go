package cart

import (
	"context"
	"strings"
	"time"
	"unicode"

	"cartpilot/internal/browser"
)

type LineItem struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// CartReader returns the current cart contents as the store reports them.
type CartReader interface {
	ReadCart(ctx context.Context) ([]LineItem, error)
}

// Normalize lowercases s and drops everything that is not a letter or digit.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NameMatches compares normalized names by containment in either direction.
// It is a heuristic: a similarly named product can match, and a product the
// store renamed will not.
func NameMatches(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}

// FindItem returns the first line item whose name matches name.
func FindItem(items []LineItem, name string) (LineItem, bool) {
	for _, item := range items {
		if NameMatches(item.Name, name) {
			return item, true
		}
	}
	return LineItem{}, false
}

// Confirmer re-reads the cart until a product shows up. Mutation responses
// are not authoritative for the final cart, so adds are confirmed this way,
// on a best-effort basis.
type Confirmer struct {
	Attempts int
	Interval time.Duration
}

func NewConfirmer(attempts int, interval time.Duration) *Confirmer {
	if attempts <= 0 {
		attempts = 1
	}
	return &Confirmer{Attempts: attempts, Interval: interval}
}

// Confirm reports whether name appeared in the cart within the attempt
// budget. Read errors count as a miss for that attempt. The error is only set
// when ctx ends.
func (c *Confirmer) Confirm(ctx context.Context, reader CartReader, name string) (LineItem, bool, error) {
	return c.ConfirmMatch(ctx, reader, func(item LineItem) bool {
		return NameMatches(item.Name, name)
	})
}

// ConfirmMatch is Confirm with a caller-supplied matcher.
func (c *Confirmer) ConfirmMatch(ctx context.Context, reader CartReader, match func(LineItem) bool) (LineItem, bool, error) {
	for attempt := 1; attempt <= c.Attempts; attempt++ {
		items, err := reader.ReadCart(ctx)
		if err == nil {
			for _, item := range items {
				if match(item) {
					return item, true, nil
				}
			}
		}
		if attempt == c.Attempts {
			break
		}
		if err := browser.Sleep(ctx, c.Interval); err != nil {
			return LineItem{}, false, err
		}
	}
	return LineItem{}, false, nil
}
