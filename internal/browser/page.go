package browser

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotVisible = errors.New("element not visible")
	ErrNoResponse = errors.New("no matching network response")
)

// Page is the subset of a browser tab the drivers work with. Every method
// that touches the browser takes a context; element lookups wait at most as
// long as that context allows.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)

	// Visible checks once, without waiting.
	Visible(ctx context.Context, selector string) bool
	// VisibleText returns the rendered text of the document body.
	VisibleText(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error

	Click(ctx context.Context, selector string) error
	// ClickText clicks the first element matching selector whose text matches
	// the regular expression pattern.
	ClickText(ctx context.Context, selector, pattern string) error
	Input(ctx context.Context, selector, value string) error
	Enabled(ctx context.Context, selector string) (bool, error)

	// Eval runs a JavaScript function expression and returns its JSON result.
	Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error)

	// ExpectResponse starts listening for a response whose URL contains
	// urlSubstring. Call it before the action that triggers the request, then
	// call the returned waiter exactly once.
	ExpectResponse(ctx context.Context, urlSubstring string) ResponseWaiter

	MouseMove(ctx context.Context, x, y float64) error
	Scroll(ctx context.Context, dy float64) error
	Cookies(ctx context.Context) ([]Cookie, error)
}

type ResponseWaiter func(timeout time.Duration) (Response, error)

type Response struct {
	URL    string
	Status int
	Body   []byte
}

func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

type Cookie struct {
	Name   string
	Value  string
	Domain string
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
