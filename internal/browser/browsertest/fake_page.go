// Package browsertest provides an in-memory browser.Page for driver tests.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"cartpilot/internal/browser"
)

// FakePage is a scriptable page. Elements are identified by the exact selector
// string the driver uses; hooks let a test react to clicks and navigations.
type FakePage struct {
	mu sync.Mutex

	url     string
	title   string
	body    string
	visible map[string]bool
	text    map[string]string
	enabled map[string]bool
	cookies []browser.Cookie

	// blockMissing makes lookups of absent elements wait for ctx, the way a
	// retrying element query does.
	blockMissing bool

	responses map[string][]browser.Response

	onClick    map[string]func(*FakePage)
	onNavigate func(*FakePage, string)
	onEval     func(js string, args ...any) (json.RawMessage, error)

	clicks      []string
	inputs      map[string]string
	navigations []string
	evals       []string
	moves       int
	scrolls     int
}

func NewFakePage() *FakePage {
	return &FakePage{
		url:       "about:blank",
		visible:   make(map[string]bool),
		text:      make(map[string]string),
		enabled:   make(map[string]bool),
		responses: make(map[string][]browser.Response),
		onClick:   make(map[string]func(*FakePage)),
		inputs:    make(map[string]string),
	}
}

// Setup

func (f *FakePage) SetURL(url string) *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
	return f
}

func (f *FakePage) SetTitle(title string) *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.title = title
	return f
}

func (f *FakePage) SetBody(text string) *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body = text
	return f
}

func (f *FakePage) Show(selectors ...string) *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range selectors {
		f.visible[s] = true
	}
	return f
}

func (f *FakePage) Hide(selectors ...string) *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range selectors {
		delete(f.visible, s)
	}
	return f
}

// SetText makes selector visible with the given text, for ClickText.
func (f *FakePage) SetText(selector, text string) *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible[selector] = true
	f.text[selector] = text
	return f
}

func (f *FakePage) SetEnabled(selector string, enabled bool) *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[selector] = enabled
	return f
}

func (f *FakePage) SetCookies(cookies ...browser.Cookie) *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies = cookies
	return f
}

// BlockOnMissing makes Click, ClickText and Input on an absent element block
// until ctx ends instead of failing at once.
func (f *FakePage) BlockOnMissing() *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockMissing = true
	return f
}

// QueueResponse makes the next waiter for urlSubstring receive resp.
func (f *FakePage) QueueResponse(urlSubstring string, resp browser.Response) *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[urlSubstring] = append(f.responses[urlSubstring], resp)
	return f
}

func (f *FakePage) OnClick(selector string, fn func(*FakePage)) *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClick[selector] = fn
	return f
}

func (f *FakePage) OnNavigate(fn func(p *FakePage, url string)) *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onNavigate = fn
	return f
}

func (f *FakePage) OnEval(fn func(js string, args ...any) (json.RawMessage, error)) *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEval = fn
	return f
}

// Inspection

func (f *FakePage) Clicks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.clicks...)
}

func (f *FakePage) ClickCount(selector string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.clicks {
		if c == selector {
			n++
		}
	}
	return n
}

func (f *FakePage) Inputs() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.inputs))
	for k, v := range f.inputs {
		out[k] = v
	}
	return out
}

func (f *FakePage) Navigations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.navigations...)
}

func (f *FakePage) Evals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.evals...)
}

func (f *FakePage) PointerActivity() (moves, scrolls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moves, f.scrolls
}

// browser.Page

func (f *FakePage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.url = url
	f.navigations = append(f.navigations, url)
	hook := f.onNavigate
	f.mu.Unlock()

	if hook != nil {
		hook(f, url)
	}
	return nil
}

func (f *FakePage) URL(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *FakePage) Title(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.title, nil
}

func (f *FakePage) Visible(_ context.Context, selector string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible[selector]
}

func (f *FakePage) VisibleText(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.body, nil
}

func (f *FakePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		if f.Visible(ctx, selector) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", browser.ErrNotVisible, selector)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// missing reports an absent element, after ctx ends when blockMissing is set.
// Called with f.mu held; it releases the lock before blocking.
func (f *FakePage) missing(ctx context.Context, what string) error {
	block := f.blockMissing
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return fmt.Errorf("%w: %s: %w", browser.ErrNotVisible, what, ctx.Err())
	}
	return fmt.Errorf("%w: %s", browser.ErrNotVisible, what)
}

func (f *FakePage) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if !f.visible[selector] {
		return f.missing(ctx, selector)
	}
	f.clicks = append(f.clicks, selector)
	hook := f.onClick[selector]
	f.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	return nil
}

func (f *FakePage) ClickText(ctx context.Context, selector, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	f.mu.Lock()
	text, ok := f.text[selector]
	if !ok || !re.MatchString(text) {
		return f.missing(ctx, fmt.Sprintf("%s /%s/", selector, pattern))
	}
	f.mu.Unlock()
	return f.Click(ctx, selector)
}

func (f *FakePage) Input(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if !f.visible[selector] {
		return f.missing(ctx, selector)
	}
	f.inputs[selector] = value
	f.mu.Unlock()
	return nil
}

func (f *FakePage) Enabled(_ context.Context, selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.visible[selector] {
		return false, fmt.Errorf("%w: %s", browser.ErrNotVisible, selector)
	}
	if enabled, ok := f.enabled[selector]; ok {
		return enabled, nil
	}
	return true, nil
}

func (f *FakePage) Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.evals = append(f.evals, js)
	hook := f.onEval
	f.mu.Unlock()

	if hook != nil {
		return hook(js, args...)
	}
	return json.RawMessage("null"), nil
}

func (f *FakePage) ExpectResponse(ctx context.Context, urlSubstring string) browser.ResponseWaiter {
	return func(timeout time.Duration) (browser.Response, error) {
		deadline := time.Now().Add(timeout)
		for {
			f.mu.Lock()
			queue := f.responses[urlSubstring]
			if len(queue) > 0 {
				resp := queue[0]
				f.responses[urlSubstring] = queue[1:]
				f.mu.Unlock()
				return resp, nil
			}
			f.mu.Unlock()

			if time.Now().After(deadline) {
				return browser.Response{}, fmt.Errorf("%w: %q within %s", browser.ErrNoResponse, urlSubstring, timeout)
			}
			select {
			case <-ctx.Done():
				return browser.Response{}, ctx.Err()
			case <-time.After(2 * time.Millisecond):
			}
		}
	}
}

func (f *FakePage) MouseMove(context.Context, float64, float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves++
	return nil
}

func (f *FakePage) Scroll(context.Context, float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scrolls++
	return nil
}

func (f *FakePage) Cookies(context.Context) ([]browser.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]browser.Cookie(nil), f.cookies...), nil
}

// EvalContains is an OnEval helper that answers with the first result whose
// key is a substring of the evaluated script.
func EvalContains(results map[string]string) func(js string, args ...any) (json.RawMessage, error) {
	return func(js string, _ ...any) (json.RawMessage, error) {
		for marker, result := range results {
			if strings.Contains(js, marker) {
				return json.RawMessage(result), nil
			}
		}
		return json.RawMessage("null"), nil
	}
}

var _ browser.Page = (*FakePage)(nil)
