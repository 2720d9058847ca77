package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

type rodPage struct {
	page *rod.Page
}

// NewRodPage wraps a rod page.
func NewRodPage(page *rod.Page) Page {
	return &rodPage{page: page}
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := pg.WaitLoad(); err != nil {
		return fmt.Errorf("page failed to load: %w", err)
	}
	return nil
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *rodPage) Visible(ctx context.Context, selector string) bool {
	has, el, err := p.page.Context(ctx).Has(selector)
	if err != nil || !has {
		return false
	}
	visible, err := el.Visible()
	return err == nil && visible
}

func (p *rodPage) VisibleText(ctx context.Context) (string, error) {
	res, err := p.page.Context(ctx).Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (p *rodPage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotVisible, selector, err)
	}
	if err := el.WaitVisible(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotVisible, selector, err)
	}
	return nil
}

// lookup finds elements without retrying; a missing element is an error right
// away instead of a wait that lasts as long as ctx. Elements it returns wait
// for interactability with the default backoff.
func (p *rodPage) lookup(ctx context.Context) *rod.Page {
	return p.page.Context(ctx).Sleeper(rod.NotFoundSleeper)
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.lookup(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotVisible, selector, err)
	}
	return clickElement(el)
}

func (p *rodPage) ClickText(ctx context.Context, selector, pattern string) error {
	el, err := p.lookup(ctx).ElementR(selector, pattern)
	if err != nil {
		return fmt.Errorf("%w: %s /%s/: %w", ErrNotVisible, selector, pattern, err)
	}
	return clickElement(el)
}

func clickElement(el *rod.Element) error {
	el = el.Sleeper(rod.DefaultSleeper)
	_ = el.ScrollIntoView()
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

func (p *rodPage) Input(ctx context.Context, selector, value string) error {
	el, err := p.lookup(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotVisible, selector, err)
	}
	el = el.Sleeper(rod.DefaultSleeper)
	_ = el.SelectAllText()
	return el.Input(value)
}

func (p *rodPage) Enabled(ctx context.Context, selector string) (bool, error) {
	has, el, err := p.page.Context(ctx).Has(selector)
	if err != nil {
		return false, err
	}
	if !has {
		return false, fmt.Errorf("%w: %s", ErrNotVisible, selector)
	}
	disabled, err := el.Disabled()
	if err != nil {
		return false, err
	}
	return !disabled, nil
}

func (p *rodPage) Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error) {
	res, err := p.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return nil, err
	}
	return res.Value.MarshalJSON()
}

func (p *rodPage) ExpectResponse(ctx context.Context, urlSubstring string) ResponseWaiter {
	ctx, cancel := context.WithCancel(ctx)
	matched := make(chan *proto.NetworkResponseReceived, 1)

	// EachEvent subscribes before returning, so nothing fired after this
	// call is missed.
	wait := p.page.Context(ctx).EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Response == nil || !strings.Contains(e.Response.URL, urlSubstring) {
			return false
		}
		select {
		case matched <- e:
		default:
		}
		return true
	})
	go wait()

	return func(timeout time.Duration) (Response, error) {
		defer cancel()

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case e := <-matched:
			resp := Response{URL: e.Response.URL, Status: e.Response.Status}
			resp.Body = p.responseBody(ctx, e.RequestID)
			return resp, nil
		case <-timer.C:
			return Response{}, fmt.Errorf("%w: %q within %s", ErrNoResponse, urlSubstring, timeout)
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
}

// responseBody is best effort; the body is only retrievable once loading has
// finished, so it is retried briefly.
func (p *rodPage) responseBody(ctx context.Context, id proto.NetworkRequestID) []byte {
	for attempt := 0; attempt < 5; attempt++ {
		res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(p.page.Context(ctx))
		if err == nil {
			return []byte(res.Body)
		}
		if Sleep(ctx, 200*time.Millisecond) != nil {
			return nil
		}
	}
	return nil
}

func (p *rodPage) MouseMove(ctx context.Context, x, y float64) error {
	return p.page.Context(ctx).Mouse.MoveTo(proto.Point{X: x, Y: y})
}

func (p *rodPage) Scroll(ctx context.Context, dy float64) error {
	return p.page.Context(ctx).Mouse.Scroll(0, dy, 4)
}

func (p *rodPage) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, err
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
	}
	return cookies, nil
}
