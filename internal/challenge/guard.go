// Package challenge deals with what stands between a navigation and a usable
// store page: cookie-consent banners and anti-bot interstitials.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"cartpilot/internal/browser"
	"cartpilot/internal/config"
)

// ErrBotChallenge means the store kept serving a challenge page after a wait
// and one re-navigation. Solving it once in a visible browser fixes the
// profile for later headless runs.
var ErrBotChallenge = errors.New("bot challenge did not clear")

type Guard struct {
	retailer string
	markers  config.ChallengeConfig
	consent  config.SelectorConfig
	logger   *zap.Logger

	timeout  time.Duration
	interval time.Duration
}

func NewGuard(retailer string, cfg config.ChallengeConfig, selectors config.SelectorConfig, logger *zap.Logger) *Guard {
	interval := cfg.PollInterval()
	if interval <= 0 {
		interval = time.Second
	}
	return &Guard{
		retailer: retailer,
		markers:  cfg,
		consent:  selectors,
		logger:   logger.Named("challenge").With(zap.String("retailer", retailer)),
		timeout:  cfg.Timeout(),
		interval: interval,
	}
}

const shadowConsentJS = `(host, ids, text) => {
	const el = document.querySelector(host);
	const root = el && el.shadowRoot;
	if (!root) return "";
	for (const id of ids) {
		const btn = root.querySelector('#' + CSS.escape(id));
		if (btn) { btn.click(); return "id:" + id; }
	}
	const needle = (text || "").toLowerCase();
	if (!needle) return "";
	for (const btn of root.querySelectorAll('button, [role="button"]')) {
		const label = (btn.innerText || btn.textContent || "").toLowerCase();
		if (label.includes(needle)) { btn.click(); return "text:" + needle; }
	}
	return "";
}`

// DismissConsent clicks the first consent control it can find and reports
// which one. Finding none is normal.
func (g *Guard) DismissConsent(ctx context.Context, page browser.Page) (string, bool) {
	var strategies []browser.Strategy
	for _, sel := range g.consent.ConsentButtons {
		strategies = append(strategies, browser.Strategy{
			Name: sel,
			Run: func(ctx context.Context) error {
				if !page.Visible(ctx, sel) {
					return browser.ErrNotVisible
				}
				return page.Click(ctx, sel)
			},
		})
	}

	shadowName := ""
	if g.consent.ConsentShadowHost != "" {
		strategies = append(strategies, browser.Strategy{
			Name: "shadow " + g.consent.ConsentShadowHost,
			Run: func(ctx context.Context) error {
				raw, err := page.Eval(ctx, shadowConsentJS, g.consent.ConsentShadowHost, g.consent.ConsentButtonIDs, g.consent.ConsentText)
				if err != nil {
					return err
				}
				var matched string
				if err := json.Unmarshal(raw, &matched); err != nil || matched == "" {
					return browser.ErrNotVisible
				}
				shadowName = "shadow " + matched
				return nil
			},
		})
	}

	name, err := browser.FirstSuccess(ctx, strategies...)
	if err != nil {
		g.logger.Debug("No consent banner dismissed", zap.Error(err))
		return "", false
	}
	if shadowName != "" {
		name = shadowName
	}
	g.logger.Debug("Consent banner dismissed", zap.String("via", name))
	return name, true
}

// Blocked reports whether page is showing a challenge, judged by the URL
// path and the document title.
func (g *Guard) Blocked(ctx context.Context, page browser.Page) (bool, error) {
	current, err := page.URL(ctx)
	if err != nil {
		return false, err
	}
	title, err := page.Title(ctx)
	if err != nil {
		return false, err
	}
	return IsChallenge(current, title, g.markers), nil
}

// IsChallenge is the pure classification behind Blocked.
func IsChallenge(rawURL, title string, markers config.ChallengeConfig) bool {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		path = u.Path
	}
	path = strings.ToLower(path)
	for _, m := range markers.BlockedPathMarkers {
		if m != "" && strings.Contains(path, strings.ToLower(m)) {
			return true
		}
	}

	title = strings.ToLower(title)
	for _, m := range markers.TitleMarkers {
		if m != "" && strings.Contains(title, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Navigate loads target and waits out a challenge if one appears: pointer
// activity, a bounded wait, one re-navigation and a second wait.
func (g *Guard) Navigate(ctx context.Context, page browser.Page, target string) error {
	if err := page.Navigate(ctx, target); err != nil {
		return err
	}

	for attempt := 1; attempt <= 2; attempt++ {
		blocked, err := g.Blocked(ctx, page)
		if err != nil {
			return err
		}
		if !blocked {
			return nil
		}

		g.logger.Warn("Bot challenge detected", zap.String("url", target), zap.Int("attempt", attempt))
		if err := browser.Humanize(ctx, page); err != nil {
			return err
		}

		cleared, err := g.waitClear(ctx, page)
		if err != nil {
			return err
		}
		if cleared {
			g.logger.Info("Bot challenge cleared", zap.String("url", target), zap.Int("attempt", attempt))
			return nil
		}

		if attempt == 1 {
			if err := page.Navigate(ctx, target); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("%w at %s after %s: retry once with headless=false and solve it in the browser window, the profile keeps the cookies",
		ErrBotChallenge, target, g.timeout)
}

func (g *Guard) waitClear(ctx context.Context, page browser.Page) (bool, error) {
	deadline := time.NewTimer(g.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
			blocked, err := g.Blocked(ctx, page)
			if err != nil {
				return false, err
			}
			if !blocked {
				return true, nil
			}
		}
	}
}
