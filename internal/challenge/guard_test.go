package challenge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cartpilot/internal/browser/browsertest"
	"cartpilot/internal/config"
)

func newTestGuard() *Guard {
	cfg := config.DefaultConfig()
	g := NewGuard("jumbo", cfg.Challenge, cfg.Jumbo.Selectors, zap.NewNop())
	g.timeout = 60 * time.Millisecond
	g.interval = 5 * time.Millisecond
	return g
}

func TestIsChallenge(t *testing.T) {
	markers := config.DefaultConfig().Challenge

	testCases := []struct {
		name     string
		url      string
		title    string
		expected bool
	}{
		{"product page", "https://www.jumbo.cl/leche-entera-1l/p", "Leche Entera 1L | Jumbo", false},
		{"blocked path", "https://www.jumbo.cl/blocked?ref=abc", "Jumbo", true},
		{"marker only in query is ignored", "https://www.jumbo.cl/search?q=blocked", "Jumbo", false},
		{"challenge title", "https://www.jumbo.cl/", "Just a moment...", true},
		{"title case insensitive", "https://www.jumbo.cl/", "ACCESS DENIED", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsChallenge(tc.url, tc.title, markers))
		})
	}
}

func TestDismissConsentLightDOM(t *testing.T) {
	g := newTestGuard()
	page := browsertest.NewFakePage().Show("button.cookies-consent-accept")

	name, ok := g.DismissConsent(context.Background(), page)
	require.True(t, ok)
	assert.Equal(t, "button.cookies-consent-accept", name)
	assert.Equal(t, []string{"button.cookies-consent-accept"}, page.Clicks())
}

func TestDismissConsentShadowDOM(t *testing.T) {
	g := newTestGuard()
	page := browsertest.NewFakePage()
	var gotArgs []any
	page.OnEval(func(js string, args ...any) (json.RawMessage, error) {
		gotArgs = args
		return json.RawMessage(`"text:aceptar"`), nil
	})

	name, ok := g.DismissConsent(context.Background(), page)
	require.True(t, ok)
	assert.Equal(t, "shadow text:aceptar", name)
	require.Len(t, gotArgs, 3)
	assert.Equal(t, "#usercentrics-root", gotArgs[0])
	assert.Equal(t, "aceptar", gotArgs[2])
}

func TestDismissConsentNothingFound(t *testing.T) {
	g := newTestGuard()
	page := browsertest.NewFakePage().OnEval(browsertest.EvalContains(map[string]string{"shadowRoot": `""`}))

	_, ok := g.DismissConsent(context.Background(), page)
	assert.False(t, ok)
	assert.Empty(t, page.Clicks())
}

func TestNavigateNotBlocked(t *testing.T) {
	g := newTestGuard()
	page := browsertest.NewFakePage().SetTitle("Jumbo")

	require.NoError(t, g.Navigate(context.Background(), page, "https://www.jumbo.cl/"))
	assert.Equal(t, []string{"https://www.jumbo.cl/"}, page.Navigations())
	moves, _ := page.PointerActivity()
	assert.Zero(t, moves)
}

func TestNavigateWaitsForChallengeToClear(t *testing.T) {
	g := newTestGuard()
	g.timeout = 5 * time.Second
	page := browsertest.NewFakePage().SetTitle("Just a moment...")

	go func() {
		time.Sleep(30 * time.Millisecond)
		page.SetTitle("Jumbo")
	}()

	require.NoError(t, g.Navigate(context.Background(), page, "https://www.jumbo.cl/"))
	assert.Len(t, page.Navigations(), 1)
	moves, _ := page.PointerActivity()
	assert.Positive(t, moves)
}

func TestNavigateRetriesOnceThenClears(t *testing.T) {
	g := newTestGuard()
	page := browsertest.NewFakePage().SetTitle("Access Denied")
	page.OnNavigate(func(p *browsertest.FakePage, url string) {
		if len(p.Navigations()) == 2 {
			p.SetTitle("Jumbo")
		}
	})

	require.NoError(t, g.Navigate(context.Background(), page, "https://www.jumbo.cl/"))
	assert.Len(t, page.Navigations(), 2)
}

func TestNavigateGivesUp(t *testing.T) {
	g := newTestGuard()
	page := browsertest.NewFakePage().SetTitle("Access Denied")

	err := g.Navigate(context.Background(), page, "https://www.jumbo.cl/")
	require.ErrorIs(t, err, ErrBotChallenge)
	assert.Contains(t, err.Error(), "headless=false")
	assert.Len(t, page.Navigations(), 2)
}

func TestNavigateHonoursCancellation(t *testing.T) {
	g := newTestGuard()
	g.timeout = time.Minute
	page := browsertest.NewFakePage().SetTitle("Access Denied")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.Navigate(ctx, page, "https://www.jumbo.cl/")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
