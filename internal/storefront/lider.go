package storefront

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cartpilot/internal/browser"
	"cartpilot/internal/cart"
	"cartpilot/internal/challenge"
	"cartpilot/internal/config"
	"cartpilot/internal/lider"
)

type OpenBrowserRequest struct {
	ProductURL string `json:"productUrl"`
	Quantity   int    `json:"quantity,omitempty"`
	KeepOpen   bool   `json:"keepOpen,omitempty"`
	Headless   *bool  `json:"headless,omitempty"`
}

type OpenBrowserResponse struct {
	Success     bool        `json:"success"`
	CartID      string      `json:"cartId,omitempty"`
	CartURL     string      `json:"cartUrl"`
	BeforeCount int         `json:"beforeCount"`
	AfterCount  int         `json:"afterCount"`
	Result      cart.Result `json:"result"`
	Error       string      `json:"error,omitempty"`
}

// Lider serves lider.cl: the GraphQL path for adds and a browser path for
// when the API is not enough.
type Lider struct {
	cfg      config.RetailerConfig
	headless bool

	service  *lider.Service
	sessions *sessions
	guard    *challenge.Guard
	cart     *cart.Driver
	logger   *zap.Logger
}

func NewLider(deps Deps, service *lider.Service) *Lider {
	cfg := deps.Config.Lider
	logger := deps.Logger.Named("lider")
	guard := challenge.NewGuard(cfg.Name, deps.Config.Challenge, cfg.Selectors, logger)
	return &Lider{
		cfg:      cfg,
		headless: deps.Config.Browser.Headless,
		service:  service,
		sessions: newSessions(deps, cfg.Name),
		guard:    guard,
		cart:     cart.NewDriver(cfg, guard, logger),
		logger:   logger,
	}
}

// AddToCart goes straight to the cart API and does not touch the browser
// profile.
func (l *Lider) AddToCart(ctx context.Context, req lider.AddRequest) (lider.AddResponse, error) {
	return l.service.AddToCart(ctx, req)
}

// OpenBrowser adds one product through the store UI and reports the header
// cart counter before and after.
func (l *Lider) OpenBrowser(ctx context.Context, req OpenBrowserRequest) (OpenBrowserResponse, error) {
	if strings.TrimSpace(req.ProductURL) == "" {
		return OpenBrowserResponse{}, fmt.Errorf("%w: productUrl is required", ErrInvalidRequest)
	}
	out := OpenBrowserResponse{CartURL: l.cfg.CartURL, BeforeCount: -1, AfterCount: -1}
	badge := l.cfg.Selectors.CartCountBadge

	opts := sessionOptions{Headless: headless(req.Headless, l.headless), KeepOpen: req.KeepOpen}
	err := l.sessions.with(ctx, opts, func(ctx context.Context, page browser.Page) error {
		if err := l.guard.Navigate(ctx, page, l.cfg.BaseURL); err != nil {
			return err
		}
		l.guard.DismissConsent(ctx, page)
		if n, err := cart.BadgeCount(ctx, page, badge); err == nil {
			out.BeforeCount = n
		}

		out.Result = l.cart.Add(ctx, page, cart.Item{URL: req.ProductURL, Quantity: req.Quantity})
		if n, err := cart.BadgeCount(ctx, page, badge); err == nil {
			out.AfterCount = n
		}
		if out.Result.Data != nil {
			out.CartID = out.Result.Data.GuestID
		}
		out.Success = out.Result.Success
		out.Error = out.Result.Error

		l.logger.Info("Browser add finished",
			zap.String("url", req.ProductURL),
			zap.Bool("success", out.Success),
			zap.Int("before", out.BeforeCount),
			zap.Int("after", out.AfterCount))
		return nil
	})
	return out, err
}

func (l *Lider) Close() {
	l.sessions.shutdown()
}
