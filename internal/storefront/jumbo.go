package storefront

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cartpilot/internal/auth"
	"cartpilot/internal/browser"
	"cartpilot/internal/cart"
	"cartpilot/internal/challenge"
	"cartpilot/internal/checkout"
	"cartpilot/internal/config"
	"cartpilot/internal/jobs"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Headless *bool  `json:"headless,omitempty"`
}

type AddMultipleRequest struct {
	ProductURLs   []string    `json:"productUrls,omitempty"`
	Products      []cart.Item `json:"products,omitempty"`
	Headless      *bool       `json:"headless,omitempty"`
	LoginFirst    bool        `json:"loginFirst,omitempty"`
	Username      string      `json:"username,omitempty"`
	Password      string      `json:"password,omitempty"`
	OpenCartAfter bool        `json:"openCartAfter,omitempty"`
	KeepOpen      bool        `json:"keepOpen,omitempty"`
}

// Items merges both ways of listing products; quantity defaults to one.
func (r AddMultipleRequest) Items() []cart.Item {
	items := make([]cart.Item, 0, len(r.Products)+len(r.ProductURLs))
	for _, p := range r.Products {
		if strings.TrimSpace(p.URL) == "" {
			continue
		}
		if p.Quantity < 1 {
			p.Quantity = 1
		}
		items = append(items, p)
	}
	for _, u := range r.ProductURLs {
		if u = strings.TrimSpace(u); u != "" {
			items = append(items, cart.Item{URL: u, Quantity: 1})
		}
	}
	return items
}

func (r AddMultipleRequest) Validate() error {
	if len(r.Items()) == 0 {
		return fmt.Errorf("%w: productUrls or products is required", ErrInvalidRequest)
	}
	return nil
}

type PurchaseRequest struct {
	Headless *bool `json:"headless,omitempty"`
	DryRun   bool  `json:"dryRun,omitempty"`
	KeepOpen bool  `json:"keepOpen,omitempty"`
}

type PurchaseResponse struct {
	Success        bool             `json:"success"`
	Message        string           `json:"message"`
	CurrentURL     string           `json:"currentUrl"`
	PaymentOutcome checkout.Status  `json:"paymentOutcome,omitempty"`
	Checkout       *checkout.Result `json:"checkout,omitempty"`
}

// Jumbo runs the browser workflows against jumbo.cl.
type Jumbo struct {
	cfg      config.RetailerConfig
	batch    config.BatchConfig
	headless bool
	creds    auth.Credentials

	sessions *sessions
	guard    *challenge.Guard
	auth     *auth.Driver
	cart     *cart.Driver
	checkout *checkout.Driver
	logger   *zap.Logger
}

func NewJumbo(deps Deps) *Jumbo {
	cfg := deps.Config.Jumbo
	logger := deps.Logger.Named("jumbo")
	guard := challenge.NewGuard(cfg.Name, deps.Config.Challenge, cfg.Selectors, logger)
	return &Jumbo{
		cfg:      cfg,
		batch:    deps.Config.Batch,
		headless: deps.Config.Browser.Headless,
		creds:    auth.Credentials{Username: cfg.Username, Password: cfg.Password},
		sessions: newSessions(deps, cfg.Name),
		guard:    guard,
		auth:     auth.NewDriver(cfg, guard, logger),
		cart:     cart.NewDriver(cfg, guard, logger),
		checkout: checkout.NewDriver(cfg, guard, logger),
		logger:   logger,
	}
}

func (j *Jumbo) Login(ctx context.Context, req LoginRequest) (auth.Result, error) {
	creds := auth.Credentials{Username: req.Username, Password: req.Password}.Or(j.creds)
	var res auth.Result
	err := j.sessions.with(ctx, sessionOptions{Headless: headless(req.Headless, j.headless)}, func(ctx context.Context, page browser.Page) error {
		var err error
		res, err = j.auth.Login(ctx, page, creds)
		return err
	})
	return res, err
}

// AddMultiple adds every product in one browser session. Per-item failures
// are part of the result; only session-level problems return an error.
func (j *Jumbo) AddMultiple(ctx context.Context, req AddMultipleRequest, report func(jobs.Progress)) (cart.BatchResult, error) {
	if err := req.Validate(); err != nil {
		return cart.BatchResult{}, err
	}
	items := req.Items()
	creds := auth.Credentials{Username: req.Username, Password: req.Password}.Or(j.creds)

	var res cart.BatchResult
	opts := sessionOptions{Headless: headless(req.Headless, j.headless), KeepOpen: req.KeepOpen}
	err := j.sessions.with(ctx, opts, func(ctx context.Context, page browser.Page) error {
		if req.LoginFirst {
			if _, err := j.auth.Login(ctx, page, creds); err != nil {
				return err
			}
		}

		succeeded := 0
		res = cart.RunBatch(ctx, items, cart.BatchOptions{
			Size:  j.batch.Size,
			Delay: j.batch.Delay(),
			OnProgress: func(done, total int, last cart.Result) {
				if last.Success {
					succeeded++
				}
				if report == nil {
					return
				}
				count := succeeded
				if n, err := cart.BadgeCount(ctx, page, j.cfg.Selectors.CartCountBadge); err == nil && n >= 0 {
					count = n
				}
				report(jobs.Progress{Current: done, Total: total, CartReady: done == total, CurrentCartCount: count})
			},
		}, func(ctx context.Context, item cart.Item) cart.Result {
			return j.cart.Add(ctx, page, item)
		})

		j.logger.Info("Batch finished",
			zap.Int("total", res.TotalProducts),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed))

		if req.OpenCartAfter && j.cfg.CartURL != "" {
			if err := j.guard.Navigate(ctx, page, j.cfg.CartURL); err != nil {
				j.logger.Warn("Could not open cart page", zap.Error(err))
			}
		}
		return nil
	})
	return res, err
}

// CompletePurchase walks checkout with the cart already in the profile.
func (j *Jumbo) CompletePurchase(ctx context.Context, req PurchaseRequest) (PurchaseResponse, error) {
	var out PurchaseResponse
	opts := sessionOptions{Headless: headless(req.Headless, j.headless), KeepOpen: req.KeepOpen}
	err := j.sessions.with(ctx, opts, func(ctx context.Context, page browser.Page) error {
		res, err := j.checkout.Run(ctx, page, checkout.Options{DryRun: req.DryRun})
		out = PurchaseResponse{
			Success:        res.Success,
			CurrentURL:     res.FinalURL,
			PaymentOutcome: res.PaymentOutcome,
			Checkout:       &res,
		}
		switch {
		case err != nil:
			out.Message = err.Error()
		case res.DryRun:
			out.Message = "stopped at payment (dry run)"
		case res.Success:
			out.Message = "purchase completed"
		default:
			out.Message = res.Error
		}
		// A decline still honours KeepOpen.
		if errors.Is(err, checkout.ErrInsufficientFunds) {
			return nil
		}
		return err
	})
	if err == nil && out.PaymentOutcome == checkout.StatusInsufficient {
		return out, checkout.ErrInsufficientFunds
	}
	return out, err
}

func (j *Jumbo) Close() {
	j.sessions.shutdown()
}
