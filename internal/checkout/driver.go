// Package checkout walks a store checkout funnel up to, and optionally
// through, payment.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cartpilot/internal/browser"
	"cartpilot/internal/challenge"
	"cartpilot/internal/config"
)

var ErrInsufficientFunds = errors.New("payment declined: insufficient funds")

type Step int

const (
	CartReview Step = iota
	Upsell
	DeliveryMethod
	Identification
	Delivery
	Payment
	Done
)

func (s Step) String() string {
	switch s {
	case CartReview:
		return "cart_review"
	case Upsell:
		return "upsell"
	case DeliveryMethod:
		return "delivery_method"
	case Identification:
		return "identification"
	case Delivery:
		return "delivery"
	case Payment:
		return "payment"
	case Done:
		return "done"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

type Options struct {
	DryRun bool
}

type Result struct {
	Success        bool     `json:"success"`
	Step           string   `json:"step"`
	Steps          []string `json:"steps"`
	PaymentOutcome Status   `json:"paymentOutcome,omitempty"`
	MatchedPattern string   `json:"matchedPattern,omitempty"`
	DryRun         bool     `json:"dryRun,omitempty"`
	FinalURL       string   `json:"finalUrl,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// StepError names the required step that could not be completed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("checkout step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type Driver struct {
	cfg    config.RetailerConfig
	guard  *challenge.Guard
	logger *zap.Logger

	optionalTimeout time.Duration
	confirmWait     time.Duration
	pollInterval    time.Duration
}

func NewDriver(cfg config.RetailerConfig, guard *challenge.Guard, logger *zap.Logger) *Driver {
	return &Driver{
		cfg:             cfg,
		guard:           guard,
		logger:          logger.Named("checkout").With(zap.String("retailer", cfg.Name)),
		optionalTimeout: 3 * time.Second,
		confirmWait:     time.Second,
		pollInterval:    500 * time.Millisecond,
	}
}

// Run drives the funnel from the cart page. Required steps that fail end the
// run with a *StepError; optional ones are skipped when their control does
// not show up.
func (d *Driver) Run(ctx context.Context, page browser.Page, opts Options) (Result, error) {
	sel := d.cfg.Selectors
	res := Result{Steps: []string{}, DryRun: opts.DryRun}
	enter := func(s Step) {
		res.Step = s.String()
		res.Steps = append(res.Steps, s.String())
		d.logger.Debug("Checkout step", zap.Stringer("step", s))
	}
	fail := func(s Step, err error) (Result, error) {
		stepErr := &StepError{Step: s, Err: err}
		res.Error = stepErr.Error()
		res.FinalURL, _ = page.URL(ctx)
		d.logger.Warn("Checkout stopped", zap.Stringer("step", s), zap.Error(err))
		return res, stepErr
	}

	enter(CartReview)
	target := d.cfg.CheckoutURL
	if target == "" {
		target = d.cfg.CartURL
	}
	if err := d.navigate(ctx, page, target); err != nil {
		return fail(CartReview, err)
	}
	if d.guard != nil {
		d.guard.DismissConsent(ctx, page)
	}
	if err := d.required(ctx, page, sel.CheckoutCartContinue); err != nil {
		return fail(CartReview, err)
	}

	if d.optional(ctx, page, sel.UpsellDismiss) {
		enter(Upsell)
		if err := page.Click(ctx, sel.UpsellDismiss); err != nil {
			d.logger.Debug("Upsell dismiss failed", zap.Error(err))
		}
	}

	if d.optional(ctx, page, sel.DeliveryMethodRadio) {
		enter(DeliveryMethod)
		how, err := d.selectDeliveryMethod(ctx, page)
		if err != nil {
			return fail(DeliveryMethod, err)
		}
		d.logger.Debug("Delivery method selected", zap.String("via", how))
		if err := page.Click(ctx, sel.DeliveryMethodConfirm); err != nil {
			return fail(DeliveryMethod, err)
		}
	}

	enter(Identification)
	if err := d.required(ctx, page, sel.IdentificationContinue); err != nil {
		return fail(Identification, err)
	}

	enter(Delivery)
	if err := d.required(ctx, page, sel.DeliveryContinue); err != nil {
		return fail(Delivery, err)
	}

	enter(Payment)
	if err := page.WaitVisible(ctx, sel.PaymentSubmit, d.cfg.StepTimeout()); err != nil {
		return fail(Payment, err)
	}
	if opts.DryRun {
		res.Success = true
		res.FinalURL, _ = page.URL(ctx)
		d.logger.Info("Dry run stopped at payment")
		return res, nil
	}
	if err := page.Click(ctx, sel.PaymentSubmit); err != nil {
		return fail(Payment, err)
	}

	enter(Done)
	out := WaitForPaymentOutcome(ctx, page, Patterns{
		Success:      sel.PaymentSuccessPatterns,
		Insufficient: sel.PaymentInsufficientPatterns,
	}, d.cfg.PaymentWindow(), d.pollInterval)
	res.PaymentOutcome = out.Status
	res.MatchedPattern = out.Pattern
	res.FinalURL, _ = page.URL(ctx)

	switch out.Status {
	case StatusSuccess:
		res.Success = true
		d.logger.Info("Payment succeeded", zap.String("pattern", out.Pattern))
		return res, nil
	case StatusInsufficient:
		if closed, err := d.dismissModal(ctx, page); err == nil {
			d.logger.Debug("Payment modal dismissed", zap.String("via", closed))
		}
		res.Error = ErrInsufficientFunds.Error()
		d.logger.Warn("Payment declined", zap.String("pattern", out.Pattern))
		return res, ErrInsufficientFunds
	default:
		res.Error = fmt.Sprintf("payment outcome unknown after %s", d.cfg.PaymentWindow())
		d.logger.Warn("Payment outcome unknown")
		return res, nil
	}
}

func (d *Driver) navigate(ctx context.Context, page browser.Page, target string) error {
	if d.guard != nil {
		return d.guard.Navigate(ctx, page, target)
	}
	return page.Navigate(ctx, target)
}

func (d *Driver) required(ctx context.Context, page browser.Page, selector string) error {
	if err := page.WaitVisible(ctx, selector, d.cfg.StepTimeout()); err != nil {
		return err
	}
	return page.Click(ctx, selector)
}

func (d *Driver) optional(ctx context.Context, page browser.Page, selector string) bool {
	if selector == "" {
		return false
	}
	return page.WaitVisible(ctx, selector, d.optionalTimeout) == nil
}

const (
	nativeCheckJS = `(sel) => {
		const el = document.querySelector(sel);
		if (!el) return false;
		el.checked = true;
		return el.checked === true;
	}`
	syntheticEventsJS = `(sel) => {
		const el = document.querySelector(sel);
		if (!el) return false;
		el.checked = true;
		for (const type of ['input', 'change', 'click']) {
			el.dispatchEvent(new Event(type, { bubbles: true }));
		}
		return el.checked === true;
	}`
)

// selectDeliveryMethod tries progressively more forceful ways of selecting the
// radio option until the confirm button becomes enabled.
func (d *Driver) selectDeliveryMethod(ctx context.Context, page browser.Page) (string, error) {
	sel := d.cfg.Selectors
	script := func(js string) func(context.Context) error {
		return func(ctx context.Context) error {
			raw, err := page.Eval(ctx, js, sel.DeliveryMethodRadio)
			if err != nil {
				return err
			}
			if string(raw) != "true" {
				return errors.New("radio not checked")
			}
			return d.confirmEnabled(ctx, page)
		}
	}
	click := func(selector string) func(context.Context) error {
		return func(ctx context.Context) error {
			if selector == "" {
				return errors.New("no selector")
			}
			if err := browser.ClickVisible(ctx, page, selector, d.optionalTimeout); err != nil {
				return err
			}
			return d.confirmEnabled(ctx, page)
		}
	}

	return browser.FirstSuccess(ctx,
		browser.Strategy{Name: "native check", Run: script(nativeCheckJS)},
		browser.Strategy{Name: "click", Run: click(sel.DeliveryMethodRadio)},
		browser.Strategy{Name: "label click", Run: click(sel.DeliveryMethodLabel)},
		browser.Strategy{Name: "synthetic events", Run: script(syntheticEventsJS)},
	)
}

func (d *Driver) confirmEnabled(ctx context.Context, page browser.Page) error {
	ctx, cancel := context.WithTimeout(ctx, d.confirmWait)
	defer cancel()
	ticker := time.NewTicker(d.confirmWait / 5)
	defer ticker.Stop()
	for {
		if ok, err := page.Enabled(ctx, d.cfg.Selectors.DeliveryMethodConfirm); err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New("confirm button still disabled")
		case <-ticker.C:
		}
	}
}

func (d *Driver) dismissModal(ctx context.Context, page browser.Page) (string, error) {
	return browser.FirstSuccess(ctx, browser.ClickStrategies(page, d.optionalTimeout/3, d.cfg.Selectors.ModalClose...)...)
}
