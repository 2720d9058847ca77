// Package cart adds products to a store cart through the browser and runs
// batches of such adds.
package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"cartpilot/internal/browser"
	"cartpilot/internal/challenge"
	"cartpilot/internal/config"
)

type Item struct {
	URL      string `json:"url"`
	Quantity int    `json:"quantity"`
}

type Data struct {
	Status        int    `json:"status"`
	ResponseURL   string `json:"responseUrl"`
	ResponseItems int    `json:"responseItems"`
	GuestID       string `json:"guestId,omitempty"`
}

// Result is the outcome of one add. It is built once and not modified.
type Result struct {
	URL         string `json:"url"`
	SKU         string `json:"sku,omitempty"`
	ProductName string `json:"productName,omitempty"`
	Quantity    int    `json:"quantity"`
	Success     bool   `json:"success"`
	Confirmed   bool   `json:"confirmed"`
	Data        *Data  `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"durationMs"`
}

type Driver struct {
	cfg       config.RetailerConfig
	guard     *challenge.Guard
	confirmer *Confirmer
	logger    *zap.Logger

	pricePattern *regexp.Regexp
}

func NewDriver(cfg config.RetailerConfig, guard *challenge.Guard, logger *zap.Logger) *Driver {
	d := &Driver{
		cfg:       cfg,
		guard:     guard,
		confirmer: NewConfirmer(cfg.ConfirmAttempts, cfg.ConfirmInterval()),
		logger:    logger.Named("cart").With(zap.String("retailer", cfg.Name)),
	}
	if cfg.Selectors.PricePattern != "" {
		if re, err := regexp.Compile(cfg.Selectors.PricePattern); err == nil {
			d.pricePattern = re
		} else {
			d.logger.Warn("Ignoring invalid price pattern", zap.Error(err))
		}
	}
	return d
}

// Add puts item in the cart. Failures are reported in the Result, never as a
// panic or error, so a batch can carry on with the next item.
func (d *Driver) Add(ctx context.Context, page browser.Page, item Item) Result {
	start := time.Now()
	quantity := item.Quantity
	if quantity < 1 {
		quantity = 1
	}
	logger := d.logger.With(zap.String("url", item.URL), zap.Int("quantity", quantity))

	fail := func(format string, args ...any) Result {
		msg := fmt.Sprintf(format, args...)
		logger.Warn("Add to cart failed", zap.String("reason", msg))
		return Result{URL: item.URL, Quantity: quantity, Error: msg, DurationMs: time.Since(start).Milliseconds()}
	}

	if err := d.guard.Navigate(ctx, page, item.URL); err != nil {
		return fail("navigation failed: %v", err)
	}

	probe, err := browser.WaitAny(ctx, page, d.cfg.ReadyTimeout(), d.readinessProbes()...)
	if err != nil {
		return fail("product page not ready: %v", err)
	}
	logger.Debug("Product page ready", zap.String("probe", probe))

	d.guard.DismissConsent(ctx, page)
	name := d.productName(ctx, page)

	// Armed before the click so a fast response is not missed.
	wait := page.ExpectResponse(ctx, d.cfg.CartMutationMarker)

	via, err := browser.FirstSuccess(ctx, d.addStrategies(page)...)
	if err != nil {
		_, _ = wait(0)
		return fail("add to cart button not found: %v", err)
	}
	logger.Debug("Add to cart clicked", zap.String("via", via))

	for i := 1; i < quantity; i++ {
		if _, err := browser.FirstSuccess(ctx, browser.ClickStrategies(page, d.cfg.ClickTimeout(), d.cfg.Selectors.QuantityPlus...)...); err != nil {
			_, _ = wait(0)
			return fail("quantity adjustment failed at %d of %d: %v", i+1, quantity, err)
		}
	}

	resp, err := wait(d.cfg.ResponseTimeout())
	if err != nil {
		return fail("no cart response: %v", err)
	}
	if !resp.OK() {
		return fail("cart responded with HTTP %d", resp.Status)
	}

	items := ExtractLineItems(resp.Body)
	data := &Data{
		Status:        resp.Status,
		ResponseURL:   resp.URL,
		ResponseItems: len(items),
		GuestID:       CartID(resp.Body),
	}
	sku := ""
	if match, ok := FindItem(items, name); ok {
		sku = match.ID
	}

	confirmed := false
	if name != "" && d.cfg.CartAPIURL != "" {
		line, ok, err := d.confirmer.Confirm(ctx, PageCartReader{Page: page, Endpoint: d.cfg.CartAPIURL}, name)
		if err != nil {
			return fail("cart confirmation interrupted: %v", err)
		}
		confirmed = ok
		if ok && sku == "" {
			sku = line.ID
		}
		if !ok {
			logger.Warn("Item not found in cart after add", zap.String("product", name))
		}
	}

	logger.Info("Added to cart", zap.String("product", name), zap.Bool("confirmed", confirmed), zap.Int("status", resp.Status))
	return Result{
		URL:         item.URL,
		SKU:         sku,
		ProductName: name,
		Quantity:    quantity,
		Success:     true,
		Confirmed:   confirmed,
		Data:        data,
		DurationMs:  time.Since(start).Milliseconds(),
	}
}

func (d *Driver) readinessProbes() []browser.Probe {
	sel := d.cfg.Selectors
	probes := []browser.Probe{browser.SelectorProbe("title", sel.ProductTitle)}
	if sel.ProductPrice != "" {
		probes = append(probes, browser.SelectorProbe("price", sel.ProductPrice))
	}
	if d.pricePattern != nil {
		probes = append(probes, browser.Probe{
			Name: "price pattern",
			Check: func(ctx context.Context, page browser.Page) bool {
				text, err := page.VisibleText(ctx)
				return err == nil && d.pricePattern.MatchString(text)
			},
		})
	}
	for _, s := range sel.AddToCart {
		probes = append(probes, browser.SelectorProbe("add button", s))
	}
	return probes
}

func (d *Driver) addStrategies(page browser.Page) []browser.Strategy {
	strategies := browser.ClickStrategies(page, d.cfg.ClickTimeout(), d.cfg.Selectors.AddToCart...)
	if pattern := d.cfg.Selectors.AddToCartText; pattern != "" {
		strategies = append(strategies, browser.Strategy{
			Name: "button text " + pattern,
			Run: func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, d.cfg.ClickTimeout())
				defer cancel()
				return page.ClickText(ctx, "button", pattern)
			},
		})
	}
	return strategies
}

const textOfJS = `(sel) => {
	const el = document.querySelector(sel);
	return el ? (el.innerText || el.textContent || "").trim() : "";
}`

func (d *Driver) productName(ctx context.Context, page browser.Page) string {
	raw, err := page.Eval(ctx, textOfJS, d.cfg.Selectors.ProductTitle)
	if err != nil {
		return ""
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return ""
	}
	return strings.TrimSpace(name)
}
