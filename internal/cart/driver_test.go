package cart

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cartpilot/internal/browser"
	"cartpilot/internal/browser/browsertest"
	"cartpilot/internal/challenge"
	"cartpilot/internal/config"
)

const productURL = "https://www.jumbo.cl/leche-entera-soprole-1-l/p"

func testRetailer() config.RetailerConfig {
	cfg := config.DefaultConfig().Jumbo
	cfg.ReadyTimeoutSeconds = 1
	cfg.ResponseTimeoutSeconds = 1
	cfg.ClickTimeoutMs = 20
	cfg.ConfirmAttempts = 3
	cfg.ConfirmIntervalMs = 1
	return cfg
}

func newTestDriver(cfg config.RetailerConfig) *Driver {
	guard := challenge.NewGuard(cfg.Name, config.DefaultConfig().Challenge, cfg.Selectors, zap.NewNop())
	return NewDriver(cfg, guard, zap.NewNop())
}

// storePage simulates a product page whose cart gains the product once the
// add button is clicked.
func storePage(cfg config.RetailerConfig) (*browsertest.FakePage, *atomic.Int32) {
	var inCart atomic.Int32
	sel := cfg.Selectors
	page := browsertest.NewFakePage().
		SetTitle("Leche Entera Soprole 1 L | Jumbo").
		Show(sel.ProductTitle, sel.AddToCart[0], sel.QuantityPlus[0])

	page.OnEval(func(js string, args ...any) (json.RawMessage, error) {
		switch {
		case strings.Contains(js, "fetch(endpoint"):
			if inCart.Load() == 0 {
				return json.RawMessage(`{"orderFormId":"of-1","items":[]}`), nil
			}
			return json.RawMessage(`{"orderFormId":"of-1","items":[{"id":"98765","name":"Leche Entera Soprole 1 L","quantity":1}]}`), nil
		case strings.Contains(js, ".trim()"):
			return json.RawMessage(`"Leche Entera Soprole 1 L"`), nil
		}
		return json.RawMessage("null"), nil
	})
	page.OnClick(sel.AddToCart[0], func(p *browsertest.FakePage) {
		inCart.Store(1)
		p.QueueResponse(cfg.CartMutationMarker, browser.Response{
			URL:    "https://www.jumbo.cl/api/checkout/pub/orderForm/of-1/items",
			Status: 200,
			Body:   []byte(`{"orderFormId":"of-1","items":[{"id":"98765","name":"Leche Entera Soprole 1 L","quantity":1}]}`),
		})
	})
	return page, &inCart
}

func TestAddSuccess(t *testing.T) {
	cfg := testRetailer()
	d := newTestDriver(cfg)
	page, _ := storePage(cfg)
	reader := PageCartReader{Page: page, Endpoint: cfg.CartAPIURL}

	before, err := reader.ReadCart(context.Background())
	require.NoError(t, err)

	res := d.Add(context.Background(), page, Item{URL: productURL, Quantity: 1})
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Confirmed)
	assert.Equal(t, "98765", res.SKU)
	assert.Equal(t, "Leche Entera Soprole 1 L", res.ProductName)
	require.NotNil(t, res.Data)
	assert.Equal(t, 200, res.Data.Status)
	assert.Equal(t, 1, res.Data.ResponseItems)
	assert.Equal(t, "of-1", res.Data.GuestID)

	after, err := reader.ReadCart(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(after)-len(before), 1)
	assert.Equal(t, []string{productURL}, page.Navigations())
}

func TestAddAdjustsQuantityWithPlusControl(t *testing.T) {
	cfg := testRetailer()
	d := newTestDriver(cfg)
	page, _ := storePage(cfg)

	res := d.Add(context.Background(), page, Item{URL: productURL, Quantity: 3})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, res.Quantity)
	assert.Equal(t, 1, page.ClickCount(cfg.Selectors.AddToCart[0]))
	assert.Equal(t, 2, page.ClickCount(cfg.Selectors.QuantityPlus[0]))
}

func TestAddFallsBackToButtonText(t *testing.T) {
	cfg := testRetailer()
	d := newTestDriver(cfg)
	page, _ := storePage(cfg)
	page.Hide(cfg.Selectors.AddToCart[0])
	page.SetText("button", "Agregar al carro")
	page.OnClick("button", func(p *browsertest.FakePage) {
		p.QueueResponse(cfg.CartMutationMarker, browser.Response{URL: "https://www.jumbo.cl/api/checkout/pub/orderForm", Status: 201})
	})

	res := d.Add(context.Background(), page, Item{URL: productURL})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.Quantity)
	assert.Equal(t, []string{"button"}, page.Clicks())
}

func TestAddFailures(t *testing.T) {
	t.Run("page never ready", func(t *testing.T) {
		cfg := testRetailer()
		cfg.ReadyTimeoutSeconds = 0
		d := newTestDriver(cfg)

		res := d.Add(context.Background(), browsertest.NewFakePage(), Item{URL: productURL, Quantity: 1})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "not ready")
	})

	t.Run("no add button", func(t *testing.T) {
		cfg := testRetailer()
		d := newTestDriver(cfg)
		page := browsertest.NewFakePage().Show(cfg.Selectors.ProductTitle)

		res := d.Add(context.Background(), page, Item{URL: productURL, Quantity: 1})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "button not found")
	})

	t.Run("non 2xx response", func(t *testing.T) {
		cfg := testRetailer()
		d := newTestDriver(cfg)
		page, _ := storePage(cfg)
		page.OnClick(cfg.Selectors.AddToCart[0], func(p *browsertest.FakePage) {
			p.QueueResponse(cfg.CartMutationMarker, browser.Response{URL: "https://www.jumbo.cl/api/checkout/pub/orderForm", Status: 409})
		})

		res := d.Add(context.Background(), page, Item{URL: productURL, Quantity: 1})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "HTTP 409")
	})

	t.Run("response never arrives", func(t *testing.T) {
		cfg := testRetailer()
		cfg.ResponseTimeoutSeconds = 0
		d := newTestDriver(cfg)
		page, _ := storePage(cfg)
		page.OnClick(cfg.Selectors.AddToCart[0], nil)

		res := d.Add(context.Background(), page, Item{URL: productURL, Quantity: 1})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "no cart response")
	})

	t.Run("plus control missing", func(t *testing.T) {
		cfg := testRetailer()
		d := newTestDriver(cfg)
		page, _ := storePage(cfg)
		page.Hide(cfg.Selectors.QuantityPlus[0])

		res := d.Add(context.Background(), page, Item{URL: productURL, Quantity: 2})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "quantity adjustment failed")
	})
}

func TestAddUnconfirmedStillSucceeds(t *testing.T) {
	cfg := testRetailer()
	d := newTestDriver(cfg)
	page, inCart := storePage(cfg)
	page.OnClick(cfg.Selectors.AddToCart[0], func(p *browsertest.FakePage) {
		p.QueueResponse(cfg.CartMutationMarker, browser.Response{URL: "https://www.jumbo.cl/api/checkout/pub/orderForm", Status: 200})
	})

	res := d.Add(context.Background(), page, Item{URL: productURL, Quantity: 1})
	assert.True(t, res.Success)
	assert.False(t, res.Confirmed)
	assert.Zero(t, inCart.Load())
}
