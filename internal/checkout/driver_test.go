package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cartpilot/internal/browser/browsertest"
	"cartpilot/internal/config"
)

func testDriver() (*Driver, config.SelectorConfig) {
	cfg := config.DefaultConfig().Jumbo
	cfg.StepTimeoutSeconds = 1
	cfg.PaymentWindowSeconds = 1
	d := NewDriver(cfg, nil, zap.NewNop())
	d.optionalTimeout = 15 * time.Millisecond
	d.confirmWait = 20 * time.Millisecond
	d.pollInterval = 2 * time.Millisecond
	return d, cfg.Selectors
}

// funnel wires a page so that each step's button reveals the next one.
func funnel(sel config.SelectorConfig, paymentText string) *browsertest.FakePage {
	page := browsertest.NewFakePage()
	page.OnNavigate(func(p *browsertest.FakePage, _ string) {
		p.Show(sel.CheckoutCartContinue)
	})
	page.OnClick(sel.CheckoutCartContinue, func(p *browsertest.FakePage) {
		p.Show(sel.IdentificationContinue)
	})
	page.OnClick(sel.IdentificationContinue, func(p *browsertest.FakePage) {
		p.Show(sel.DeliveryContinue)
	})
	page.OnClick(sel.DeliveryContinue, func(p *browsertest.FakePage) {
		p.Show(sel.PaymentSubmit)
	})
	page.OnClick(sel.PaymentSubmit, func(p *browsertest.FakePage) {
		p.SetBody(paymentText)
	})
	return page
}

func TestRunSuccess(t *testing.T) {
	d, sel := testDriver()
	page := funnel(sel, "¡Gracias por tu compra! Pedido #123")

	res, err := d.Run(context.Background(), page, Options{})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, StatusSuccess, res.PaymentOutcome)
	assert.Equal(t, "gracias por tu compra", res.MatchedPattern)
	assert.Equal(t, []string{"cart_review", "identification", "delivery", "payment", "done"}, res.Steps)
	assert.Equal(t, []string{d.cfg.CheckoutURL}, page.Navigations())
}

func TestRunInsufficientFunds(t *testing.T) {
	d, sel := testDriver()
	page := funnel(sel, "Tu pago fue rechazado: FONDOS INSUFICIENTES")
	page.Show(sel.ModalClose[0])

	res, err := d.Run(context.Background(), page, Options{})

	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.False(t, res.Success)
	assert.Equal(t, StatusInsufficient, res.PaymentOutcome)
	assert.Equal(t, 1, page.ClickCount(sel.ModalClose[0]), "modal dismissed")
}

func TestRunInsufficientFundsWithoutModal(t *testing.T) {
	d, sel := testDriver()
	page := funnel(sel, "saldo insuficiente")

	res, err := d.Run(context.Background(), page, Options{})

	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, StatusInsufficient, res.PaymentOutcome)
}

func TestRunUnknownOutcome(t *testing.T) {
	d, sel := testDriver()
	page := funnel(sel, "Procesando...")

	res, err := d.Run(context.Background(), page, Options{})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StatusUnknown, res.PaymentOutcome)
	assert.Contains(t, res.Error, "unknown")
}

func TestRunDryRunStopsBeforePaying(t *testing.T) {
	d, sel := testDriver()
	page := funnel(sel, "gracias por tu compra")

	res, err := d.Run(context.Background(), page, Options{DryRun: true})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.DryRun)
	assert.Equal(t, "payment", res.Step)
	assert.Zero(t, page.ClickCount(sel.PaymentSubmit))
	assert.Empty(t, res.PaymentOutcome)
}

func TestRunOptionalSteps(t *testing.T) {
	d, sel := testDriver()
	page := funnel(sel, "pedido confirmado")
	page.OnClick(sel.CheckoutCartContinue, func(p *browsertest.FakePage) {
		p.Show(sel.UpsellDismiss, sel.DeliveryMethodRadio, sel.DeliveryMethodConfirm, sel.IdentificationContinue)
		p.SetEnabled(sel.DeliveryMethodConfirm, false)
	})
	page.OnClick(sel.DeliveryMethodRadio, func(p *browsertest.FakePage) {
		p.SetEnabled(sel.DeliveryMethodConfirm, true)
	})

	res, err := d.Run(context.Background(), page, Options{})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, []string{"cart_review", "upsell", "delivery_method", "identification", "delivery", "payment", "done"}, res.Steps)
	assert.Equal(t, 1, page.ClickCount(sel.UpsellDismiss))
	assert.Equal(t, 1, page.ClickCount(sel.DeliveryMethodRadio))
	assert.Equal(t, 1, page.ClickCount(sel.DeliveryMethodConfirm))
}

func TestRunMissingRequiredStep(t *testing.T) {
	d, sel := testDriver()
	page := funnel(sel, "")
	page.OnClick(sel.CheckoutCartContinue, func(*browsertest.FakePage) {})

	res, err := d.Run(context.Background(), page, Options{})

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, Identification, stepErr.Step)
	assert.False(t, res.Success)
	assert.Equal(t, "identification", res.Step)
	assert.Contains(t, res.Error, "checkout step identification")
}

func TestSelectDeliveryMethodCascade(t *testing.T) {
	testCases := []struct {
		name     string
		setup    func(p *browsertest.FakePage, sel config.SelectorConfig)
		expected string
	}{
		{
			name: "native check",
			setup: func(p *browsertest.FakePage, sel config.SelectorConfig) {
				p.OnEval(browsertest.EvalContains(map[string]string{"el.checked = true": "true"}))
			},
			expected: "native check",
		},
		{
			name: "label click after radio click leaves confirm disabled",
			setup: func(p *browsertest.FakePage, sel config.SelectorConfig) {
				p.Show(sel.DeliveryMethodLabel)
				p.SetEnabled(sel.DeliveryMethodConfirm, false)
				p.OnClick(sel.DeliveryMethodLabel, func(p *browsertest.FakePage) {
					p.SetEnabled(sel.DeliveryMethodConfirm, true)
				})
			},
			expected: "label click",
		},
		{
			name: "synthetic events",
			setup: func(p *browsertest.FakePage, sel config.SelectorConfig) {
				p.SetEnabled(sel.DeliveryMethodConfirm, false)
				p.OnEval(func(js string, _ ...any) (json.RawMessage, error) {
					if js == syntheticEventsJS {
						p.SetEnabled(sel.DeliveryMethodConfirm, true)
						return json.RawMessage("true"), nil
					}
					return json.RawMessage("false"), nil
				})
			},
			expected: "synthetic events",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d, sel := testDriver()
			page := browsertest.NewFakePage().Show(sel.DeliveryMethodRadio, sel.DeliveryMethodConfirm)
			tc.setup(page, sel)

			how, err := d.selectDeliveryMethod(context.Background(), page)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, how)
		})
	}
}

func TestSelectDeliveryMethodMissingLabel(t *testing.T) {
	d, sel := testDriver()
	page := browsertest.NewFakePage().BlockOnMissing().Show(sel.DeliveryMethodRadio, sel.DeliveryMethodConfirm)
	page.SetEnabled(sel.DeliveryMethodConfirm, false)
	page.OnEval(func(js string, _ ...any) (json.RawMessage, error) {
		if js == syntheticEventsJS {
			page.SetEnabled(sel.DeliveryMethodConfirm, true)
			return json.RawMessage("true"), nil
		}
		return json.RawMessage("false"), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()

	how, err := d.selectDeliveryMethod(ctx, page)
	require.NoError(t, err)
	assert.Equal(t, "synthetic events", how)
	assert.Less(t, time.Since(start), time.Second, "absent label must not hold the cascade until ctx ends")
	assert.Zero(t, page.ClickCount(sel.DeliveryMethodLabel))
}

func TestSelectDeliveryMethodGivesUp(t *testing.T) {
	d, sel := testDriver()
	page := browsertest.NewFakePage().Show(sel.DeliveryMethodRadio, sel.DeliveryMethodConfirm)
	page.SetEnabled(sel.DeliveryMethodConfirm, false)

	_, err := d.selectDeliveryMethod(context.Background(), page)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all strategies failed")
}
