package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cartpilot/internal/auth"
	"cartpilot/internal/browser"
	"cartpilot/internal/cart"
	"cartpilot/internal/challenge"
	"cartpilot/internal/checkout"
	"cartpilot/internal/config"
	"cartpilot/internal/jobs"
	"cartpilot/internal/lider"
	"cartpilot/internal/locale"
	"cartpilot/internal/profilelock"
	"cartpilot/internal/storefront"
)

type fakeJumbo struct {
	login       func(context.Context, storefront.LoginRequest) (auth.Result, error)
	addMultiple func(context.Context, storefront.AddMultipleRequest, func(jobs.Progress)) (cart.BatchResult, error)
	purchase    func(context.Context, storefront.PurchaseRequest) (storefront.PurchaseResponse, error)
}

func (f *fakeJumbo) Login(ctx context.Context, req storefront.LoginRequest) (auth.Result, error) {
	return f.login(ctx, req)
}

func (f *fakeJumbo) AddMultiple(ctx context.Context, req storefront.AddMultipleRequest, report func(jobs.Progress)) (cart.BatchResult, error) {
	return f.addMultiple(ctx, req, report)
}

func (f *fakeJumbo) CompletePurchase(ctx context.Context, req storefront.PurchaseRequest) (storefront.PurchaseResponse, error) {
	return f.purchase(ctx, req)
}

type fakeLider struct {
	addToCart   func(context.Context, lider.AddRequest) (lider.AddResponse, error)
	openBrowser func(context.Context, storefront.OpenBrowserRequest) (storefront.OpenBrowserResponse, error)
}

func (f *fakeLider) AddToCart(ctx context.Context, req lider.AddRequest) (lider.AddResponse, error) {
	return f.addToCart(ctx, req)
}

func (f *fakeLider) OpenBrowser(ctx context.Context, req storefront.OpenBrowserRequest) (storefront.OpenBrowserResponse, error) {
	return f.openBrowser(ctx, req)
}

func newTestServer(t *testing.T, j *fakeJumbo, l *fakeLider) *Server {
	t.Helper()
	en, err := locale.Load("en_US")
	require.NoError(t, err)
	locale.Set(en)

	tracker := jobs.NewTracker(config.JobsConfig{RetentionSeconds: 60, TimeoutMinutes: 1}, zap.NewNop())
	t.Cleanup(tracker.Close)
	if j == nil {
		j = &fakeJumbo{}
	}
	if l == nil {
		l = &fakeLider{}
	}
	return New(j, l, tracker, zap.NewNop())
}

func do(t *testing.T, s *Server, method, target, body string, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec, out := do(t, s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/jumbo/login", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestClassify(t *testing.T) {
	en, err := locale.Load("en_US")
	require.NoError(t, err)
	locale.Set(en)

	tests := []struct {
		name     string
		err      error
		status   int
		hintPart string
	}{
		{"bad json", fmt.Errorf("%w: eof", errBadJSON), http.StatusBadRequest, ""},
		{"invalid request", storefront.ErrInvalidRequest, http.StatusBadRequest, ""},
		{"missing credentials", auth.ErrMissingCredentials, http.StatusBadRequest, ""},
		{"offer required", lider.ErrOfferIDRequired, http.StatusBadRequest, "offerId"},
		{"auth failed", fmt.Errorf("login: %w", auth.ErrAuthFailed), http.StatusUnauthorized, "jumbo"},
		{"insufficient funds", checkout.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient funds"},
		{"job not found", jobs.ErrNotFound, http.StatusNotFound, ""},
		{"job finished", jobs.ErrFinished, http.StatusConflict, ""},
		{"profile in use", browser.ErrProfileInUse, http.StatusConflict, "jumbo profile"},
		{"bot challenge", fmt.Errorf("navigate: %w", challenge.ErrBotChallenge), http.StatusLocked, "warmup --retailer jumbo"},
		{"lock busy", profilelock.ErrBusy, http.StatusServiceUnavailable, "jumbo"},
		{"tracker closed", jobs.ErrClosed, http.StatusServiceUnavailable, ""},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, hint := classify(tt.err, "jumbo")
			assert.Equal(t, tt.status, status)
			if tt.hintPart == "" {
				assert.Empty(t, hint)
			} else {
				assert.Contains(t, hint, tt.hintPart)
			}
		})
	}
}

func TestPanicBecomesJSON500(t *testing.T) {
	s := newTestServer(t, &fakeJumbo{
		login: func(context.Context, storefront.LoginRequest) (auth.Result, error) {
			panic("selector table is nil")
		},
	}, nil)

	rec, out := do(t, s, http.MethodPost, "/jumbo/login", `{}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "selector table is nil")
}

func TestJumboLogin(t *testing.T) {
	var got storefront.LoginRequest
	s := newTestServer(t, &fakeJumbo{
		login: func(_ context.Context, req storefront.LoginRequest) (auth.Result, error) {
			got = req
			return auth.Result{Success: true, State: "authenticated", FinalURL: "https://www.jumbo.cl/"}, nil
		},
	}, nil)

	rec, out := do(t, s, http.MethodPost, "/jumbo/login", `{"username":"ana@example.com","password":"pw"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "authenticated", out["state"])
	assert.Contains(t, out, "ms")
	assert.Equal(t, "ana@example.com", got.Username)
}

func TestJumboLoginFailure(t *testing.T) {
	s := newTestServer(t, &fakeJumbo{
		login: func(context.Context, storefront.LoginRequest) (auth.Result, error) {
			return auth.Result{}, fmt.Errorf("%w: still on login page", auth.ErrAuthFailed)
		},
	}, nil)

	rec, out := do(t, s, http.MethodPost, "/jumbo/login", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["hint"], "jumbo")
}

func TestBadJSON(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec, out := do(t, s, http.MethodPost, "/jumbo/add-multiple", `{"productUrls":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, out["error"], "invalid json")
}

func TestJumboAddMultiple(t *testing.T) {
	s := newTestServer(t, &fakeJumbo{
		addMultiple: func(_ context.Context, req storefront.AddMultipleRequest, report func(jobs.Progress)) (cart.BatchResult, error) {
			assert.Nil(t, report)
			assert.Len(t, req.Items(), 2)
			return cart.BatchResult{Success: true, TotalProducts: 2, Succeeded: 2}, nil
		},
	}, nil)

	rec, out := do(t, s, http.MethodPost, "/jumbo/add-multiple", `{"productUrls":["https://www.jumbo.cl/a/p","https://www.jumbo.cl/b/p"]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), out["succeeded"])
}

func TestJumboAddMultipleAsync(t *testing.T) {
	release := make(chan struct{})
	s := newTestServer(t, &fakeJumbo{
		addMultiple: func(ctx context.Context, _ storefront.AddMultipleRequest, report func(jobs.Progress)) (cart.BatchResult, error) {
			report(jobs.Progress{Current: 1, Total: 2, CurrentCartCount: 1})
			select {
			case <-release:
			case <-ctx.Done():
				return cart.BatchResult{}, ctx.Err()
			}
			return cart.BatchResult{Success: true, TotalProducts: 2, Succeeded: 2}, nil
		},
	}, nil)

	rec, out := do(t, s, http.MethodPost, "/jumbo/add-multiple-async", `{"productUrls":["https://www.jumbo.cl/a/p","https://www.jumbo.cl/b/p"]}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, out["success"])
	jobID, _ := out["jobId"].(string)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		_, st := do(t, s, http.MethodGet, "/jumbo/add-multiple-async?jobId="+jobID, "", nil)
		p, _ := st["progress"].(map[string]any)
		return st["status"] == "running" && p["current"] == float64(1)
	}, 2*time.Second, 10*time.Millisecond)

	close(release)

	require.Eventually(t, func() bool {
		_, st := do(t, s, http.MethodGet, "/jumbo/add-multiple-async?jobId="+jobID, "", nil)
		return st["status"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	rec, st := do(t, s, http.MethodGet, "/jumbo/add-multiple-async?jobId="+jobID, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	result, _ := st["result"].(map[string]any)
	assert.Equal(t, float64(2), result["succeeded"])
	assert.Contains(t, st, "elapsedMs")
}

func TestJumboAddMultipleAsyncValidates(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec, _ := do(t, s, http.MethodPost, "/jumbo/add-multiple-async", `{"productUrls":[" "]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobStatusLookup(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec, _ := do(t, s, http.MethodGet, "/jumbo/add-multiple-async", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out := do(t, s, http.MethodGet, "/jumbo/add-multiple-async?jobId=nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "job not found", out["error"])
}

func TestExternalProgress(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	s := newTestServer(t, &fakeJumbo{
		addMultiple: func(ctx context.Context, _ storefront.AddMultipleRequest, _ func(jobs.Progress)) (cart.BatchResult, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return cart.BatchResult{}, nil
		},
	}, nil)

	_, out := do(t, s, http.MethodPost, "/jumbo/add-multiple-async", `{"productUrls":["https://www.jumbo.cl/a/p"]}`, nil)
	jobID := out["jobId"].(string)

	body := fmt.Sprintf(`{"jobId":%q,"current":3,"total":5,"cartReady":true,"currentCartCount":7}`, jobID)
	rec, out := do(t, s, http.MethodPost, "/jumbo/update-job-progress", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])

	rec, out = do(t, s, http.MethodGet, "/jumbo/update-job-progress?jobId="+jobID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := out["progress"].(map[string]any)
	assert.Equal(t, float64(3), p["current"])
	assert.Equal(t, float64(5), p["total"])
	assert.Equal(t, true, p["cartReady"])
	assert.Equal(t, float64(7), p["currentCartCount"])

	rec, _ = do(t, s, http.MethodPost, "/jumbo/update-job-progress", `{"current":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/jumbo/update-job-progress", `{"jobId":"nope","current":1}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompletePurchase(t *testing.T) {
	tests := []struct {
		name    string
		resp    storefront.PurchaseResponse
		err     error
		status  int
		success bool
		hint    bool
	}{
		{
			name:    "paid",
			resp:    storefront.PurchaseResponse{Success: true, Message: "purchase completed", PaymentOutcome: "success"},
			status:  http.StatusOK,
			success: true,
		},
		{
			name:   "insufficient funds",
			resp:   storefront.PurchaseResponse{Message: "payment declined", PaymentOutcome: "insufficient"},
			err:    checkout.ErrInsufficientFunds,
			status: http.StatusPaymentRequired,
			hint:   true,
		},
		{
			name:   "outcome unknown",
			resp:   storefront.PurchaseResponse{Message: "payment outcome unknown after 30s", PaymentOutcome: "unknown"},
			status: http.StatusOK,
		},
		{
			name:   "bot challenge",
			err:    challenge.ErrBotChallenge,
			status: http.StatusLocked,
			hint:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeJumbo{
				purchase: func(context.Context, storefront.PurchaseRequest) (storefront.PurchaseResponse, error) {
					return tt.resp, tt.err
				},
			}, nil)

			rec, out := do(t, s, http.MethodPost, "/jumbo/complete-purchase", `{"dryRun":false}`, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.success, out["success"])
			if tt.hint {
				assert.NotEmpty(t, out["hint"])
			} else {
				assert.NotContains(t, out, "hint")
			}
			if tt.resp.PaymentOutcome != "" {
				assert.Equal(t, string(tt.resp.PaymentOutcome), out["paymentOutcome"])
			}
		})
	}
}

func TestLiderAddToCartHeaderJar(t *testing.T) {
	var got lider.AddRequest
	s := newTestServer(t, nil, &fakeLider{
		addToCart: func(_ context.Context, req lider.AddRequest) (lider.AddResponse, error) {
			got = req
			jar := lider.Merge(*req.CookieJar, lider.Jar{Cookies: "region=13"})
			return lider.AddResponse{Success: true, CartID: jar.CartID, OfferID: req.OfferID, CookieJar: jar}, nil
		},
	})

	header := http.Header{}
	header.Set("X-Cart-Cookies", "session=abc; region=1")
	header.Set("X-Cart-Id", "cart-7")
	body := `{"offerId":"OF1","cookieJar":{"cookies":"session=xyz"}}`
	rec, out := do(t, s, http.MethodPost, "/lider/add-to-cart", body, header)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got.CookieJar)
	assert.Equal(t, "session=xyz; region=1", got.CookieJar.Cookies)
	assert.Equal(t, "cart-7", got.CookieJar.CartID)

	assert.Equal(t, "session=xyz; region=13", rec.Header().Get("X-Cart-Cookies"))
	assert.Equal(t, "cart-7", rec.Header().Get("X-Cart-Id"))
	assert.Equal(t, true, out["success"])
	assert.Equal(t, []any{}, out["lineItems"])
}

func TestLiderAddToCartWithoutJar(t *testing.T) {
	var got lider.AddRequest
	s := newTestServer(t, nil, &fakeLider{
		addToCart: func(_ context.Context, req lider.AddRequest) (lider.AddResponse, error) {
			got = req
			return lider.AddResponse{Success: true}, nil
		},
	})

	rec, _ := do(t, s, http.MethodPost, "/lider/add-to-cart", `{"offerId":"OF1"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, got.CookieJar)
}

func TestLiderAddToCartOfferRequired(t *testing.T) {
	s := newTestServer(t, nil, &fakeLider{
		addToCart: func(context.Context, lider.AddRequest) (lider.AddResponse, error) {
			return lider.AddResponse{Error: lider.ErrOfferIDRequired.Error()}, lider.ErrOfferIDRequired
		},
	})

	header := http.Header{}
	header.Set("X-Cart-Cookies", "session=abc")
	rec, out := do(t, s, http.MethodPost, "/lider/add-to-cart", `{}`, header)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, lider.ErrOfferIDRequired.Error(), out["error"])
	assert.NotEmpty(t, out["hint"])
	assert.Equal(t, "session=abc", rec.Header().Get("X-Cart-Cookies"))
}

func TestLiderAddToCartUpstreamFailure(t *testing.T) {
	s := newTestServer(t, nil, &fakeLider{
		addToCart: func(_ context.Context, req lider.AddRequest) (lider.AddResponse, error) {
			jar := lider.Jar{Cookies: "session=abc", CartID: "cart-1"}
			return lider.AddResponse{CartID: "cart-1", CookieJar: jar, Error: "update items: HTTP error 500: oops"},
				errors.New("update items: HTTP error 500: oops")
		},
	})

	rec, out := do(t, s, http.MethodPost, "/lider/add-to-cart", `{"offerId":"OF1"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "cart-1", out["cartId"])
	assert.Equal(t, "cart-1", rec.Header().Get("X-Cart-Id"))
	jar := out["cookieJar"].(map[string]any)
	assert.Equal(t, "session=abc", jar["cookies"])
}

func TestLiderOpenBrowser(t *testing.T) {
	s := newTestServer(t, nil, &fakeLider{
		openBrowser: func(_ context.Context, req storefront.OpenBrowserRequest) (storefront.OpenBrowserResponse, error) {
			if req.ProductURL == "" {
				return storefront.OpenBrowserResponse{}, fmt.Errorf("%w: productUrl is required", storefront.ErrInvalidRequest)
			}
			return storefront.OpenBrowserResponse{Success: true, BeforeCount: 0, AfterCount: 1, CartURL: "https://www.lider.cl/cart"}, nil
		},
	})

	rec, out := do(t, s, http.MethodPost, "/lider/open-browser", `{"productUrl":"https://www.lider.cl/ip/x/1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), out["afterCount"])

	rec, _ = do(t, s, http.MethodPost, "/lider/open-browser", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
