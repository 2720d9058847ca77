// Package lider talks to the Lider storefront without a browser: a GraphQL
// cart API, product pages scraped for offer ids, and an explicit cookie jar.
package lider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"cartpilot/internal/browser"
	"cartpilot/internal/config"
)

type GraphQLRequest struct {
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
	Query         string         `json:"query"`
}

type GraphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors"`
}

type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path"`
	Extensions map[string]any `json:"extensions"`
}

// GraphQLErrors is returned when the API answers 2xx with an errors array.
type GraphQLErrors struct {
	Operation string
	Errors    []GraphQLError
}

func (e *GraphQLErrors) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "GraphQL error in %s:", e.Operation)
	for _, gqlErr := range e.Errors {
		fmt.Fprintf(&b, " %s", gqlErr.Message)
		if code, ok := gqlErr.Extensions["code"].(string); ok && code != "" {
			fmt.Fprintf(&b, " (code %s)", code)
		}
		if len(gqlErr.Path) > 0 {
			fmt.Fprintf(&b, " path %v", gqlErr.Path)
		}
		b.WriteString(";")
	}
	return strings.TrimSuffix(b.String(), ";")
}

// HTTPError is a non-2xx answer from the store.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.Status, e.Body)
}

type CartLine struct {
	ID       string `json:"id"`
	OfferID  string `json:"offerId"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

type Cart struct {
	ID        string     `json:"id"`
	LineItems []CartLine `json:"lineItems"`
}

type LineInput struct {
	OfferID  string `json:"offerId"`
	Quantity int    `json:"quantity"`
}

const (
	createCartMutation = `mutation CreateCart($input: CreateCartInput!) {
  createCart(input: $input) { id lineItems { id quantity offerId product { name } } }
}`
	updateItemsMutation = `mutation UpdateItems($input: UpdateItemsInput!) {
  updateItems(input: $input) { id lineItems { id quantity offerId product { name } } }
}`
	cartQuery = `query GetCart($cartId: ID!) {
  cart(cartId: $cartId) { id lineItems { id quantity offerId product { name } } }
}`
)

type Client struct {
	http   *http.Client
	cfg    config.RetailerConfig
	ua     string
	lang   string
	logger *zap.Logger

	maxAttempts int
	retryDelay  func() time.Duration
}

// NewClient builds a client with no cookie jar of its own; every call takes
// and returns a Jar. Redirects are followed by hand so that cookies set on
// intermediate hops are not lost.
func NewClient(cfg config.RetailerConfig, browserCfg config.BrowserConfig, logger *zap.Logger) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:         cfg,
		ua:          browserCfg.UserAgent,
		lang:        browserCfg.AcceptLanguage,
		logger:      logger.Named("lider-api"),
		maxAttempts: 3,
		retryDelay: func() time.Duration {
			return time.Duration(500+rand.IntN(1000)) * time.Millisecond
		},
	}
}

// Bootstrap seeds the jar with the cookies an anonymous visit to the store
// front page receives.
func (c *Client) Bootstrap(ctx context.Context, jar Jar) (Jar, error) {
	target := c.cfg.BaseURL
	for hop := 0; hop < 5; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return jar, fmt.Errorf("failed to create request: %w", err)
		}
		c.setBrowserHeaders(req, jar)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

		resp, err := c.http.Do(req)
		if err != nil {
			return jar, fmt.Errorf("bootstrap request failed: %w", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		jar = jar.WithSetCookies(resp.Header.Values("Set-Cookie"))

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			next, err := resp.Location()
			if err != nil {
				return jar, fmt.Errorf("redirect without location: %w", err)
			}
			target = next.String()
			continue
		}
		if resp.StatusCode >= 400 {
			return jar, &HTTPError{Status: resp.StatusCode}
		}
		c.logger.Debug("Session bootstrapped", zap.Int("cookies", jar.Len()))
		return jar, nil
	}
	return jar, errors.New("bootstrap: too many redirects")
}

func (c *Client) CreateCart(ctx context.Context, jar Jar) (Jar, Cart, error) {
	var data struct {
		CreateCart cartPayload `json:"createCart"`
	}
	jar, err := c.do(ctx, jar, GraphQLRequest{
		OperationName: "CreateCart",
		Variables:     map[string]any{"input": map[string]any{}},
		Query:         createCartMutation,
	}, &data)
	if err != nil {
		return jar, Cart{}, err
	}
	cart := data.CreateCart.toCart()
	if cart.ID == "" {
		return jar, cart, errors.New("createCart returned no cart id")
	}
	return jar.WithCartID(cart.ID), cart, nil
}

func (c *Client) UpdateItems(ctx context.Context, jar Jar, items []LineInput) (Jar, Cart, error) {
	if jar.CartID == "" {
		return jar, Cart{}, errors.New("updateItems needs a cart id")
	}
	var data struct {
		UpdateItems cartPayload `json:"updateItems"`
	}
	jar, err := c.do(ctx, jar, GraphQLRequest{
		OperationName: "UpdateItems",
		Variables: map[string]any{"input": map[string]any{
			"cartId": jar.CartID,
			"items":  items,
		}},
		Query: updateItemsMutation,
	}, &data)
	if err != nil {
		return jar, Cart{}, err
	}
	return jar, data.UpdateItems.toCart(), nil
}

func (c *Client) ReadCart(ctx context.Context, jar Jar) (Jar, Cart, error) {
	if jar.CartID == "" {
		return jar, Cart{}, errors.New("reading a cart needs a cart id")
	}
	var data struct {
		Cart cartPayload `json:"cart"`
	}
	jar, err := c.do(ctx, jar, GraphQLRequest{
		OperationName: "GetCart",
		Variables:     map[string]any{"cartId": jar.CartID},
		Query:         cartQuery,
	}, &data)
	if err != nil {
		return jar, Cart{}, err
	}
	return jar, data.Cart.toCart(), nil
}

type cartPayload struct {
	ID        string `json:"id"`
	LineItems []struct {
		ID       string `json:"id"`
		Quantity int    `json:"quantity"`
		OfferID  string `json:"offerId"`
		Product  struct {
			Name string `json:"name"`
		} `json:"product"`
	} `json:"lineItems"`
}

func (p cartPayload) toCart() Cart {
	cart := Cart{ID: p.ID, LineItems: make([]CartLine, 0, len(p.LineItems))}
	for _, li := range p.LineItems {
		cart.LineItems = append(cart.LineItems, CartLine{
			ID:       li.ID,
			OfferID:  li.OfferID,
			Name:     li.Product.Name,
			Quantity: li.Quantity,
		})
	}
	return cart
}

// do posts one GraphQL operation, retrying transport failures a bounded
// number of times. Cookies set by every attempt are kept.
func (c *Client) do(ctx context.Context, jar Jar, request GraphQLRequest, out any) (Jar, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var body []byte
		jar, body, lastErr = c.post(ctx, jar, request)
		if lastErr == nil {
			return jar, decodeGraphQL(request.OperationName, body, out)
		}
		if !isNetworkError(lastErr) || ctx.Err() != nil {
			return jar, lastErr
		}
		if attempt == c.maxAttempts {
			break
		}
		delay := c.retryDelay()
		c.logger.Warn("GraphQL request failed, retrying",
			zap.String("operation", request.OperationName),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr))
		if err := browser.Sleep(ctx, delay); err != nil {
			return jar, err
		}
	}
	return jar, fmt.Errorf("%s failed after %d attempts: %w", request.OperationName, c.maxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, jar Jar, request GraphQLRequest) (Jar, []byte, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return jar, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GraphQLURL, bytes.NewReader(payload))
	if err != nil {
		return jar, nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setBrowserHeaders(req, jar)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Apollo-Operation-Name", request.OperationName)
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return jar, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	jar = jar.WithSetCookies(resp.Header.Values("Set-Cookie"))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return jar, nil, fmt.Errorf("failed to read response: %w", err)
	}
	// Redirects are not followed; a 3xx carries no GraphQL payload.
	if resp.StatusCode >= 300 {
		msg := string(body)
		if loc := resp.Header.Get("Location"); loc != "" {
			msg = "redirected to " + loc
		}
		return jar, nil, &HTTPError{Status: resp.StatusCode, Body: truncate(msg, 300)}
	}
	return jar, body, nil
}

func (c *Client) setBrowserHeaders(req *http.Request, jar Jar) {
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}
	if c.lang != "" {
		req.Header.Set("Accept-Language", c.lang)
	}
	if base, err := url.Parse(c.cfg.BaseURL); err == nil && base.Host != "" {
		req.Header.Set("Origin", base.Scheme+"://"+base.Host)
		req.Header.Set("Referer", base.Scheme+"://"+base.Host+"/")
	}
	if jar.Cookies != "" {
		req.Header.Set("Cookie", jar.Cookies)
	}
}

func decodeGraphQL(operation string, body []byte, out any) error {
	var resp GraphQLResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse GraphQL response: %w", err)
	}
	if len(resp.Errors) > 0 {
		return &GraphQLErrors{Operation: operation, Errors: resp.Errors}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", operation, err)
	}
	return nil
}

// isNetworkError reports transport failures worth another attempt.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusBadGateway ||
			httpErr.Status == http.StatusServiceUnavailable ||
			httpErr.Status == http.StatusGatewayTimeout
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Client.Timeout") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "no route to host")
}

func isRateLimitError(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusTooManyRequests {
		return true
	}
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttle")
}

func isOutOfStockError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "out of stock") ||
		strings.Contains(errStr, "sin stock") ||
		strings.Contains(errStr, "not available") ||
		strings.Contains(errStr, "unavailable")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
