package lider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"cartpilot/internal/cart"
	"cartpilot/internal/config"
)

var ErrOfferIDRequired = errors.New("offerId is required (or provide productUrl, productId or sku to resolve it)")

type AddRequest struct {
	ProductURL  string `json:"productUrl,omitempty"`
	ProductID   string `json:"productId,omitempty"`
	SKU         string `json:"sku,omitempty"`
	OfferID     string `json:"offerId,omitempty"`
	Quantity    int    `json:"quantity,omitempty"`
	ProductName string `json:"productName,omitempty"`
	CookieJar   *Jar   `json:"cookieJar,omitempty"`
}

type AddResponse struct {
	Success   bool            `json:"success"`
	CartID    string          `json:"cartId,omitempty"`
	OfferID   string          `json:"offerId,omitempty"`
	LineItems []cart.LineItem `json:"lineItems"`
	Confirmed bool            `json:"confirmed"`
	CookieJar Jar             `json:"cookieJar"`
	Error     string          `json:"error,omitempty"`
}

// Service adds products to a Lider cart through the GraphQL API.
type Service struct {
	client      *Client
	confirmer   *cart.Confirmer
	productPage string
	logger      *zap.Logger
}

func NewService(client *Client, cfg config.RetailerConfig, logger *zap.Logger) *Service {
	return &Service{
		client:      client,
		confirmer:   cart.NewConfirmer(cfg.ConfirmAttempts, cfg.ConfirmInterval()),
		productPage: cfg.ProductURLTemplate,
		logger:      logger.Named("lider"),
	}
}

// AddToCart adds one product. The response always carries the latest jar,
// also on failure, so the caller can continue the session.
func (s *Service) AddToCart(ctx context.Context, req AddRequest) (AddResponse, error) {
	if req.OfferID == "" && req.ProductURL == "" {
		req.ProductURL = s.productURL(req)
	}
	if req.OfferID == "" && req.ProductURL == "" {
		return AddResponse{LineItems: []cart.LineItem{}, Error: ErrOfferIDRequired.Error()}, ErrOfferIDRequired
	}
	quantity := req.Quantity
	if quantity < 1 {
		quantity = 1
	}

	var jar Jar
	if req.CookieJar != nil {
		jar = *req.CookieJar
	}
	resp := AddResponse{LineItems: []cart.LineItem{}}
	fail := func(err error) (AddResponse, error) {
		resp.CookieJar = jar
		resp.CartID = jar.CartID
		resp.Error = describe(err)
		return resp, err
	}

	logger := s.logger.With(zap.String("url", req.ProductURL), zap.String("offer_id", req.OfferID))
	start := time.Now()

	var err error
	if jar.Empty() {
		if jar, err = s.client.Bootstrap(ctx, jar); err != nil {
			return fail(fmt.Errorf("session bootstrap: %w", err))
		}
	}

	offerID := req.OfferID
	if offerID == "" {
		if jar, offerID, err = s.client.ResolveOffer(ctx, jar, req.ProductURL); err != nil {
			return fail(err)
		}
	}
	resp.OfferID = offerID

	if jar.CartID == "" {
		if jar, _, err = s.client.CreateCart(ctx, jar); err != nil {
			return fail(fmt.Errorf("create cart: %w", err))
		}
	}

	var updated Cart
	jar, updated, err = s.client.UpdateItems(ctx, jar, []LineInput{{OfferID: offerID, Quantity: quantity}})
	if err != nil {
		return fail(fmt.Errorf("update items: %w", err))
	}

	reader := &cartReader{client: s.client, jar: jar}
	_, confirmed, err := s.confirmer.ConfirmMatch(ctx, reader, func(item cart.LineItem) bool {
		if item.ID == offerID {
			return true
		}
		return req.ProductName != "" && cart.NameMatches(item.Name, req.ProductName)
	})
	jar = reader.jar
	if err != nil {
		return fail(err)
	}

	lines := updated.LineItems
	if reader.last != nil {
		lines = reader.last.LineItems
	}
	for _, l := range lines {
		resp.LineItems = append(resp.LineItems, cart.LineItem{ID: l.OfferID, Name: l.Name, Quantity: l.Quantity})
	}

	resp.Success = true
	resp.Confirmed = confirmed
	resp.CartID = jar.CartID
	resp.CookieJar = jar
	logger.Info("Added to cart",
		zap.String("cart_id", jar.CartID),
		zap.Bool("confirmed", confirmed),
		zap.Int("line_items", len(resp.LineItems)),
		zap.Duration("took", time.Since(start)))
	return resp, nil
}

// productURL is the product page for req's productId, or its sku when there
// is no id. Empty when neither is set or no template is configured.
func (s *Service) productURL(req AddRequest) string {
	id := req.ProductID
	if id == "" {
		id = req.SKU
	}
	if id == "" || s.productPage == "" {
		return ""
	}
	return strings.ReplaceAll(s.productPage, "{id}", url.PathEscape(id))
}

// cartReader adapts the GraphQL cart query to cart.CartReader, keeping the
// jar and the last cart it saw.
type cartReader struct {
	client *Client
	jar    Jar
	last   *Cart
}

func (r *cartReader) ReadCart(ctx context.Context) ([]cart.LineItem, error) {
	jar, c, err := r.client.ReadCart(ctx, r.jar)
	r.jar = jar
	if err != nil {
		return nil, err
	}
	r.last = &c
	items := make([]cart.LineItem, 0, len(c.LineItems))
	for _, l := range c.LineItems {
		items = append(items, cart.LineItem{ID: l.OfferID, Name: l.Name, Quantity: l.Quantity})
	}
	return items, nil
}

func describe(err error) string {
	switch {
	case isRateLimitError(err):
		return "rate limited by store: " + err.Error()
	case isOutOfStockError(err):
		return "product unavailable: " + err.Error()
	default:
		return strings.TrimSpace(err.Error())
	}
}
