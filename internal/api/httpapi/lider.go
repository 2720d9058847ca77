package httpapi

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"cartpilot/internal/cart"
	"cartpilot/internal/lider"
	"cartpilot/internal/storefront"
)

const retailerLider = "lider"

// Session headers for clients that keep the Lider jar outside the body.
const (
	headerCartCookies = "X-Cart-Cookies"
	headerCartID      = "X-Cart-Id"
)

type addToCartBody struct {
	lider.AddResponse
	Hint string `json:"hint,omitempty"`
	Ms   int64  `json:"ms"`
}

// handleLiderAddToCart merges the header jar under the body jar, runs the
// direct add and echoes the resulting jar back in both places.
func (s *Server) handleLiderAddToCart(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req lider.AddRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err, retailerLider, start)
		return
	}
	jar := jarFromHeaders(r.Header)
	if req.CookieJar != nil {
		jar = lider.Merge(jar, *req.CookieJar)
	}
	if !jar.Empty() || jar.CartID != "" {
		req.CookieJar = &jar
	}

	res, err := s.lider.AddToCart(r.Context(), req)
	if res.CookieJar.Empty() && res.CookieJar.CartID == "" {
		res.CookieJar = jar
	}
	w.Header().Set(headerCartCookies, res.CookieJar.Cookies)
	w.Header().Set(headerCartID, res.CookieJar.CartID)

	status, hint := http.StatusOK, ""
	if err != nil {
		status, hint = classify(err, retailerLider)
		if res.Error == "" {
			res.Error = err.Error()
		}
		s.log.Warn("Lider add failed", zap.Int("status", status), zap.Error(err))
	}
	if res.LineItems == nil {
		res.LineItems = []cart.LineItem{}
	}
	writeJSON(w, status, addToCartBody{AddResponse: res, Hint: hint, Ms: since(start)})
}

func jarFromHeaders(h http.Header) lider.Jar {
	return lider.Jar{
		Cookies: strings.TrimSpace(h.Get(headerCartCookies)),
		CartID:  strings.TrimSpace(h.Get(headerCartID)),
	}
}

func (s *Server) handleLiderOpenBrowser(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req storefront.OpenBrowserRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err, retailerLider, start)
		return
	}
	res, err := s.lider.OpenBrowser(r.Context(), req)
	if err != nil {
		s.fail(w, err, retailerLider, start)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
