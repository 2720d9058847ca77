package lider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"cartpilot/internal/browser"
)

var ErrOfferNotFound = errors.New("offerId not found on product page")

var offerPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"json offerId", regexp.MustCompile(`"offerId"\s*:\s*"([^"]+)"`)},
	{"data-offer-id", regexp.MustCompile(`data-offer-id="([^"]+)"`)},
	{"query offerId", regexp.MustCompile(`offerId=([A-Za-z0-9_-]+)`)},
}

// ExtractOfferID pulls the retailer offer id out of a product page. Regex
// matches on the raw HTML come first, then the embedded JSON documents.
func ExtractOfferID(ctx context.Context, html []byte) (string, string, error) {
	var offerID string
	strategies := make([]browser.Strategy, 0, len(offerPatterns)+1)
	for _, p := range offerPatterns {
		strategies = append(strategies, browser.Strategy{
			Name: p.name,
			Run: func(context.Context) error {
				m := p.re.FindSubmatch(html)
				if m == nil {
					return errors.New("no match")
				}
				offerID = string(m[1])
				return nil
			},
		})
	}
	strategies = append(strategies, browser.Strategy{
		Name: "embedded json",
		Run: func(context.Context) error {
			id, err := offerFromDocument(html)
			if err != nil {
				return err
			}
			offerID = id
			return nil
		},
	})

	name, err := browser.FirstSuccess(ctx, strategies...)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrOfferNotFound, err)
	}
	return offerID, name, nil
}

func offerFromDocument(html []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}

	var found string
	doc.Find(`script#__NEXT_DATA__, script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var v any
		if json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &v) != nil {
			return true
		}
		found = findOfferKey(v)
		return found == ""
	})
	if found == "" {
		return "", errors.New("no offer in embedded json")
	}
	return found, nil
}

// findOfferKey walks a decoded JSON document for an offer id. JSON-LD
// offers carry it as "sku" inside "offers".
func findOfferKey(v any) string {
	switch t := v.(type) {
	case map[string]any:
		for _, key := range []string{"offerId", "offerID", "offer_id"} {
			if s, ok := t[key].(string); ok && s != "" {
				return s
			}
		}
		if offers, ok := t["offers"]; ok {
			if s := findSKU(offers); s != "" {
				return s
			}
		}
		for _, child := range t {
			if s := findOfferKey(child); s != "" {
				return s
			}
		}
	case []any:
		for _, child := range t {
			if s := findOfferKey(child); s != "" {
				return s
			}
		}
	}
	return ""
}

func findSKU(v any) string {
	switch t := v.(type) {
	case map[string]any:
		if s, ok := t["sku"].(string); ok {
			return s
		}
	case []any:
		for _, child := range t {
			if s := findSKU(child); s != "" {
				return s
			}
		}
	}
	return ""
}

// FetchPage GETs a store page with the jar's cookies.
func (c *Client) FetchPage(ctx context.Context, jar Jar, pageURL string) (Jar, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return jar, nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setBrowserHeaders(req, jar)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return jar, nil, fmt.Errorf("product page request failed: %w", err)
	}
	defer resp.Body.Close()

	jar = jar.WithSetCookies(resp.Header.Values("Set-Cookie"))
	if resp.StatusCode >= 400 {
		return jar, nil, &HTTPError{Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return jar, nil, fmt.Errorf("failed to read product page: %w", err)
	}
	return jar, body, nil
}

// ResolveOffer fetches productURL and extracts its offer id.
func (c *Client) ResolveOffer(ctx context.Context, jar Jar, productURL string) (Jar, string, error) {
	jar, body, err := c.FetchPage(ctx, jar, productURL)
	if err != nil {
		return jar, "", err
	}
	offerID, via, err := ExtractOfferID(ctx, body)
	if err != nil {
		return jar, "", err
	}
	c.logger.Debug("Resolved offer id", zap.String("url", productURL), zap.String("via", via))
	return jar, offerID, nil
}
