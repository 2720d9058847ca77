package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"cartpilot/internal/browser"
)

const fetchCartJS = `(endpoint) => fetch(endpoint, {
	credentials: "include",
	headers: { "accept": "application/json" }
}).then(r => {
	if (!r.ok) throw new Error("cart read returned HTTP " + r.status);
	return r.json();
})`

// PageCartReader reads the cart by fetching the store's cart endpoint from
// inside the page, so the request carries the session cookies.
type PageCartReader struct {
	Page     browser.Page
	Endpoint string
}

func (r PageCartReader) ReadCart(ctx context.Context) ([]LineItem, error) {
	raw, err := r.Page.Eval(ctx, fetchCartJS, r.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to read cart: %w", err)
	}
	return ExtractLineItems(raw), nil
}

var (
	itemListKeys = []string{"items", "lineItems", "cartItems", "products"}
	nameKeys     = []string{"name", "productName", "skuName", "displayName", "title"}
	idKeys       = []string{"id", "productId", "skuId", "sku", "offerId", "itemId"}
	quantityKeys = []string{"quantity", "qty", "count"}
	cartIDKeys   = []string{"orderFormId", "cartId", "guestId", "id"}
)

// ExtractLineItems finds the first list of named items anywhere in a cart
// payload. Store payloads differ in shape; this looks for the common field
// names rather than one schema.
func ExtractLineItems(raw []byte) []LineItem {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	items, _ := findItems(doc, 0)
	return items
}

func findItems(v any, depth int) ([]LineItem, bool) {
	if depth > 8 {
		return nil, false
	}
	switch node := v.(type) {
	case map[string]any:
		for _, key := range itemListKeys {
			if list, ok := node[key].([]any); ok {
				if items := parseItems(list); len(items) > 0 {
					return items, true
				}
			}
		}
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if items, ok := findItems(node[k], depth+1); ok {
				return items, true
			}
		}
	case []any:
		for _, child := range node {
			if items, ok := findItems(child, depth+1); ok {
				return items, true
			}
		}
	}
	return nil, false
}

func parseItems(list []any) []LineItem {
	var items []LineItem
	for _, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name := firstString(obj, nameKeys)
		if name == "" {
			if product, ok := obj["product"].(map[string]any); ok {
				name = firstString(product, nameKeys)
			}
		}
		if name == "" {
			continue
		}
		quantity := firstInt(obj, quantityKeys)
		if quantity == 0 {
			quantity = 1
		}
		items = append(items, LineItem{ID: firstString(obj, idKeys), Name: name, Quantity: quantity})
	}
	return items
}

// CartID digs the cart or guest identifier out of a cart payload.
func CartID(raw []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	if id := firstString(doc, cartIDKeys); id != "" {
		return id
	}
	for _, wrapper := range []string{"data", "cart", "orderForm"} {
		if inner, ok := doc[wrapper].(map[string]any); ok {
			if id := firstString(inner, cartIDKeys); id != "" {
				return id
			}
		}
	}
	return ""
}

func firstString(obj map[string]any, keys []string) string {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			if v != "" {
				return strings.TrimSpace(v)
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func firstInt(obj map[string]any, keys []string) int {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

const badgeCountJS = `(sel) => {
	const el = document.querySelector(sel);
	if (!el) return -1;
	const digits = (el.innerText || el.textContent || "").replace(/[^0-9]/g, "");
	return digits === "" ? 0 : parseInt(digits, 10);
}`

// BadgeCount reads the item counter shown in the store header. It returns -1
// when the badge is not on the page.
func BadgeCount(ctx context.Context, page browser.Page, selector string) (int, error) {
	raw, err := page.Eval(ctx, badgeCountJS, selector)
	if err != nil {
		return -1, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return -1, fmt.Errorf("unexpected badge value %s: %w", raw, err)
	}
	return n, nil
}
