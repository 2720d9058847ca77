package lider

import (
	"net/http"
	"strings"
)

// Jar is the cookie state of a direct-API session, carried explicitly from
// call to call and handed back to the client so it can continue the session.
// It is a value: every operation returns a new Jar.
type Jar struct {
	Cookies string `json:"cookies"`
	CartID  string `json:"cartId,omitempty"`
}

type cookiePair struct {
	name  string
	value string
}

func parseCookieHeader(header string) []cookiePair {
	var pairs []cookiePair
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		pairs = append(pairs, cookiePair{name: name, value: strings.TrimSpace(value)})
	}
	return pairs
}

func formatCookies(pairs []cookiePair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.name+"="+p.value)
	}
	return strings.Join(parts, "; ")
}

// upsert applies newer on top of base: last write wins per name, names keep
// the position where they were first seen.
func upsert(base, newer []cookiePair) []cookiePair {
	out := make([]cookiePair, 0, len(base)+len(newer))
	index := make(map[string]int, len(base)+len(newer))
	for _, p := range append(append([]cookiePair(nil), base...), newer...) {
		if i, ok := index[p.name]; ok {
			out[i].value = p.value
			continue
		}
		index[p.name] = len(out)
		out = append(out, p)
	}
	return out
}

// Merge combines two jars. Cookies in b override same-named cookies in a;
// cookies only in a are kept. b's cart id wins when set.
func Merge(a, b Jar) Jar {
	merged := Jar{
		Cookies: formatCookies(upsert(parseCookieHeader(a.Cookies), parseCookieHeader(b.Cookies))),
		CartID:  a.CartID,
	}
	if b.CartID != "" {
		merged.CartID = b.CartID
	}
	return merged
}

// WithSetCookies folds Set-Cookie response header lines into the jar.
// Attributes (Path, Expires, ...) are dropped; only name and value are kept.
func (j Jar) WithSetCookies(lines []string) Jar {
	var fresh []cookiePair
	for _, line := range lines {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		fresh = append(fresh, cookiePair{name: c.Name, value: c.Value})
	}
	if len(fresh) == 0 {
		return j
	}
	return Merge(j, Jar{Cookies: formatCookies(fresh)})
}

func (j Jar) WithCartID(id string) Jar {
	j.CartID = id
	return j
}

// Get returns the value of the named cookie.
func (j Jar) Get(name string) (string, bool) {
	for _, p := range parseCookieHeader(j.Cookies) {
		if p.name == name {
			return p.value, true
		}
	}
	return "", false
}

func (j Jar) Len() int {
	return len(upsert(nil, parseCookieHeader(j.Cookies)))
}

func (j Jar) Empty() bool {
	return j.Len() == 0
}
