package session

import (
	"math"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// Cookie is the persisted form of a browser cookie.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
	// Expires is seconds since the epoch; -1 marks a session cookie.
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// CookiesFromCDP converts cookies read through the DevTools protocol.
func CookiesFromCDP(cookies []*network.Cookie) []Cookie {
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		expires := c.Expires
		if c.Session {
			expires = -1
		}
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		})
	}
	return out
}

// Expired reports whether a persistent cookie is past its expiry at now.
func (c Cookie) Expired(now time.Time) bool {
	return c.Expires > 0 && c.Expires < float64(now.Unix())
}

// Param converts the cookie into a DevTools SetCookies parameter.
func (c Cookie) Param() *network.CookieParam {
	p := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	switch network.CookieSameSite(c.SameSite) {
	case network.CookieSameSiteStrict, network.CookieSameSiteLax, network.CookieSameSiteNone:
		p.SameSite = network.CookieSameSite(c.SameSite)
	}
	if c.Expires > 0 {
		sec, frac := math.Modf(c.Expires)
		t := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
		p.Expires = &t
	}
	return p
}

// CookieParams returns the unexpired cookies as DevTools parameters.
func (s *State) CookieParams(now time.Time) []*network.CookieParam {
	if s == nil {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		if c.Expired(now) {
			continue
		}
		params = append(params, c.Param())
	}
	return params
}
