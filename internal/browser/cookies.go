package browser

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/browserutils/kooky"
	// Use all browsers for kooky.
	_ "github.com/browserutils/kooky/browser/all"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/samber/lo"
)

// GoogleDomains are the cookie domains a Flow session depends on.
var GoogleDomains = []string{"google.com", "labs.google"}

// readCookies reads cookies from every cookie store kooky finds.
var readCookies = kooky.ReadCookies

// ReadLocalCookies collects valid cookies for domains from the browsers
// installed on this machine. Stores that cannot be read are skipped.
func ReadLocalCookies(domains []string) []*kooky.Cookie {
	var all []*kooky.Cookie
	for _, domain := range domains {
		all = append(all, readCookies(kooky.Valid, kooky.DomainHasSuffix(domain))...)
	}
	return lo.UniqBy(all, func(c *kooky.Cookie) string {
		return c.Domain + "|" + c.Path + "|" + c.Name
	})
}

// CookieParams converts cookies to the DevTools representation.
func CookieParams(cookies []*kooky.Cookie) []*network.CookieParam {
	return lo.Map(cookies, func(c *kooky.Cookie, _ int) *network.CookieParam {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if p.Path == "" {
			p.Path = "/"
		}
		switch c.SameSite {
		case http.SameSiteStrictMode:
			p.SameSite = network.CookieSameSiteStrict
		case http.SameSiteLaxMode:
			p.SameSite = network.CookieSameSiteLax
		case http.SameSiteNoneMode:
			p.SameSite = network.CookieSameSiteNone
		}
		if !c.Expires.IsZero() {
			exp := cdp.TimeSinceEpoch(c.Expires)
			p.Expires = &exp
		}
		// Host-only cookies are stored without the leading dot.
		if p.Domain != "" && !strings.HasPrefix(p.Domain, ".") {
			p.URL = "https://" + p.Domain + p.Path
			p.Domain = ""
		}
		return p
	})
}

// ImportCookies copies the local Google cookies into the session and returns
// how many were set.
func ImportCookies(ctx context.Context, s *Session) (int, error) {
	cookies := ReadLocalCookies(GoogleDomains)
	if len(cookies) == 0 {
		return 0, nil
	}
	params := CookieParams(cookies)
	if err := chromedp.Run(s.Tab, network.SetCookies(params)); err != nil {
		return 0, fmt.Errorf("failed to set cookies: %w", err)
	}
	return len(params), nil
}
