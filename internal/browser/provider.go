// Package browser drives a web mail client through the Chrome DevTools
// Protocol and exposes it to the agent as an Environment.
package browser

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Provider describes how to reach and recognize one web mail client.
type Provider struct {
	Name string
	URL  string
	// ReadySelector is visible once the mailbox has loaded for a signed-in user.
	ReadySelector string
	// LoginHosts are hosts the client redirects to when the session is not authenticated.
	LoginHosts []string
}

var providers = map[string]Provider{
	"gmail": {
		Name:          "gmail",
		URL:           "https://mail.google.com",
		ReadySelector: "[aria-label='Compose']",
		LoginHosts:    []string{"accounts.google.com"},
	},
	"outlook": {
		Name:          "outlook",
		URL:           "https://outlook.live.com/mail/0/",
		ReadySelector: "[aria-label='New message']",
		LoginHosts:    []string{"login.live.com", "login.microsoftonline.com"},
	},
}

// LookupProvider returns the provider registered under name.
func LookupProvider(name string) (Provider, error) {
	p, ok := providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Provider{}, fmt.Errorf("unsupported mail provider %q (supported: %s)", name, strings.Join(ProviderNames(), ", "))
	}
	return p, nil
}

// ProviderNames lists the supported providers in a stable order.
func ProviderNames() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsLoginPage reports whether rawURL points at one of the provider's sign-in hosts.
func (p Provider) IsLoginPage(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range p.LoginHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
