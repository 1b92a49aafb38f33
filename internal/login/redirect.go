package login

import (
	"net/url"
	"strings"
)

// SafeRedirect validates a caller-supplied post-login redirect. Anything
// that could land the user off-origin collapses to the default page. A URL
// containing "@" is rejected outright: userinfo tricks make
// "https://trusted@evil.example" read as trusted to a human.
func SafeRedirect(raw, baseURL, defaultPage string) string {
	if raw == "" || strings.Contains(raw, "@") {
		return defaultPage
	}

	target, err := url.Parse(raw)
	if err != nil {
		return defaultPage
	}

	// Scheme-relative URLs ("//evil.example/x") parse with an empty scheme
	// but a host; any host must match our own origin.
	if target.Host != "" || target.Scheme != "" {
		base, err := url.Parse(baseURL)
		if err != nil {
			return defaultPage
		}
		if target.Scheme != base.Scheme || target.Host != base.Host {
			return defaultPage
		}
		return target.RequestURI()
	}

	if !strings.HasPrefix(target.Path, "/") {
		return defaultPage
	}
	return target.RequestURI()
}
