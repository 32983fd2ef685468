package weburl

import (
	"errors"
	"net/url"
	"sort"
	"strings"
)

var trackingParams = map[string]struct{}{
	"gclid":   {},
	"dclid":   {},
	"fbclid":  {},
	"msclkid": {},
	"igshid":  {},
}

// Normalize returns the canonical form of an absolute http(s) URL used for
// visited-set membership: lowercase scheme and host, default port removed,
// empty path as "/", fragment dropped, tracking parameters (utm_*, fbclid,
// gclid, ...) removed, remaining query parameters sorted.
func Normalize(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if parsed.Host == "" {
		return "", errors.New("url missing host")
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = canonicalHost(parsed.Scheme, parsed.Host)
	if parsed.Path == "" {
		parsed.Path = "/"
		parsed.RawPath = ""
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""

	query := parsed.Query()
	for key := range query {
		lower := strings.ToLower(key)
		if _, drop := trackingParams[lower]; drop || strings.HasPrefix(lower, "utm_") {
			query.Del(key)
		}
	}
	if len(query) == 0 {
		parsed.RawQuery = ""
		parsed.ForceQuery = false
	} else {
		for _, values := range query {
			sort.Strings(values)
		}
		// Encode sorts by key.
		parsed.RawQuery = query.Encode()
	}

	return parsed.String(), nil
}

// SameOrigin reports whether a and b share scheme, host, and port. Default
// ports compare equal to an omitted port.
func SameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || ua.Host == "" {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil || ub.Host == "" {
		return false
	}
	sa, sb := strings.ToLower(ua.Scheme), strings.ToLower(ub.Scheme)
	return sa == sb && canonicalHost(sa, ua.Host) == canonicalHost(sb, ub.Host)
}

// Origin returns scheme://host[:port] for raw with default ports removed.
func Origin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", errors.New("url missing host")
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme + "://" + canonicalHost(scheme, u.Host), nil
}

func canonicalHost(scheme, host string) string {
	host = strings.ToLower(host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	return strings.TrimSuffix(host, ":")
}
