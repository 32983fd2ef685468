// Package weburl provides URL safety validation and normalization for web
// crawling.
//
// # Overview
//
// Every URL the crawler touches passes through this package: the seed before
// a crawl starts, and each discovered link before it is enqueued. Validation
// defends against SSRF (Server-Side Request Forgery); normalization gives the
// crawler a stable key for its visited set.
//
// # URL Validation
//
// Validator.Validate returns a Result rather than an error so callers can
// log or persist the reason. A URL is rejected when it:
//
//   - Does not parse, or has no host
//   - Uses a scheme other than http or https
//   - Carries user credentials
//   - Names localhost, *.localhost, *.local, or *.internal
//   - Is, or resolves to, a private or reserved address
//   - Names a host that does not resolve
//
// Resolution goes through a Resolver (net.DefaultResolver unless replaced
// with WithResolver). Verdicts are cached per host for DefaultCacheTTL.
//
// Validation only inspects the URL. The fetcher repeats the address check
// at dial time and on every redirect so a host cannot pass validation and
// then rebind to an internal address.
//
// # IP Address Handling
//
// IsPrivateIP detects private and reserved addresses including:
//
//   - IPv4 private ranges (10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16)
//   - IPv4 loopback (127.0.0.0/8) and "this" network (0.0.0.0/8)
//   - IPv4 link-local (169.254.0.0/16), including cloud metadata endpoints
//   - CGNAT (100.64.0.0/10), TEST-NETs, benchmarking, multicast, 240.0.0.0/4
//   - IPv6 loopback, unspecified, unique local, link-local, multicast
//   - IPv6 documentation, NAT64, and discard-only prefixes
//   - IPv4-mapped IPv6 addresses (::ffff:x.x.x.x)
//
// CIDRs are pre-compiled at package initialization.
//
// # Normalization
//
// Normalize canonicalizes a URL for deduplication:
//
//	HTTPS://Example.com:443/docs?b=2&utm_source=x&a=1#intro
//	→ https://example.com/docs?a=1&b=2
//
// SameOrigin compares scheme, host, and port, treating default ports as
// equal to an omitted port.
//
// # Usage
//
//	import "github.com/c360studio/sitesync/source/weburl"
//
//	v := weburl.NewValidator()
//	if res := v.Validate(ctx, "https://example.com"); !res.Valid {
//	    return res.Err()
//	}
//
//	key, err := weburl.Normalize(link)
package weburl
