// Package weburl provides URL safety validation and normalization for crawled
// web sources. It implements SSRF prevention including private IP detection
// and DNS resolution checks.
package weburl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrInvalidURL is matched by every *ValidationError via errors.Is.
var ErrInvalidURL = errors.New("invalid URL")

// blockedNets are reserved ranges beyond what net.IP's Is* helpers cover.
// They are parsed once at package initialization.
var blockedNets []*net.IPNet

var blockedCIDRs = []string{
	"0.0.0.0/8",       // "this" network
	"100.64.0.0/10",   // carrier-grade NAT
	"192.0.0.0/24",    // IETF protocol assignments
	"192.0.2.0/24",    // TEST-NET-1
	"192.88.99.0/24",  // 6to4 relay anycast
	"198.18.0.0/15",   // benchmarking
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"224.0.0.0/4",     // multicast
	"240.0.0.0/4",     // reserved, includes broadcast
	"64:ff9b::/96",    // NAT64
	"100::/64",        // discard-only
	"2001:db8::/32",   // documentation
	"fc00::/7",        // unique local
	"fe80::/10",       // link-local
	"ff00::/8",        // multicast
}

func init() {
	for _, cidr := range blockedCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid blocked CIDR " + cidr + ": " + err.Error())
		}
		blockedNets = append(blockedNets, n)
	}
}

// ValidationError describes why a URL was rejected.
type ValidationError struct {
	URL    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid URL %q: %s", e.URL, e.Reason)
}

// Is reports whether target is ErrInvalidURL.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidURL
}

// Result is the outcome of validating one URL.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	URL    string `json:"url"`
}

// Err returns a *ValidationError for invalid results and nil otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{URL: r.URL, Reason: r.Reason}
}

func reject(raw, format string, args ...any) Result {
	return Result{URL: raw, Reason: fmt.Sprintf(format, args...)}
}

// Resolver looks up a host's addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// DefaultCacheTTL is how long resolved host verdicts are reused.
const DefaultCacheTTL = 5 * time.Minute

// Validator checks URLs for SSRF safety. It caches per-host DNS verdicts
// so that validating every discovered link on a site costs one lookup per
// host. A Validator is safe for concurrent use.
type Validator struct {
	resolver Resolver
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	hosts map[string]hostVerdict
}

type hostVerdict struct {
	reason  string
	expires time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithResolver sets the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(v *Validator) {
		v.resolver = r
	}
}

// WithCacheTTL sets how long host verdicts are cached. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(v *Validator) {
		v.ttl = ttl
	}
}

// NewValidator creates a Validator using net.DefaultResolver.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		resolver: net.DefaultResolver,
		ttl:      DefaultCacheTTL,
		now:      time.Now,
		hosts:    make(map[string]hostVerdict),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var defaultValidator = NewValidator()

// Validate checks raw with a shared default Validator.
func Validate(ctx context.Context, raw string) Result {
	return defaultValidator.Validate(ctx, raw)
}

// Validate checks that raw is a well-formed http(s) URL whose host is not,
// and does not resolve to, a loopback, private, link-local, or otherwise
// reserved address. Hosts that fail to resolve are rejected.
func (v *Validator) Validate(ctx context.Context, raw string) Result {
	if strings.TrimSpace(raw) == "" {
		return reject(raw, "URL cannot be empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return reject(raw, "malformed URL: %v", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return reject(raw, "unsupported scheme %q (only http and https allowed)", parsed.Scheme)
	}

	if parsed.User != nil {
		return reject(raw, "URLs with credentials are not allowed")
	}

	host := strings.ToLower(strings.TrimSuffix(parsed.Hostname(), "."))
	if host == "" {
		return reject(raw, "missing host")
	}

	if reason := checkHostName(host); reason != "" {
		return reject(raw, "%s", reason)
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return reject(raw, "address %s is in a private or reserved range", ip)
		}
		return Result{Valid: true, URL: raw}
	}

	if reason := v.resolveHost(ctx, host); reason != "" {
		return reject(raw, "%s", reason)
	}
	return Result{Valid: true, URL: raw}
}

func checkHostName(host string) string {
	switch {
	case host == "localhost" || strings.HasSuffix(host, ".localhost") || host == "localhost.localdomain":
		return "localhost URLs are not allowed"
	case strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal"):
		return "local domain URLs are not allowed"
	}
	return ""
}

// resolveHost returns a rejection reason for host, or "" when every
// resolved address is public.
func (v *Validator) resolveHost(ctx context.Context, host string) string {
	if v.ttl > 0 {
		v.mu.Lock()
		cached, ok := v.hosts[host]
		v.mu.Unlock()
		if ok && v.now().Before(cached.expires) {
			return cached.reason
		}
	}

	reason := ""
	addrs, err := v.resolver.LookupIPAddr(ctx, host)
	switch {
	case err != nil:
		reason = fmt.Sprintf("host %s does not resolve: %v", host, err)
	case len(addrs) == 0:
		reason = fmt.Sprintf("host %s has no addresses", host)
	default:
		for _, addr := range addrs {
			if IsPrivateIP(addr.IP) {
				reason = fmt.Sprintf("host %s resolves to private or reserved address %s", host, addr.IP)
				break
			}
		}
	}

	// Cancellation says nothing about the host; don't remember it.
	if v.ttl > 0 && ctx.Err() == nil {
		v.mu.Lock()
		v.hosts[host] = hostVerdict{reason: reason, expires: v.now().Add(v.ttl)}
		v.mu.Unlock()
	}
	return reason
}

// IsPrivateIP checks if an IP is in a private or reserved range.
// It handles IPv4, IPv6, and IPv4-mapped IPv6 addresses.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}

	// Check for IPv6-mapped IPv4 addresses (::ffff:x.x.x.x)
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}

	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ExtractDomain extracts the lowercase host name from a URL.
// Returns an empty string if the URL is invalid.
func ExtractDomain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
