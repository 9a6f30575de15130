// Package siteguard decides whether a user-supplied URL may be fetched.
//
// A URL passes only when it uses http or https on port 80 or 443, names a
// registrable domain under an ICANN public suffix, and every address the name
// resolves to is publicly routable. Anything ambiguous is a rejection.
//
// The check is advisory with respect to DNS rebinding: the fetch that follows
// resolves the name again on its own, so a hostile resolver can answer
// differently the second time. Redirect hops are re-validated by the fetcher
// through Guard.Validate, which narrows but does not close that window.
package siteguard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// Rejection reasons. They are user-facing and stable.
const (
	ReasonScheme   = "URL must start with http:// or https://"
	ReasonInvalid  = "Invalid URL"
	ReasonPort     = "Only ports 80/443 allowed"
	ReasonDomain   = "Hostname must be a valid public domain"
	ReasonDNS      = "DNS resolution failed"
	ReasonBlocked  = "Blocked IP range"
	ReasonTooLarge = "URL too long"
)

const maxURLLen = 2048

// ErrSSRF is returned by Validate when a URL targets non-public address space.
var ErrSSRF = errors.New("siteguard: URL targets a non-public address")

// ErrUnsafeScheme is returned by Validate when a URL is not http or https.
var ErrUnsafeScheme = errors.New("siteguard: only http and https schemes are allowed")

// ErrRejected is returned by Validate for every other rejection reason.
var ErrRejected = errors.New("siteguard: URL rejected")

// ErrResponseTooLarge is returned by LimitedReadAll when the cap is exceeded.
var ErrResponseTooLarge = errors.New("siteguard: response too large")

var schemeRe = regexp.MustCompile(`(?i)^https?://`)

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Result is the outcome of Check. When OK is false only Reason is set.
type Result struct {
	OK            bool   `json:"ok"`
	Origin        string `json:"origin,omitempty"`
	NormalizedURL string `json:"normalized_url,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func reject(reason string) Result { return Result{Reason: reason} }

// Guard validates URLs against SSRF targets.
type Guard struct {
	resolver Resolver
}

// New returns a Guard using resolver. A nil resolver uses net.DefaultResolver.
func New(resolver Resolver) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{resolver: resolver}
}

// Check validates raw and, on success, returns its canonical origin and the
// fragment-stripped URL. Check never returns an error: every failure is a
// Result with OK false and a Reason.
func (g *Guard) Check(ctx context.Context, raw string) Result {
	raw = strings.TrimSpace(raw)
	if len(raw) > maxURLLen {
		return reject(ReasonTooLarge)
	}
	if !schemeRe.MatchString(raw) {
		return reject(ReasonScheme)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" || u.Opaque != "" {
		return reject(ReasonInvalid)
	}
	if u.User != nil {
		return reject(ReasonInvalid)
	}

	port := u.Port()
	if port != "" && port != "80" && port != "443" {
		return reject(ReasonPort)
	}

	host, ok := publicHost(u.Hostname())
	if !ok {
		return reject(ReasonDomain)
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return reject(ReasonDNS)
	}
	for _, a := range addrs {
		if IsBlockedAddr(a) {
			return reject(ReasonBlocked)
		}
	}

	u.Host = host
	if port != "" && !isDefaultPort(u.Scheme, port) {
		u.Host = net.JoinHostPort(host, port)
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return Result{
		OK:            true,
		Origin:        u.Scheme + "://" + u.Host,
		NormalizedURL: u.String(),
	}
}

// Validate is Check expressed as an error, for redirect-hop validation.
func (g *Guard) Validate(ctx context.Context, raw string) error {
	res := g.Check(ctx, raw)
	if res.OK {
		return nil
	}
	switch res.Reason {
	case ReasonScheme:
		return ErrUnsafeScheme
	case ReasonBlocked, ReasonDNS:
		return fmt.Errorf("%w: %s", ErrSSRF, res.Reason)
	default:
		return fmt.Errorf("%w: %s", ErrRejected, res.Reason)
	}
}

// publicHost returns the ASCII form of host when it is a registrable domain
// whose top-level label is an ICANN suffix. Names under private suffixes such
// as github.io pass; IP literals and unlisted TLDs do not.
func publicHost(host string) (string, bool) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", false
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return "", false
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || ascii == "" {
		return "", false
	}
	tld := ascii[strings.LastIndexByte(ascii, '.')+1:]
	if _, icann := publicsuffix.PublicSuffix(tld); !icann {
		return "", false
	}
	if suffix, _ := publicsuffix.PublicSuffix(ascii); suffix == ascii {
		return "", false
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(ascii); err != nil {
		return "", false
	}
	return ascii, true
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",       // "this network"
	"100.64.0.0/10",   // carrier-grade NAT
	"192.0.0.0/24",    // IETF protocol assignments
	"192.0.2.0/24",    // TEST-NET-1
	"198.18.0.0/15",   // benchmarking
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"240.0.0.0/4",     // reserved, includes broadcast
	"64:ff9b::/96",    // NAT64
	"64:ff9b:1::/48",  // local-use NAT64
	"100::/64",        // discard-only
	"2001::/32",       // Teredo
	"2001:db8::/32",   // documentation
	"2002::/16",       // 6to4
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// IsBlockedAddr reports whether a resolved address lies outside public
// unicast space: private, loopback, link-local, unique-local, multicast,
// unspecified, broadcast, carrier-grade NAT or another reserved range.
// IPv4-mapped IPv6 addresses are judged as their IPv4 form.
func IsBlockedAddr(a netip.Addr) bool {
	if !a.IsValid() {
		return true
	}
	a = a.Unmap()
	if a.Zone() != "" {
		return true
	}
	if a.IsLoopback() || a.IsPrivate() || a.IsUnspecified() ||
		a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() ||
		a.IsInterfaceLocalMulticast() || a.IsMulticast() {
		return true
	}
	if !a.IsGlobalUnicast() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// LimitedReadAll reads at most maxBytes from r and fails with
// ErrResponseTooLarge if more is available.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrResponseTooLarge, maxBytes)
	}
	return data, nil
}
