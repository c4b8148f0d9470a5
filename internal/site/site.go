// Package site defines discovered candidate sites and their identity.
package site

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Candidate is a business website returned by discovery. It is not
// modified after creation.
type Candidate struct {
	URL          string    `json:"url"`
	Industry     string    `json:"industry"`
	Region       string    `json:"region"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Identity is the normalized form of a candidate URL. Blacklist membership,
// audits and outreach attempts are all keyed by it.
type Identity string

func (id Identity) String() string { return string(id) }

// Host returns the host component of the identity.
func (id Identity) Host() string {
	u, err := url.Parse(string(id))
	if err != nil {
		return ""
	}
	return u.Hostname()
}

var ErrInvalidURL = errors.New("invalid site url")

// Normalize derives the identity of raw: scheme, host and path only, with the
// scheme and host lowercased, a leading "www." and default ports removed, and
// the query, fragment and trailing slash dropped. A bare host such as
// "acme-landscaping.com" is treated as https.
func Normalize(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host = net.JoinHostPort(host, port)
	}

	path := strings.TrimRight(u.EscapedPath(), "/")

	return Identity(scheme + "://" + host + path), nil
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

// RegistrableDomain returns the eTLD+1 of host ("shop.acme.co.uk" ->
// "acme.co.uk"). Hosts without a registrable domain are returned as-is.
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimPrefix(host, "www."))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// trackingParams are query keys that never affect page content.
var trackingParams = map[string]bool{
	"gclid": true, "fbclid": true, "msclkid": true, "dclid": true, "yclid": true,
	"mc_cid": true, "mc_eid": true, "_ga": true, "_gl": true, "ref": true, "ref_src": true,
}

// StripTracking removes utm_* and other tracking parameters from raw while
// keeping the rest of the URL intact. It is used for the fetch URL; the
// identity drops the query entirely.
func StripTracking(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	q := u.Query()
	for k := range q {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "utm_") || trackingParams[lk] {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String()
}
