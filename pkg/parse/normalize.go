package parse

import (
	"net/url"
	"strings"
)

const sitemapPath = "/sitemap.xml"

// NormalizeSitemapURL turns a loose site reference ("example.com", "http://www.example.com/")
// into the canonical sitemap address https://www.<host>/sitemap.xml.
// Any input is accepted; garbage surfaces later as a fetch failure.
// The www. prefix is always forced, so hosts without a www subdomain will not resolve.
func NormalizeSitemapURL(siteRef string) string {
	clean := strings.TrimSpace(siteRef)
	clean = strings.TrimRight(clean, "/")
	clean = trimPrefixFold(clean, "https://")
	clean = trimPrefixFold(clean, "http://")
	clean = trimPrefixFold(clean, "www.")
	return "https://www." + clean + sitemapPath
}

// ResolveSitemapURL returns ref unchanged when it already names a sitemap document
// (absolute http(s) URL whose path ends in .xml), and the normalized address otherwise.
func ResolveSitemapURL(ref string) string {
	trimmed := strings.TrimSpace(ref)
	if IsExplicitSitemapURL(trimmed) {
		return trimmed
	}
	return NormalizeSitemapURL(trimmed)
}

// IsExplicitSitemapURL reports whether ref is an absolute http(s) URL pointing at an .xml document
func IsExplicitSitemapURL(ref string) bool {
	if !hasHTTPScheme(ref) {
		return false
	}
	u, err := url.ParseRequestURI(ref)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".xml")
}

// BaseURL derives the scheme+host base used to resolve relative page URLs.
// The scheme is always https. Returns "" when no host can be extracted.
func BaseURL(sitemapURL string) string {
	host := hostOf(sitemapURL)
	if host == "" {
		return ""
	}
	return "https://" + host
}

// ResolvePageURL converts a URL declared in a sitemap into an absolute fetchable URL.
// base is the site root as returned by BaseURL. Rules, in order:
// absolute http(s) is returned unchanged, "//host/x" gains "https:",
// "/x" is joined to the base host, anything else is joined under base + "/".
func ResolvePageURL(raw, base string) string {
	switch {
	case hasHTTPScheme(raw):
		return raw
	case strings.HasPrefix(raw, "//"):
		return "https:" + raw
	}

	host := hostOf(base)
	if host == "" {
		// No usable base; leave it to the fetcher to fail
		host = strings.TrimRight(base, "/")
	}
	if strings.HasPrefix(raw, "/") {
		return "https://" + host + raw
	}
	return "https://" + host + "/" + raw
}

func hasHTTPScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// hostOf extracts host[:port] from an absolute URL, tolerating unparsable input
func hostOf(s string) string {
	if u, err := url.Parse(strings.TrimSpace(s)); err == nil && u.Host != "" {
		return u.Host
	}
	rest := s
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func trimPrefixFold(s, prefix string) string {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):]
	}
	return s
}
