// Package crawl enriches posts by fetching and extracting their URLs:
// trigger detection, canonicalization, SSRF guarding, global dedup, budget
// gates and a bounded fetch that renders readable Markdown.
package crawl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// ExtractURLs pulls http(s) URLs out of post text, in order of appearance.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	seen := map[string]bool{}
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?")
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// trackingParams are stripped during canonicalization.
var trackingParams = []string{"gclid", "fbclid", "yclid", "igshid"}

// mobileMirrors maps mobile/AMP host prefixes back to the canonical host.
var mobileMirrors = []string{"m.", "amp.", "mobile."}

// Canonicalize normalizes a URL so byte-equal results mean the same page:
// lowercase punycoded host, tracking params stripped, %-escapes decoded by
// the parser, mobile mirror prefixes collapsed, trailing slash removed.
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	for _, prefix := range mobileMirrors {
		if strings.HasPrefix(host, prefix) && strings.Count(host, ".") >= 2 {
			host = strings.TrimPrefix(host, prefix)
			break
		}
	}
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host = host + ":" + port
	}
	u.Host = host

	q := u.Query()
	for param := range q {
		lower := strings.ToLower(param)
		if strings.HasPrefix(lower, "utm_") {
			q.Del(param)
			continue
		}
		for _, t := range trackingParams {
			if lower == t {
				q.Del(param)
				break
			}
		}
	}
	u.RawQuery = sortedEncode(q)

	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""

	return u.String(), nil
}

// sortedEncode renders the query with sorted keys so parameter order does
// not defeat the dedup key.
func sortedEncode(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// DedupKey hashes the canonical URL together with the policy version, so a
// policy bump invalidates the global seen-set without flushing it.
func DedupKey(canonicalURL string, policyVersion int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|v%d", canonicalURL, policyVersion)))
	return hex.EncodeToString(h[:])
}
