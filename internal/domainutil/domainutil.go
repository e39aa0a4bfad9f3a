// Package domainutil extracts and normalizes domain names out of free-form
// chat text, and computes the registered (second-level, CN-aware) domain
// used everywhere else in the classifier.
package domainutil

import (
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// urlPattern matches an http(s) URL; the host group is everything between
// the scheme/credentials and the first of port, path, query or fragment.
var urlPattern = regexp.MustCompile(`(?i)https?://(?:[^@/\s]+@)?([^/\s:?#]+)`)

// labelShape matches one DNS label shape: alnum, optionally hyphenated in
// the middle, 1-63 characters.
const labelShape = `[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?`

// domainPattern scans bare text for the first dotted-label run whose final
// label is purely alphabetic and at least two characters — the shape of a
// TLD, as opposed to a numeric run that just looks dotted.
var domainPattern = regexp.MustCompile(`(?i)\b` + labelShape + `(?:\.` + labelShape + `)+\b`)

var trailingTLD = regexp.MustCompile(`(?i)^[A-Za-z]{2,}$`)

// ExtractDomain returns the first valid domain found in text, preferring a
// URL host if present, otherwise the first bare domain-shaped substring.
func ExtractDomain(text string) (string, bool) {
	if m := urlPattern.FindStringSubmatch(text); m != nil {
		if d, ok := normalizeHost(m[1]); ok {
			return d, true
		}
	}
	for _, candidate := range domainPattern.FindAllString(text, -1) {
		if d, ok := normalizeHost(candidate); ok {
			return d, true
		}
	}
	return "", false
}

// ExtractForRules returns the registered domain suitable for a direct-list
// append: the first valid domain in text, reduced to its registered form,
// or "" if no domain was found or the domain is CN top-level.
func ExtractForRules(text string) (string, bool) {
	d, ok := ExtractDomain(text)
	if !ok {
		return "", false
	}
	if IsCNDomain(d) {
		return "", false
	}
	return RegisteredDomain(d), true
}

// normalizeHost lowercases a host candidate, strips a trailing dot and port,
// and validates label shape per the normalizer's step 3.
func normalizeHost(host string) (string, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", false
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return "", false
	}
	if strings.Contains(host, "_") {
		return "", false
	}
	for _, l := range labels {
		if l == "" || strings.HasPrefix(l, "-") || strings.HasSuffix(l, "-") {
			return "", false
		}
	}
	last := labels[len(labels)-1]
	if !trailingTLD.MatchString(last) {
		return "", false
	}
	return host, true
}

// RegisteredDomain computes the owner domain of a normalized domain: one
// label beyond its public suffix, per the PSL (which already carries the
// multi-label CN suffixes — com.cn, net.cn, the province/municipality
// codes, and so on). Falls back to the last two labels when
// publicsuffix.EffectiveTLDPlusOne reports an error: domain has no label
// beyond its public suffix (e.g. "com.cn"), or domain has an empty label.
func RegisteredDomain(domain string) string {
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return domain
	}
	if reg, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil {
		return reg
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// IsCNDomain reports whether domain's top label is "cn", signalling the
// normalizer's cn-domain short circuit.
func IsCNDomain(domain string) bool {
	labels := strings.Split(domain, ".")
	return labels[len(labels)-1] == "cn"
}

var mentionPattern = func(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(name) + `\b`)
}

// StripMention removes every occurrence of "@botName" (case-insensitive,
// word-bounded) from text, used by the group entry flow to isolate the
// domain request from the mention that triggered it.
func StripMention(text, botName string) string {
	if botName == "" {
		return text
	}
	return strings.TrimSpace(mentionPattern(botName).ReplaceAllString(text, ""))
}
