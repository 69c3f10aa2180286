package util

import (
	"html"
	"net/url"
	"strings"
)

// SanitizeInput escapes HTML/script-like characters in server supplied text
// before it reaches a rendering surface.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// NormalizeHostname turns user input ("https://Portal.gov.pl/x", "portal.gov.pl:443")
// into a bare lowercase hostname. Empty input yields "".
func NormalizeHostname(value string) string {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		return ""
	}
	if !strings.Contains(candidate, "://") {
		candidate = "//" + candidate
	}
	parsed, err := url.Parse(candidate)
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	if ContainsSuspicious(host) {
		return ""
	}
	return host
}

func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	lower := strings.ToLower(s)
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
