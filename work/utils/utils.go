// Package utils holds log-formatting helpers shared across packages.
package utils

import (
	"net/url"
	"strings"

	"playback-proxy/work/config"
)

const masked = "***OBFUSCATED***"

// LogURL formats an upstream URL for a log line, masked unless the config turns
// obfuscation off. A nil config masks.
func LogURL(cfg *config.Config, rawURL string) string {
	return LogURLWithFlag(cfg == nil || cfg.ObfuscateUrls, rawURL)
}

// LogURLWithFlag is LogURL without a config. Unmasked URLs still have any
// userinfo password redacted.
func LogURLWithFlag(obfuscate bool, rawURL string) string {
	if obfuscate {
		return ObfuscateURL(rawURL)
	}
	if u, err := url.Parse(rawURL); err == nil && u.User != nil {
		return u.Redacted()
	}
	return rawURL
}

// ObfuscateURL keeps scheme and host and replaces each part that may carry
// credentials (userinfo, path, query, fragment) with a marker.
func ObfuscateURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return masked
	}

	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Host)
	for _, part := range []struct {
		present bool
		marker  string
	}{
		{u.Path != "" && u.Path != "/", "/***"},
		{u.RawQuery != "", "?***"},
		{u.Fragment != "", "#***"},
	} {
		if part.present {
			b.WriteString(part.marker)
		}
	}
	return b.String()
}

// ShortID trims long identifiers for log lines.
func ShortID(id string) string {
	if len(id) <= 13 {
		return id
	}
	return id[:13] + "…"
}
