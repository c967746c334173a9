package tunnel

import (
	"strings"

	"github.com/mssola/useragent"
)

// DeviceName renders a short human-readable label for a connecting client's
// User-Agent, shown in session listings and logs. CLI agents usually send
// something like "hookbridge-agent/1.2.0 (darwin; arm64)" which falls through
// the browser parser, so the raw product token is kept as a fallback.
func DeviceName(userAgentString string) string {
	if userAgentString == "" {
		return "unknown"
	}

	ua := useragent.New(userAgentString)
	browser, _ := ua.Browser()
	os := ua.OS()

	if browser != "" && os != "" {
		return browser + " on " + os
	}

	if product, _, found := strings.Cut(userAgentString, " "); found || product != "" {
		if len(product) > 64 {
			product = product[:64]
		}
		return product
	}
	return "unknown"
}
