package recovery

import (
	"regexp"
	"strings"
)

var (
	deepLinkMarkers = []string{"oauth2", "authorize", "nuapp", "link", "beta"}
	homepagePattern = regexp.MustCompile(`(?i)^https?://(www\.)?nubank\.com\.br/?$`)
)

const minDeepLinkLength = 40

// IsDeepLink reports whether s looks like an app deep link rather than a
// generic page link
func IsDeepLink(s string) bool {
	if len(s) < minDeepLinkLength || homepagePattern.MatchString(s) {
		return false
	}
	lower := strings.ToLower(s)
	for _, m := range deepLinkMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// FirstDeepLink returns the first accepted link
func FirstDeepLink(links []string) (string, bool) {
	for _, l := range links {
		if IsDeepLink(l) {
			return l, true
		}
	}
	return "", false
}
