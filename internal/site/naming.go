package site

import (
	"crypto/rand"
	"encoding/base64"
	"regexp"
	"strings"
)

var nameAllowed = regexp.MustCompile(`[^a-z0-9-]+`)

// sanitizeName maps an arbitrary requested name to a filesystem-safe slug.
func sanitizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	s = nameAllowed.ReplaceAllString(s, "")
	s = strings.Trim(s, "-")
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

// randomPassword returns a URL-safe random secret for generated credentials.
func randomPassword() string {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; an empty password
		// would be worse than a predictable marker the user will notice.
		return "sitekit-change-me"
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
