package api

import (
	"net/url"
	"strings"
	"unicode"
)

// defaultNext is where sign-in lands when no usable next location is given.
const defaultNext = "/console"

// safeNext returns next when it is a local path, and defaultNext otherwise.
// Absolute URLs, scheme-relative URLs and backslash tricks are rejected so
// the sign-in form cannot be used as an open redirect.
func safeNext(next string) string {
	if next == "" || len(next) > 2048 {
		return defaultNext
	}
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return defaultNext
	}
	for _, r := range next {
		if unicode.IsControl(r) || r == '\\' {
			return defaultNext
		}
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return defaultNext
	}
	return next
}

// validItemID checks a content item ID taken from the path.
func validItemID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	for _, r := range id {
		if !isValidIDChar(r) {
			return false
		}
	}
	return true
}

func isValidIDChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '_'
}
