package scim

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// WeakETag derives a resource version from its last-modified time. Updates
// always bump updatedAt, so timestamp equality is sufficient for
// conditional-request semantics.
func WeakETag(updatedAt time.Time) string {
	return `W/"` + strconv.FormatInt(updatedAt.UTC().UnixMilli(), 10) + `"`
}

// ETagMatches reports whether an If-Match / If-None-Match header value
// matches the current tag. "*" matches any existing resource; weak
// comparison ignores the W/ prefix.
func ETagMatches(headerValue, current string) bool {
	if strings.TrimSpace(headerValue) == "*" {
		return current != ""
	}
	for tag := range strings.SplitSeq(headerValue, ",") {
		if etagOpaque(strings.TrimSpace(tag)) == etagOpaque(current) {
			return true
		}
	}
	return false
}

func etagOpaque(tag string) string {
	return strings.Trim(strings.TrimPrefix(tag, "W/"), `"`)
}

// NotModified reports whether a single-resource GET should short-circuit to
// 304 based on the If-None-Match header.
func NotModified(r *http.Request, current string) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	inm := r.Header.Get("If-None-Match")
	return inm != "" && ETagMatches(inm, current)
}
