// Package pathutil has path helpers shared by the policy loader and the
// route table.
package pathutil

import (
	"path"
	"strings"
)

// HasDotSegments reports whether any path segment is "." or "..".
// Backslashes count as separators so windows-style input can't hide one.
func HasDotSegments(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// CleanURLPath returns the canonical form of a request path: rooted, with
// dot segments resolved and duplicate slashes collapsed. A trailing slash is
// kept. Route lookups use it so "/api/../api/vote" and "//api/vote" resolve
// to the same tier as "/api/vote".
func CleanURLPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	c := path.Clean(p)
	if c != "/" && strings.HasSuffix(p, "/") {
		c += "/"
	}
	return c
}
