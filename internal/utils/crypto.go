// internal/utils/crypto.go
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// UserDirHash returns the first 16 hex characters of sha256(userID).
// User data directories are named by this hash so raw ids never reach the filesystem.
func UserDirHash(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])[:16]
}

// SafeSegment escapes a caller supplied name for use as a single path segment.
func SafeSegment(name string) string {
	escaped := url.PathEscape(name)
	// PathEscape leaves these alone but they are meaningful to the filesystem
	escaped = strings.ReplaceAll(escaped, "..", "%2E%2E")
	escaped = strings.ReplaceAll(escaped, "\\", "%5C")
	switch escaped {
	case "":
		return "_"
	case ".":
		return "%2E"
	}
	return escaped
}

// UnsafeSegment reverses SafeSegment.
func UnsafeSegment(segment string) string {
	name, err := url.PathUnescape(segment)
	if err != nil {
		return segment
	}
	return name
}
