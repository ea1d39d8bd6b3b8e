// Package topic implements hierarchical topic names and wildcard patterns.
//
// Topics are dot-separated segments ("orders.eu.created"). In a pattern,
// "*" matches exactly one segment, and a trailing "*" matches one or more
// segments, so "orders.*" matches both "orders.created" and
// "orders.eu.created". A pattern without wildcards only matches itself.
package topic

import "strings"

// Match reports whether name matches pattern.
func Match(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if !strings.ContainsRune(pattern, '*') {
		return false
	}

	ps := strings.Split(pattern, ".")
	ns := strings.Split(name, ".")

	for i, seg := range ps {
		if seg == "*" && i == len(ps)-1 {
			// Trailing wildcard covers the rest, but must cover something.
			return len(ns) > i
		}
		if i >= len(ns) {
			return false
		}
		if seg != "*" && seg != ns[i] {
			return false
		}
	}
	return len(ns) == len(ps)
}

// IsPattern reports whether s contains a wildcard segment.
func IsPattern(s string) bool {
	return strings.ContainsRune(s, '*')
}

// Specificity counts the literal segments of a pattern. Among patterns
// matching the same topic, the one with more literal segments governs.
func Specificity(pattern string) int {
	n := 0
	for _, seg := range strings.Split(pattern, ".") {
		if seg != "*" {
			n++
		}
	}
	return n
}

// Valid reports whether s is a well-formed topic or pattern: non-empty,
// no empty segments, and wildcards only as whole segments.
func Valid(s string) bool {
	if s == "" {
		return false
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			return false
		}
		if strings.ContainsRune(seg, '*') && seg != "*" {
			return false
		}
	}
	return true
}
