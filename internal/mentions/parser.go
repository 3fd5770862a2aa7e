// Package mentions extracts @-mentions from message text and resolves them
// into the users that should be notified.
package mentions

import (
	"regexp"
	"strings"
)

// Global mention keywords.
const (
	All  = "all"
	Here = "here"
)

var (
	// The leading group keeps e-mail addresses and paths ("a@b.com", "/@x") from matching.
	mentionRegex = regexp.MustCompile(`(^|[^\p{L}\p{N}_@.\-/])@([\p{L}\p{N}_](?:[\p{L}\p{N}_.\-]*[\p{L}\p{N}_])?)`)

	fencedCodeRegex = regexp.MustCompile("(?s)```.*?(```|$)")
	inlineCodeRegex = regexp.MustCompile("`[^`\n]*`")
)

// Parse returns the distinct lowercased names mentioned in text, in order of
// first appearance. Mentions inside code spans and fenced blocks are ignored.
func Parse(text string) []string {
	text = StripCode(text)

	var names []string
	seen := make(map[string]bool)
	for _, m := range mentionRegex.FindAllStringSubmatch(text, -1) {
		name := strings.ToLower(m[2])
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// StripCode blanks out fenced code blocks and inline code spans.
func StripCode(text string) string {
	text = fencedCodeRegex.ReplaceAllString(text, " ")
	return inlineCodeRegex.ReplaceAllString(text, " ")
}

// IsGlobal reports whether name is @all or @here.
func IsGlobal(name string) bool {
	return name == All || name == Here
}
