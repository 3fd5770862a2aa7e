// Package render turns raw message text into the cooked HTML stored next to it.
package render

import (
	"html"
	"regexp"
	"strings"

	"github.com/leonletto/chatcore/internal/mentions"
)

// Rendered is the output of a Renderer.
type Rendered struct {
	HTML     string
	Mentions []string // lowercased names, without the @
}

// Renderer cooks raw message content. It must be a pure function of raw.
type Renderer interface {
	Render(raw string) (Rendered, error)
}

// Func adapts a function to Renderer.
type Func func(raw string) (Rendered, error)

// Render calls f.
func (f Func) Render(raw string) (Rendered, error) {
	return f(raw)
}

var (
	fencedRegex  = regexp.MustCompile("(?s)```[^\n]*\n?(.*?)(?:```|$)")
	inlineRegex  = regexp.MustCompile("`([^`\n]+)`")
	mentionRegex = regexp.MustCompile(`(^|[^\p{L}\p{N}_@.\-/])@([\p{L}\p{N}_](?:[\p{L}\p{N}_.\-]*[\p{L}\p{N}_])?)`)
)

// Default escapes HTML, renders code spans and blocks, links mentions and
// turns newlines into <br>. Anything richer is left to an external renderer.
type Default struct{}

// Render implements Renderer.
func (Default) Render(raw string) (Rendered, error) {
	names := mentions.Parse(raw)

	var (
		out   strings.Builder
		last  int
		codes = fencedRegex.FindAllStringSubmatchIndex(raw, -1)
	)
	for _, loc := range codes {
		out.WriteString(renderInline(raw[last:loc[0]]))
		out.WriteString("<pre><code>")
		out.WriteString(html.EscapeString(raw[loc[2]:loc[3]]))
		out.WriteString("</code></pre>")
		last = loc[1]
	}
	out.WriteString(renderInline(raw[last:]))

	return Rendered{HTML: out.String(), Mentions: names}, nil
}

func renderInline(text string) string {
	var (
		out  strings.Builder
		last int
	)
	for _, loc := range inlineRegex.FindAllStringSubmatchIndex(text, -1) {
		out.WriteString(renderText(text[last:loc[0]]))
		out.WriteString("<code>")
		out.WriteString(html.EscapeString(text[loc[2]:loc[3]]))
		out.WriteString("</code>")
		last = loc[1]
	}
	out.WriteString(renderText(text[last:]))
	return out.String()
}

func renderText(text string) string {
	escaped := html.EscapeString(text)
	linked := mentionRegex.ReplaceAllStringFunc(escaped, func(m string) string {
		sub := mentionRegex.FindStringSubmatch(m)
		prefix, name := sub[1], sub[2]
		lower := strings.ToLower(name)
		if mentions.IsGlobal(lower) {
			return prefix + `<span class="mention">@` + name + `</span>`
		}
		return prefix + `<a class="mention" href="/u/` + lower + `">@` + name + `</a>`
	})
	return strings.ReplaceAll(linked, "\n", "<br>")
}
