package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRender(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		html     string
		mentions []string
	}{
		{
			name: "escapes html",
			raw:  `<script>alert("x")</script>`,
			html: "&lt;script&gt;alert(&#34;x&#34;)&lt;/script&gt;",
		},
		{
			name:     "links user mentions",
			raw:      "ping @Alice",
			html:     `ping <a class="mention" href="/u/alice">@Alice</a>`,
			mentions: []string{"alice"},
		},
		{
			name:     "global mentions are spans",
			raw:      "@here deploy",
			html:     `<span class="mention">@here</span> deploy`,
			mentions: []string{"here"},
		},
		{
			name: "inline code is not a mention",
			raw:  "run `@bob`",
			html: "run <code>@bob</code>",
		},
		{
			name: "fenced block",
			raw:  "look:\n```go\nx := <-ch\n```\ndone",
			html: "look:<br><pre><code>x := &lt;-ch\n</code></pre><br>done",
		},
		{
			name: "email is not a mention",
			raw:  "mail bob@example.com",
			html: "mail bob@example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Default{}.Render(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.html, got.HTML)
			assert.Equal(t, tt.mentions, got.Mentions)
		})
	}
}

func TestFuncAdapter(t *testing.T) {
	r := Func(func(raw string) (Rendered, error) {
		return Rendered{HTML: "<p>" + raw + "</p>"}, nil
	})
	got, err := r.Render("hi")
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", got.HTML)
}
