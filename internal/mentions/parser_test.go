package mentions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"simple", "hello @alice", []string{"alice"}},
		{"lowercased and deduplicated", "@Alice and @alice and @ALICE", []string{"alice"}},
		{"order of first appearance", "@bob @alice @bob", []string{"bob", "alice"}},
		{"globals", "@here look, @all too", []string{"here", "all"}},
		{"email ignored", "mail me at alice@example.com", nil},
		{"trailing punctuation", "thanks @bob.", []string{"bob"}},
		{"dots inside names", "ping @jane.doe please", []string{"jane.doe"}},
		{"inline code ignored", "run `@bob` now", nil},
		{"fenced code ignored", "```\n@bob\n```\n@carol", []string{"carol"}},
		{"path ignored", "see /@admin/settings", nil},
		{"unicode names", "hi @zoë", []string{"zoë"}},
		{"start of line", "@dave: done", []string{"dave"}},
		{"no mentions", "just text", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.text))
		})
	}
}

func TestIsGlobal(t *testing.T) {
	assert.True(t, IsGlobal(All))
	assert.True(t, IsGlobal(Here))
	assert.False(t, IsGlobal("alice"))
}
