package identity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateEventID(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := GenerateEventID(at)
	b := GenerateEventID(at)

	assert.True(t, strings.HasPrefix(a, "evt_"))
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "ids minted in the same millisecond stay ordered")

	got, err := EventTime(a)
	require.NoError(t, err)
	assert.True(t, got.Equal(at), "got %v", got)
}

func TestEventTimeRejectsGarbage(t *testing.T) {
	_, err := EventTime("evt_not-a-ulid")
	assert.Error(t, err)
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"alice", false},
		{"Bob_99", false},
		{"jean.luc-p", false},
		{"", true},
		{"here", true},
		{"ALL", true},
		{"two words", true},
		{"-dash", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGenerateRequestID(t *testing.T) {
	assert.Len(t, GenerateRequestID(), 36)
}
