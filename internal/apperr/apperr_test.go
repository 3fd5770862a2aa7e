package apperr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/chatcore/internal/apperr"
)

func TestFailureError(t *testing.T) {
	f := apperr.Validation("message is too short", "message contains banned words")
	assert.Equal(t, "validation_failed: validation failed (message is too short; message contains banned words)", f.Error())

	assert.Equal(t, "channel_closed: channel is read only", apperr.ChannelClosed("read_only").Error())
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("create message: %w", apperr.ThreadMismatch("this thread does not belong to this channel"))
	assert.Equal(t, apperr.CodeThreadMismatch, apperr.CodeOf(wrapped))
	assert.Equal(t, apperr.Code(""), apperr.CodeOf(errors.New("boom")))
}

func TestTransientUnwrap(t *testing.T) {
	cause := errors.New("database is locked")
	f := apperr.Transient(cause)
	require.ErrorIs(t, f, cause)

	got, ok := apperr.As(f)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeTransient, got.Code)
}
