package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetrier struct {
	calls   atomic.Int32
	block   chan struct{}
	err     error
	entered chan struct{}
}

func (f *fakeRetrier) RetryFailed(ctx context.Context) (int, error) {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	return 1, f.err
}

func TestNew_RejectsInvalidCron(t *testing.T) {
	_, err := New(&fakeRetrier{}, "every tuesday", zerolog.Nop())
	assert.Error(t, err)

	s, err := New(&fakeRetrier{}, "", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, DefaultCron, s.cron)
}

func TestUntilNext(t *testing.T) {
	s, err := New(&fakeRetrier{}, "*/15 * * * *", zerolog.Nop())
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC) }

	wait, err := s.untilNext()
	require.NoError(t, err)
	assert.Equal(t, 8*time.Minute, wait)
}

func TestRunOnce_SkipsOverlap(t *testing.T) {
	r := &fakeRetrier{block: make(chan struct{}), entered: make(chan struct{}, 1), err: errors.New("one failed")}
	s, err := New(r, "", zerolog.Nop())
	require.NoError(t, err)

	done := make(chan bool)
	go func() { done <- s.RunOnce(context.Background()) }()
	<-r.entered

	assert.False(t, s.RunOnce(context.Background()), "overlapping run is skipped")
	close(r.block)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestStart_StopsOnCancel(t *testing.T) {
	s, err := New(&fakeRetrier{}, "", zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler didn't stop after context cancel")
	}
}
