package scheduler

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestScheduleFiresOnce(t *testing.T) {
	var count atomic.Int32
	released := make(chan string, 1)

	s := New(func(jobID string) {
		count.Add(1)
		released <- jobID
	}, testLogger())
	defer s.Stop()

	require.True(t, s.Schedule("job-1", 10*time.Millisecond))

	select {
	case jobID := <-released:
		assert.Equal(t, "job-1", jobID)
	case <-time.After(time.Second):
		t.Fatal("release did not fire")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
	assert.False(t, s.Pending("job-1"))
}

func TestScheduleRejectsDuplicate(t *testing.T) {
	s := New(func(string) {}, testLogger())
	defer s.Stop()

	require.True(t, s.Schedule("job-1", time.Hour))
	assert.False(t, s.Schedule("job-1", time.Millisecond), "second schedule for the same job must be rejected")
	assert.True(t, s.Pending("job-1"))

	// a different job is unaffected
	assert.True(t, s.Schedule("job-2", time.Hour))
}

func TestCancelPreventsRelease(t *testing.T) {
	var count atomic.Int32
	s := New(func(string) { count.Add(1) }, testLogger())
	defer s.Stop()

	require.True(t, s.Schedule("job-1", 20*time.Millisecond))
	require.True(t, s.Cancel("job-1"))
	assert.False(t, s.Pending("job-1"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load(), "release must not fire after cancel")

	// canceling again is a no-op
	assert.False(t, s.Cancel("job-1"))
}

func TestReleaseNow(t *testing.T) {
	var count atomic.Int32
	s := New(func(string) { count.Add(1) }, testLogger())
	defer s.Stop()

	require.True(t, s.Schedule("job-1", time.Hour))
	require.True(t, s.ReleaseNow("job-1"))
	assert.Equal(t, int32(1), count.Load())
	assert.False(t, s.Pending("job-1"))

	// nothing pending anymore: manual retry cannot double-submit
	assert.False(t, s.ReleaseNow("job-1"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestReleaseNowWithoutPendingIsNoop(t *testing.T) {
	var count atomic.Int32
	s := New(func(string) { count.Add(1) }, testLogger())
	defer s.Stop()

	assert.False(t, s.ReleaseNow("job-unknown"))
	assert.Equal(t, int32(0), count.Load())
}

func TestConcurrentReleasePathsFireOnce(t *testing.T) {
	var count atomic.Int32
	s := New(func(string) { count.Add(1) }, testLogger())
	defer s.Stop()

	for i := 0; i < 50; i++ {
		jobID := "job-race"
		require.True(t, s.Schedule(jobID, time.Millisecond))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.ReleaseNow(jobID)
		}()
		go func() {
			defer wg.Done()
			s.ReleaseNow(jobID)
		}()
		wg.Wait()
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, int32(50), count.Load(), "each scheduling must release exactly once")
}

func TestStopCancelsEverything(t *testing.T) {
	var count atomic.Int32
	s := New(func(string) { count.Add(1) }, testLogger())

	require.True(t, s.Schedule("job-1", 10*time.Millisecond))
	require.True(t, s.Schedule("job-2", 10*time.Millisecond))
	s.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
	assert.False(t, s.Schedule("job-3", time.Millisecond), "stopped scheduler rejects new work")
}
