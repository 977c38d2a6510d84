package usecases

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerScheduler_RunsOnce(t *testing.T) {
	s := NewTimerScheduler()
	var runs atomic.Int32
	s.Schedule(5*time.Millisecond, func() { runs.Add(1) })

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Pending())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestTimerScheduler_Cancel(t *testing.T) {
	s := NewTimerScheduler()
	var runs atomic.Int32
	cancel := s.Schedule(20*time.Millisecond, func() { runs.Add(1) })
	assert.Equal(t, 1, s.Pending())

	cancel()
	assert.Zero(t, s.Pending())
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, runs.Load())
}

func TestTimerScheduler_Stop(t *testing.T) {
	s := NewTimerScheduler()
	var runs atomic.Int32
	s.Schedule(20*time.Millisecond, func() { runs.Add(1) })
	s.Stop()

	s.Schedule(time.Millisecond, func() { runs.Add(1) })
	assert.Zero(t, s.Pending())
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, runs.Load())
}
