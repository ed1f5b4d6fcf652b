package tick

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduler_EveryClampsPeriod(t *testing.T) {
	s := NewScheduler()
	task := s.Every(time.Millisecond, func(time.Time) bool { return true })
	assert.Equal(t, MinPeriod, task.Period())
}

func TestScheduler_Every(t *testing.T) {
	s := NewScheduler()
	start := time.Unix(100, 0)
	runs := 0
	s.Every(20*time.Millisecond, func(time.Time) bool {
		runs++
		return true
	})

	s.Advance(start)
	assert.Equal(t, 1, runs)
	s.Advance(start.Add(10 * time.Millisecond))
	assert.Equal(t, 1, runs)
	s.Advance(start.Add(20 * time.Millisecond))
	assert.Equal(t, 2, runs)
	s.Advance(start.Add(41 * time.Millisecond))
	assert.Equal(t, 3, runs)
}

func TestScheduler_StopFromFlag(t *testing.T) {
	s := NewScheduler()
	start := time.Unix(100, 0)
	enabled := true
	runs := 0
	s.Every(MinPeriod, func(time.Time) bool {
		if !enabled {
			return false
		}
		runs++
		return true
	})

	s.Advance(start)
	enabled = false
	s.Advance(start.Add(MinPeriod))
	s.Advance(start.Add(2 * MinPeriod))
	assert.Equal(t, 1, runs)
	assert.Zero(t, s.Len())
}

func TestScheduler_AfterRunsOnce(t *testing.T) {
	s := NewScheduler()
	start := time.Unix(100, 0)
	runs := 0
	s.After(start, time.Second, func(time.Time) { runs++ })

	s.Advance(start.Add(500 * time.Millisecond))
	assert.Zero(t, runs)
	s.Advance(start.Add(time.Second))
	s.Advance(start.Add(2 * time.Second))
	assert.Equal(t, 1, runs)
}

func TestScheduler_TaskAddedWhileAdvancing(t *testing.T) {
	s := NewScheduler()
	start := time.Unix(100, 0)
	inner := 0
	s.Every(MinPeriod, func(time.Time) bool {
		s.Every(MinPeriod, func(time.Time) bool {
			inner++
			return false
		})
		return false
	})

	s.Advance(start)
	assert.Zero(t, inner)
	s.Advance(start.Add(MinPeriod))
	assert.Equal(t, 1, inner)
}
