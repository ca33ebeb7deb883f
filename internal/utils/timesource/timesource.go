package timesource

import (
	"sync/atomic"
	"time"
)

type (
	// TimeSource provides the current time.
	TimeSource interface {
		Now() time.Time
	}

	realTimeSource struct{}

	// tickingTimeSource advances by one second on every read.
	tickingTimeSource struct {
		now int64
	}
)

func NewRealTimeSource() TimeSource {
	return realTimeSource{}
}

// NewTickingTimeSource returns a deterministic clock for latency assertions in tests.
func NewTickingTimeSource() TimeSource {
	return &tickingTimeSource{}
}

func (realTimeSource) Now() time.Time {
	return time.Now().UTC()
}

func (s *tickingTimeSource) Now() time.Time {
	return time.Unix(0, atomic.AddInt64(&s.now, int64(time.Second))).UTC()
}
