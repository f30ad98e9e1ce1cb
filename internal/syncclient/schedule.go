package syncclient

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

var defaultSteps = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

// Schedule is the reconnect backoff: an immediate first retry, then 2s, then
// 10s, then 30s for every later attempt. MaxAttempts of zero never gives up.
type Schedule struct {
	Steps       []time.Duration
	MaxAttempts int

	attempt int
}

var _ backoff.BackOff = (*Schedule)(nil)

func NewSchedule() *Schedule {
	return &Schedule{Steps: defaultSteps}
}

func (s *Schedule) NextBackOff() time.Duration {
	if s.MaxAttempts > 0 && s.attempt >= s.MaxAttempts {
		return backoff.Stop
	}
	steps := s.Steps
	if len(steps) == 0 {
		steps = defaultSteps
	}
	index := s.attempt
	if index >= len(steps) {
		index = len(steps) - 1
	}
	s.attempt++
	return steps[index]
}

func (s *Schedule) Reset() {
	s.attempt = 0
}
