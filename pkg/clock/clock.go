package clock

import "time"

// Clock supplies wall-clock time for inode timestamps. The indirection keeps
// timestamp behavior testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// New returns a Clock backed by the system wall clock.
func New() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}
