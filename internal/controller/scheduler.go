package controller

import "time"

// Scheduler runs f once after d. The returned stop func cancels a pending
// call and reports whether it did so.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// Clock supplies the current time for elapsed-time accounting.
type Clock interface {
	Now() time.Time
}

type timerScheduler struct{}

func (timerScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
