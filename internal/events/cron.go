package events

import (
	"fmt"
	"time"

	robfigcron "github.com/robfig/cron/v3"
)

// CronScheduler registers a callback under a cron expression in a timezone
// and returns a cancellable handle. Kept as an interface so tests can swap
// in a manual clock.
type CronScheduler interface {
	Schedule(expr, timezone string, fn func()) (CronHandle, error)
}

// CronHandle cancels one periodic registration.
type CronHandle interface {
	Stop()
}

// robfigScheduler backs CronScheduler with robfig/cron. Each registration
// gets its own Cron instance pinned to the declared timezone, so stopping
// the handle tears down exactly one schedule.
type robfigScheduler struct{}

// NewCronScheduler returns the production CronScheduler.
func NewCronScheduler() CronScheduler {
	return robfigScheduler{}
}

func (robfigScheduler) Schedule(expr, timezone string, fn func()) (CronHandle, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	c := robfigcron.New(robfigcron.WithLocation(loc))
	if _, err := c.AddFunc(expr, fn); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	c.Start()
	return robfigHandle{c}, nil
}

type robfigHandle struct {
	c *robfigcron.Cron
}

func (h robfigHandle) Stop() {
	h.c.Stop()
}
