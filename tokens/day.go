package tokens

import (
	"time"

	"github.com/robfig/cron/v3"
)

// sameDay reports whether a and b fall in the same usage day. A usage day
// starts at each activation of schedule, read in loc, so with the default
// midnight schedule it is the calendar day.
// A zero time is never on the same day as anything.
func sameDay(a, b time.Time, schedule cron.Schedule, loc *time.Location) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	if loc == nil {
		loc = time.Local
	}
	if b.Before(a) {
		a, b = b, a
	}
	return schedule.Next(a.In(loc)).After(b)
}
