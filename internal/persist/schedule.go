package persist

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule parses a 5-field cron expression. An empty expression
// yields a nil schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("persist: reconcile schedule %q: %w", expr, err)
	}
	return sched, nil
}

// untilNext returns the duration until the schedule next fires after now.
func untilNext(sched cron.Schedule, now time.Time) time.Duration {
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
