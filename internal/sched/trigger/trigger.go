// Package trigger evaluates task triggers: when a trigger fires next, and
// whether its execution window is currently open.
//
// All functions are pure with respect to the passed-in clock, so the
// scheduler can evaluate them against any "now".
package trigger

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"maestro/internal/config"
)

// specParser understands the classic 5-field crontab layout.
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextFire computes the next time tr should fire, strictly after now.
// ok is false when the trigger will never fire again (exhausted
// specific_date lists) or the trigger is malformed.
func NextFire(tr config.Trigger, now time.Time) (time.Time, bool) {
	return nextFire(tr, now, nil)
}

// NextFireRand is NextFire with an injected source of randomness, used by
// random_time triggers. A nil rng falls back to the global source.
func NextFireRand(tr config.Trigger, now time.Time, rng *rand.Rand) (time.Time, bool) {
	return nextFire(tr, now, rng)
}

func nextFire(tr config.Trigger, now time.Time, rng *rand.Rand) (time.Time, bool) {
	switch tr.Type {
	case config.TriggerScheduled, config.TriggerWeekly, config.TriggerMonthly:
		spec, err := cronSpec(tr)
		if err != nil {
			return time.Time{}, false
		}
		sched, err := specParser.Parse(spec)
		if err != nil {
			return time.Time{}, false
		}
		return sched.Next(now), true

	case config.TriggerInterval:
		// First arm fires immediately; the scheduler re-arms subsequent
		// runs relative to completion time.
		return now, true

	case config.TriggerRandomTime:
		return nextRandom(tr, now, rng)

	case config.TriggerSpecificDate:
		return nextSpecificDate(tr, now)
	}
	return time.Time{}, false
}

// Interval returns the re-arm interval of an interval trigger.
func Interval(tr config.Trigger) time.Duration {
	return time.Duration(tr.IntervalMinutes) * time.Minute
}

// cronSpec renders scheduled/weekly/monthly triggers as a 5-field cron spec.
func cronSpec(tr config.Trigger) (string, error) {
	h, m, err := config.ParseHHMM(tr.StartTime)
	if err != nil {
		return "", err
	}
	switch tr.Type {
	case config.TriggerScheduled:
		return fmt.Sprintf("%d %d * * *", m, h), nil
	case config.TriggerWeekly:
		if len(tr.DaysOfWeek) == 0 {
			return "", errors.New("weekly trigger without days")
		}
		return fmt.Sprintf("%d %d * * %s", m, h, joinInts(tr.DaysOfWeek)), nil
	case config.TriggerMonthly:
		if len(tr.DaysOfMonth) == 0 {
			return "", errors.New("monthly trigger without days")
		}
		return fmt.Sprintf("%d %d %s * *", m, h, joinInts(tr.DaysOfMonth)), nil
	}
	return "", errors.Errorf("no cron form for trigger type %q", tr.Type)
}

func joinInts(xs []int) string {
	parts := make([]string, 0, len(xs))
	for _, x := range xs {
		parts = append(parts, fmt.Sprint(x))
	}
	return strings.Join(parts, ",")
}

// nextRandom samples a uniform time inside today's window. When the window
// has already elapsed (or the remaining slice is degenerate) it samples
// tomorrow's window instead.
func nextRandom(tr config.Trigger, now time.Time, rng *rand.Rand) (time.Time, bool) {
	sh, sm, err := config.ParseHHMM(tr.StartTime)
	if err != nil {
		return time.Time{}, false
	}
	eh, em, err := config.ParseHHMM(tr.EndTime)
	if err != nil {
		return time.Time{}, false
	}

	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	start := day.Add(time.Duration(sh)*time.Hour + time.Duration(sm)*time.Minute)
	end := day.Add(time.Duration(eh)*time.Hour + time.Duration(em)*time.Minute)
	if !end.After(start) {
		return time.Time{}, false
	}

	// Sample from what's left of today's window; roll to tomorrow when
	// the remainder is under a minute.
	lo := start
	if now.After(lo) {
		lo = now
	}
	if end.Sub(lo) < time.Minute {
		lo = start.Add(24 * time.Hour)
		end = end.Add(24 * time.Hour)
	}

	span := end.Sub(lo)
	var off time.Duration
	if rng != nil {
		off = time.Duration(rng.Int63n(int64(span)))
	} else {
		off = time.Duration(rand.Int63n(int64(span)))
	}
	return lo.Add(off), true
}

// nextSpecificDate returns the earliest configured date after now.
func nextSpecificDate(tr config.Trigger, now time.Time) (time.Time, bool) {
	var future []time.Time
	for _, d := range tr.Dates {
		t, err := time.ParseInLocation(config.DateLayout, strings.TrimSpace(d), now.Location())
		if err != nil {
			continue
		}
		if t.After(now) {
			future = append(future, t)
		}
	}
	if len(future) == 0 {
		return time.Time{}, false
	}
	sort.Slice(future, func(i, j int) bool { return future[i].Before(future[j]) })
	return future[0], true
}

// WindowActive reports whether tr's execution window is open at now.
//
// Rules:
//   - interval and specific_date triggers have no window: always active.
//   - weekly/monthly additionally require today to be a configured day.
//   - start == end means the window never closes.
//   - a missing end means active only during the start minute.
//   - end before start wraps past midnight (23:00..04:00).
func WindowActive(tr config.Trigger, now time.Time) bool {
	switch tr.Type {
	case config.TriggerInterval, config.TriggerSpecificDate:
		return true
	case config.TriggerWeekly:
		if !containsInt(tr.DaysOfWeek, int(now.Weekday())) {
			return false
		}
	case config.TriggerMonthly:
		if !containsInt(tr.DaysOfMonth, now.Day()) {
			return false
		}
	case config.TriggerScheduled, config.TriggerRandomTime:
	default:
		return false
	}

	sh, sm, err := config.ParseHHMM(tr.StartTime)
	if err != nil {
		return false
	}
	start := sh*60 + sm
	cur := now.Hour()*60 + now.Minute()

	if strings.TrimSpace(tr.EndTime) == "" {
		// No end: the window is exactly the start minute.
		return cur == start
	}
	eh, em, err := config.ParseHHMM(tr.EndTime)
	if err != nil {
		return false
	}
	end := eh*60 + em

	switch {
	case start == end:
		return true
	case start < end:
		return cur >= start && cur < end
	default:
		// Wraps past midnight.
		return cur >= start || cur < end
	}
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
