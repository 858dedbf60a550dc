package trigger

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/robfig/cron/v3"
)

// parser accepts six-field expressions (sec min hour dom month dow), five-field
// expressions with seconds defaulting to 0, and descriptors like @hourly.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a schedule definition into a cron or interval schedule.
//
// Supported forms:
//   - Cron: "*/5 * * * * *", "0 15 3 * * *", "*/5 * * * *", "@hourly"
//   - Interval duration: "5s", "2h30m", "@every 5s"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30"
//
// The prefixes "cron:" and "interval:"/"every:" force one interpretation.
func ParseSchedule(raw string) (domain.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return domain.Schedule{}, parseErr(raw, errors.New("schedule required"))
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(raw, s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(raw, s[len("every:"):])
	case strings.HasPrefix(low, "@every "):
		return parseInterval(raw, s[len("@every "):])
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(raw, s)
	}

	if reHHMM.MatchString(s) {
		return parseInterval(raw, s)
	}

	if _, err := time.ParseDuration(s); err == nil {
		return parseInterval(raw, s)
	}

	return domain.Schedule{}, parseErr(raw, errors.New(
		"use cron like '*/5 * * * * *', HH:MM like '02:30', or a duration like '5s'",
	))
}

func parseCron(raw, expr string) (domain.Schedule, error) {
	if expr == "" {
		return domain.Schedule{}, parseErr(raw, errors.New("cron expression required"))
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return domain.Schedule{}, parseErr(raw, err)
	}
	// Expressions like "0 0 0 30 2 *" parse but never match.
	if sched.Next(time.Now()).IsZero() {
		return domain.Schedule{}, parseErr(raw, errors.New("expression never fires"))
	}
	return domain.Schedule{Kind: domain.ScheduleCron, Expr: expr, Raw: raw}, nil
}

func parseInterval(raw, v string) (domain.Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return domain.Schedule{}, parseErr(raw, errors.New("interval required"))
	}

	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return domain.Schedule{}, parseErr(raw, fmt.Errorf("invalid minutes in %q", v))
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return domain.Schedule{}, parseErr(raw, fmt.Errorf("invalid interval %q", v))
		}
		d = parsed
	}

	if d < time.Second {
		return domain.Schedule{}, parseErr(raw, errors.New("interval must be at least 1s"))
	}
	return domain.Schedule{Kind: domain.ScheduleInterval, Every: d, Raw: raw}, nil
}

func parseErr(raw string, err error) error {
	return &domain.ScheduleParseError{Spec: raw, Err: err}
}

// First returns the first fire instant for a freshly registered schedule
func First(s domain.Schedule, now time.Time) (time.Time, bool) {
	switch s.Kind {
	case domain.ScheduleInterval:
		return now.Add(s.Every), true
	case domain.ScheduleCron:
		return nextCron(s.Expr, now)
	default:
		return time.Time{}, false
	}
}

// Next returns the fire instant following a completed firing at lastFire.
//
// Cron schedules fire at the next matching instant after now. Interval
// schedules are anchored on lastFire so they do not drift; if one or more
// slots were missed the schedule skips to the first slot at or after now.
func Next(s domain.Schedule, lastFire, now time.Time) (time.Time, bool) {
	switch s.Kind {
	case domain.ScheduleInterval:
		if s.Every <= 0 {
			return time.Time{}, false
		}
		next := lastFire.Add(s.Every)
		if !next.Before(now) {
			return next, true
		}
		elapsed := now.Sub(lastFire)
		slots := elapsed / s.Every
		if elapsed%s.Every != 0 {
			slots++
		}
		return lastFire.Add(slots * s.Every), true
	case domain.ScheduleCron:
		return nextCron(s.Expr, now)
	default:
		return time.Time{}, false
	}
}

func nextCron(expr string, after time.Time) (time.Time, bool) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, false
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}
