package trigger

import (
	"math/rand"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantKind  domain.ScheduleKind
		wantEvery time.Duration
		wantExpr  string
		wantErr   bool
	}{
		{name: "six field cron", raw: "*/5 * * * * *", wantKind: domain.ScheduleCron, wantExpr: "*/5 * * * * *"},
		{name: "five field cron", raw: "*/5 * * * *", wantKind: domain.ScheduleCron, wantExpr: "*/5 * * * *"},
		{name: "descriptor", raw: "@hourly", wantKind: domain.ScheduleCron, wantExpr: "@hourly"},
		{name: "forced cron", raw: "cron: 0 15 3 * * *", wantKind: domain.ScheduleCron, wantExpr: "0 15 3 * * *"},
		{name: "duration", raw: "5s", wantKind: domain.ScheduleInterval, wantEvery: 5 * time.Second},
		{name: "compound duration", raw: "2h30m", wantKind: domain.ScheduleInterval, wantEvery: 150 * time.Minute},
		{name: "every descriptor", raw: "@every 10s", wantKind: domain.ScheduleInterval, wantEvery: 10 * time.Second},
		{name: "hh:mm", raw: "00:50", wantKind: domain.ScheduleInterval, wantEvery: 50 * time.Minute},
		{name: "interval prefix", raw: "interval: 02:30", wantKind: domain.ScheduleInterval, wantEvery: 150 * time.Minute},
		{name: "every prefix", raw: "every:1m", wantKind: domain.ScheduleInterval, wantEvery: time.Minute},
		{name: "empty", raw: "  ", wantErr: true},
		{name: "garbage", raw: "sometimes", wantErr: true},
		{name: "bad cron field", raw: "61 * * * * *", wantErr: true},
		{name: "never fires", raw: "0 0 0 30 2 *", wantErr: true},
		{name: "sub second interval", raw: "500ms", wantErr: true},
		{name: "bad minutes", raw: "01:75", wantErr: true},
		{name: "empty forced cron", raw: "cron:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSchedule(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				var parseErr *domain.ScheduleParseError
				assert.ErrorAs(t, err, &parseErr)
				assert.Equal(t, tt.raw, parseErr.Spec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, s.Kind)
			assert.Equal(t, tt.wantEvery, s.Every)
			assert.Equal(t, tt.wantExpr, s.Expr)
			assert.Equal(t, tt.raw, s.Raw)
		})
	}
}

func TestIntervalFirstAndNext(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := ParseSchedule("5s")
	require.NoError(t, err)

	first, ok := First(s, base)
	require.True(t, ok)
	assert.Equal(t, base.Add(5*time.Second), first)

	tests := []struct {
		name     string
		lastFire time.Time
		now      time.Time
		want     time.Time
	}{
		{name: "on time", lastFire: base, now: base.Add(time.Second), want: base.Add(5 * time.Second)},
		{name: "anchored on fire time", lastFire: base, now: base.Add(4900 * time.Millisecond), want: base.Add(5 * time.Second)},
		{name: "missed slots skip forward", lastFire: base, now: base.Add(23 * time.Second), want: base.Add(25 * time.Second)},
		{name: "slot exactly at now", lastFire: base, now: base.Add(20 * time.Second), want: base.Add(20 * time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok := Next(s, tt.lastFire, tt.now)
			require.True(t, ok)
			assert.Equal(t, tt.want, next)
		})
	}
}

func TestCronNext(t *testing.T) {
	s, err := ParseSchedule("0 15 3 * * *")
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 3, 15, 0, 0, time.UTC)
	next, ok := Next(s, now, now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 11, 3, 15, 0, 0, time.UTC), next)

	first, ok := First(s, now.Add(-time.Minute))
	require.True(t, ok)
	assert.Equal(t, now, first)
}

func TestUnknownScheduleKind(t *testing.T) {
	_, ok := First(domain.Schedule{Kind: "lunar"}, time.Now())
	assert.False(t, ok)
	_, ok = Next(domain.Schedule{Kind: domain.ScheduleInterval}, time.Now(), time.Now())
	assert.False(t, ok)
}

// TestCronNextMatchesNaiveScan checks Next against a second-by-second scan:
// the result is strictly after t, matches the expression, and nothing in
// between matches.
func TestCronNextMatchesNaiveScan(t *testing.T) {
	exprs := []string{
		"*/5 * * * * *",
		"0 */2 * * * *",
		"10,40 * * * * *",
		"30 15 3 * * *",
		"0 0 9-17 * * 1-5",
		"0 30 * * * 0",
	}

	rng := rand.New(rand.NewSource(7))
	origin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			s, err := ParseSchedule(expr)
			require.NoError(t, err)
			fields := strings.Fields(expr)

			for i := 0; i < 5; i++ {
				at := origin.Add(time.Duration(rng.Int63n(int64(60 * 24 * time.Hour))))
				next, ok := Next(s, at, at)
				require.True(t, ok)
				require.True(t, next.After(at), "next %s not after %s", next, at)
				require.True(t, matches(fields, next), "next %s does not match", next)

				for c := at.Truncate(time.Second).Add(time.Second); c.Before(next); c = c.Add(time.Second) {
					if matches(fields, c) {
						t.Fatalf("%s matches before next %s (from %s)", c, next, at)
					}
				}
			}
		})
	}
}

func matches(fields []string, at time.Time) bool {
	values := []int{at.Second(), at.Minute(), at.Hour(), at.Day(), int(at.Month()), int(at.Weekday())}
	for i, f := range fields {
		if !fieldMatches(f, values[i]) {
			return false
		}
	}
	return true
}

func fieldMatches(field string, v int) bool {
	for _, part := range strings.Split(field, ",") {
		step := 1
		if i := strings.Index(part, "/"); i >= 0 {
			step, _ = strconv.Atoi(part[i+1:])
			part = part[:i]
		}
		lo, hi := 0, 59
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			lo, _ = strconv.Atoi(bounds[0])
			hi, _ = strconv.Atoi(bounds[1])
		default:
			lo, _ = strconv.Atoi(part)
			hi = lo
		}
		if v >= lo && v <= hi && (v-lo)%step == 0 {
			return true
		}
	}
	return false
}
