package taskset

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind distinguishes fixed-delay periods from calendar expressions.
type ScheduleKind int

const (
	// ScheduleNone is used for kinds that do not run on a schedule.
	ScheduleNone ScheduleKind = iota
	// SchedulePeriodic fires with a fixed delay between the end of one run
	// and the start of the next.
	SchedulePeriodic
	// ScheduleCron fires on a cron calendar.
	ScheduleCron
)

// cronParser accepts the standard five-field grammar, an optional leading
// seconds field and descriptors such as @every or @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// maxPeriodMillis is the longest period representable as a time.Duration.
const maxPeriodMillis = math.MaxInt64 / int64(time.Millisecond)

// Schedule is the parsed form of TaskDefinition.Schedule.
type Schedule struct {
	Kind   ScheduleKind
	Period time.Duration
	Expr   string
	Cron   cron.Schedule
}

// ParseSchedule interprets a schedule string. A value made only of digits is a
// period in milliseconds; anything else must be a cron expression.
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Schedule{}, fmt.Errorf("%w: empty schedule", ErrInvalidSchedule)
	}

	if isDigits(spec) {
		ms, err := strconv.ParseInt(spec, 10, 64)
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: period %q: %v", ErrInvalidSchedule, spec, err)
		}
		if ms > maxPeriodMillis {
			return Schedule{}, fmt.Errorf("%w: period %q exceeds %dms", ErrInvalidSchedule, spec, maxPeriodMillis)
		}
		return Schedule{Kind: SchedulePeriodic, Period: time.Duration(ms) * time.Millisecond, Expr: spec}, nil
	}

	// Quartz-style "no specific value" is equivalent to "*" for this parser.
	expr := strings.ReplaceAll(spec, "?", "*")
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, spec, err)
	}
	return Schedule{Kind: ScheduleCron, Expr: spec, Cron: sched}, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
