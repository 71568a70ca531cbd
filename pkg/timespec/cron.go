package timespec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// starBit mirrors robfig/cron's marker for "*" fields. Setting it on the
// day-of-month mask makes SpecSchedule AND day-of-month with day-of-week,
// which is how TimeSpec matches.
const starBit = 1 << 63

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse builds a TimeSpec from a 5-field crontab expression
// ("min hour dom month dow") or a calendar descriptor such as "@daily".
//
// Day-of-week 7 means Sunday, as in crontab. Unlike crontab, a restricted
// day-of-month and day-of-week must both match.
// "@every" intervals are rejected: they are not calendar predicates.
func Parse(expr string) (*TimeSpec, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidArgument)
	}
	sched, err := parser.Parse(foldSunday(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("%w: %q is an interval, not a calendar spec", ErrInvalidArgument, expr)
	}
	return &TimeSpec{
		hours:   spec.Hour & hourField.all(),
		minutes: spec.Minute & minuteField.all(),
		days:    (spec.Dom >> 1) & dayField.all(),
		months:  (spec.Month >> 1) & monthField.all(),
		dows:    spec.Dow & dowField.all(),
	}, nil
}

// foldSunday rewrites day-of-week 7 as 0 in a 5-field expression, which
// robfig/cron rejects. "7" becomes "0" and "a-7" becomes "a-6,0" (the 0 is
// kept only if the step lands on 7). Descriptors pass through.
func foldSunday(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 5 || strings.HasPrefix(expr, "@") {
		return expr
	}
	parts := strings.Split(fields[4], ",")
	for i, part := range parts {
		base, step, hasStep := strings.Cut(part, "/")
		if base == "7" && !hasStep {
			parts[i] = "0"
			continue
		}
		lo, hi, isRange := strings.Cut(base, "-")
		if !isRange || hi != "7" {
			continue
		}
		if lo == "7" {
			parts[i] = "0"
			continue
		}
		sunday := true
		if hasStep {
			n, err1 := strconv.Atoi(step)
			start, err2 := strconv.Atoi(lo)
			// Leave anything unusual for the parser to report.
			if err1 != nil || n <= 0 {
				continue
			}
			sunday = err2 != nil || (7-start)%n == 0
		}
		parts[i] = lo + "-6"
		if hasStep {
			parts[i] += "/" + step
		}
		if sunday {
			parts[i] += ",0"
		}
	}
	fields[4] = strings.Join(parts, ",")
	return strings.Join(fields, " ")
}

// MustParse is like Parse but panics on error. Intended for package-level vars and tests.
func MustParse(expr string) *TimeSpec {
	ts, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return ts
}

// Next returns the first whole minute strictly after `after` that matches,
// in after's location. It returns the zero time when nothing matches within
// five years (e.g. February 30th).
func (ts *TimeSpec) Next(after time.Time) time.Time {
	if ts.IsEmpty() {
		return time.Time{}
	}
	sched := &cron.SpecSchedule{
		Second:   1,
		Minute:   ts.minutes,
		Hour:     ts.hours,
		Dom:      ts.days<<1 | starBit,
		Month:    ts.months << 1,
		Dow:      ts.dows,
		Location: after.Location(),
	}
	return sched.Next(after)
}

// NextN returns up to n upcoming matches after `after`.
func (ts *TimeSpec) NextN(after time.Time, n int) []time.Time {
	out := make([]time.Time, 0, max(n, 0))
	t := after
	for i := 0; i < n; i++ {
		t = ts.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

// String renders the spec as a crontab expression. Wildcards print as "*",
// runs as ranges; a field with no allowed value prints as "-".
func (ts *TimeSpec) String() string {
	return strings.Join([]string{
		render(ts.minutes, minuteField),
		render(ts.hours, hourField),
		render(ts.days, dayField),
		render(ts.months, monthField),
		render(ts.dows, dowField),
	}, " ")
}

func render(mask uint64, f field) string {
	switch mask {
	case f.all():
		return "*"
	case 0:
		return "-"
	}
	vals := valuesOf(mask, f)
	var b strings.Builder
	for i := 0; i < len(vals); {
		j := i
		for j+1 < len(vals) && vals[j+1] == vals[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(vals[i]))
		if j > i {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(vals[j]))
		}
		i = j + 1
	}
	return b.String()
}
