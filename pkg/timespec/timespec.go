package timespec

import (
	"errors"
	"fmt"
	"math/bits"
	"time"
)

// ErrInvalidArgument is returned (wrapped) when a field value is out of range.
var ErrInvalidArgument = errors.New("timespec: invalid argument")

// field describes one calendar field: the external range accepted by the
// setters and the offset subtracted to get the bit index.
type field struct {
	name     string
	min, max int
	offset   int
	bits     int
}

var (
	hourField   = field{name: "hour", min: 0, max: 23, offset: 0, bits: 24}
	minuteField = field{name: "minute", min: 0, max: 59, offset: 0, bits: 60}
	dayField    = field{name: "day", min: 1, max: 31, offset: 1, bits: 31}
	monthField  = field{name: "month", min: 1, max: 12, offset: 1, bits: 12}
	dowField    = field{name: "day of week", min: 0, max: 7, offset: 0, bits: 7}
)

func (f field) all() uint64 { return 1<<uint(f.bits) - 1 }

// bit validates v and returns its mask bit. Day-of-week 7 folds to Sunday.
func (f field) bit(v int) (uint64, error) {
	if v < f.min || v > f.max {
		return 0, fmt.Errorf("%w: %s %d out of range [%d,%d]", ErrInvalidArgument, f.name, v, f.min, f.max)
	}
	idx := v - f.offset
	if f.bits == 7 && idx == 7 {
		idx = 0
	}
	return 1 << uint(idx), nil
}

// TimeSpec is a recurring calendar predicate: five bitmasks of allowed hour,
// minute, day-of-month, month and day-of-week values. An instant matches when
// every mask contains the corresponding field.
//
// A TimeSpec handed to a scheduler must not be mutated afterwards; Match is
// safe for concurrent readers only while nobody writes.
type TimeSpec struct {
	hours   uint64 // bit h, h in [0,23]
	minutes uint64 // bit m, m in [0,59]
	days    uint64 // bit d-1, d in [1,31]
	months  uint64 // bit m-1, m in [1,12]
	dows    uint64 // bit w, w in [0,6], 0 = Sunday
}

// New returns a TimeSpec where every field is a wildcard: it matches every
// instant until fields are narrowed with the Clear* or Set* methods.
func New() *TimeSpec {
	return &TimeSpec{
		hours:   hourField.all(),
		minutes: minuteField.all(),
		days:    dayField.all(),
		months:  monthField.all(),
		dows:    dowField.all(),
	}
}

// NewEmpty returns a TimeSpec with all five masks cleared. It matches nothing.
func NewEmpty() *TimeSpec { return &TimeSpec{} }

// FromTime captures the hour, minute, day and month of t.
//
// Day-of-week is left as a wildcard even though t has a definite weekday.
func FromTime(t time.Time) *TimeSpec {
	return &TimeSpec{
		hours:   1 << uint(t.Hour()),
		minutes: 1 << uint(t.Minute()),
		days:    1 << uint(t.Day()-1),
		months:  1 << uint(t.Month()-1),
		dows:    dowField.all(),
	}
}

// At returns a spec firing daily at hour:minute.
func At(hour, minute int) (*TimeSpec, error) {
	hb, err := hourField.bit(hour)
	if err != nil {
		return nil, err
	}
	mb, err := minuteField.bit(minute)
	if err != nil {
		return nil, err
	}
	ts := New()
	ts.hours = hb
	ts.minutes = mb
	return ts, nil
}

// Values lists explicit values per field. A nil or empty slice means "all".
type Values struct {
	Hours    []int
	Minutes  []int
	Days     []int // 1-31
	Months   []int // 1-12
	Weekdays []int // 0-7, 7 = Sunday
}

// FromValues builds a TimeSpec from explicit value lists.
func FromValues(v Values) (*TimeSpec, error) {
	ts := &TimeSpec{}
	var err error
	if ts.hours, err = maskOf(hourField, v.Hours); err != nil {
		return nil, err
	}
	if ts.minutes, err = maskOf(minuteField, v.Minutes); err != nil {
		return nil, err
	}
	if ts.days, err = maskOf(dayField, v.Days); err != nil {
		return nil, err
	}
	if ts.months, err = maskOf(monthField, v.Months); err != nil {
		return nil, err
	}
	if ts.dows, err = maskOf(dowField, v.Weekdays); err != nil {
		return nil, err
	}
	return ts, nil
}

func maskOf(f field, vals []int) (uint64, error) {
	if len(vals) == 0 {
		return f.all(), nil
	}
	var m uint64
	for _, v := range vals {
		b, err := f.bit(v)
		if err != nil {
			return 0, err
		}
		m |= b
	}
	return m, nil
}

// ---- mutators ----

func setBit(mask *uint64, f field, v int) error {
	b, err := f.bit(v)
	if err != nil {
		return err
	}
	*mask |= b
	return nil
}

func unsetBit(mask *uint64, f field, v int) error {
	b, err := f.bit(v)
	if err != nil {
		return err
	}
	*mask &^= b
	return nil
}

func (ts *TimeSpec) SetHour(h int) error   { return setBit(&ts.hours, hourField, h) }
func (ts *TimeSpec) ClearHour(h int) error { return unsetBit(&ts.hours, hourField, h) }
func (ts *TimeSpec) SetAllHours()          { ts.hours = hourField.all() }
func (ts *TimeSpec) ClearAllHours()        { ts.hours = 0 }

func (ts *TimeSpec) SetMinute(m int) error   { return setBit(&ts.minutes, minuteField, m) }
func (ts *TimeSpec) ClearMinute(m int) error { return unsetBit(&ts.minutes, minuteField, m) }
func (ts *TimeSpec) SetAllMinutes()          { ts.minutes = minuteField.all() }
func (ts *TimeSpec) ClearAllMinutes()        { ts.minutes = 0 }

// SetDay allows day-of-month d (1-31).
func (ts *TimeSpec) SetDay(d int) error   { return setBit(&ts.days, dayField, d) }
func (ts *TimeSpec) ClearDay(d int) error { return unsetBit(&ts.days, dayField, d) }
func (ts *TimeSpec) SetAllDays()          { ts.days = dayField.all() }
func (ts *TimeSpec) ClearAllDays()        { ts.days = 0 }

// SetMonth allows month m (1-12).
func (ts *TimeSpec) SetMonth(m int) error   { return setBit(&ts.months, monthField, m) }
func (ts *TimeSpec) ClearMonth(m int) error { return unsetBit(&ts.months, monthField, m) }
func (ts *TimeSpec) SetAllMonths()          { ts.months = monthField.all() }
func (ts *TimeSpec) ClearAllMonths()        { ts.months = 0 }

// SetDayOfWeek allows weekday w (0-7, both 0 and 7 mean Sunday).
func (ts *TimeSpec) SetDayOfWeek(w int) error   { return setBit(&ts.dows, dowField, w) }
func (ts *TimeSpec) ClearDayOfWeek(w int) error { return unsetBit(&ts.dows, dowField, w) }
func (ts *TimeSpec) SetAllDaysOfWeek()          { ts.dows = dowField.all() }
func (ts *TimeSpec) ClearAllDaysOfWeek()        { ts.dows = 0 }

// ---- matching ----

// Match reports whether t satisfies every field, evaluated in t's location.
func (ts *TimeSpec) Match(t time.Time) bool {
	return ts.MatchFields(t.Hour(), t.Minute(), t.Month(), t.Day(), t.Weekday())
}

// MatchFields is Match on already extracted fields. Out-of-range values never match.
func (ts *TimeSpec) MatchFields(hour, minute int, month time.Month, day int, dow time.Weekday) bool {
	return has(ts.hours, hour, hourField) &&
		has(ts.minutes, minute, minuteField) &&
		has(ts.months, int(month), monthField) &&
		has(ts.days, day, dayField) &&
		has(ts.dows, int(dow), dowField)
}

func has(mask uint64, v int, f field) bool {
	b, err := f.bit(v)
	return err == nil && mask&b != 0
}

// Clone returns an independent copy.
func (ts *TimeSpec) Clone() *TimeSpec {
	cp := *ts
	return &cp
}

// Equal reports whether both specs hold identical masks.
func (ts *TimeSpec) Equal(o *TimeSpec) bool {
	if ts == nil || o == nil {
		return ts == o
	}
	return *ts == *o
}

// IsEmpty reports whether some field has no allowed value, so nothing can match.
func (ts *TimeSpec) IsEmpty() bool {
	return ts.hours == 0 || ts.minutes == 0 || ts.days == 0 || ts.months == 0 || ts.dows == 0
}

// Hours returns the allowed hours in ascending order.
func (ts *TimeSpec) Hours() []int { return valuesOf(ts.hours, hourField) }

// Minutes returns the allowed minutes in ascending order.
func (ts *TimeSpec) Minutes() []int { return valuesOf(ts.minutes, minuteField) }

// Days returns the allowed days of month (1-31) in ascending order.
func (ts *TimeSpec) Days() []int { return valuesOf(ts.days, dayField) }

// Months returns the allowed months (1-12) in ascending order.
func (ts *TimeSpec) Months() []int { return valuesOf(ts.months, monthField) }

// DaysOfWeek returns the allowed weekdays (0-6) in ascending order.
func (ts *TimeSpec) DaysOfWeek() []int { return valuesOf(ts.dows, dowField) }

func valuesOf(mask uint64, f field) []int {
	out := make([]int, 0, bits.OnesCount64(mask))
	for i := 0; i < f.bits; i++ {
		if mask&(1<<uint(i)) != 0 {
			out = append(out, i+f.offset)
		}
	}
	return out
}
