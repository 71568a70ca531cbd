// Package timespec implements a minute-resolution recurring calendar predicate.
//
// # Fields
//
// A TimeSpec holds one bitmask per calendar field:
//
//   - hour 0-23
//   - minute 0-59
//   - day of month 1-31
//   - month 1-12
//   - day of week 0-6 (Sunday = 0; 7 is accepted as an alias for Sunday)
//
// An instant matches when every mask contains its field. New returns a spec
// with every field set (matches everything); NewEmpty returns one with every
// field cleared (matches nothing). Constructors taking value lists treat an
// empty list as "all values".
//
// # Cron syntax
//
// Parse accepts 5-field crontab expressions and descriptors such as "@daily",
// and String renders a spec back to that form. Next computes upcoming matches.
//
// # Quirks
//
// FromTime does not constrain day of week even though the instant has one;
// a snapshot taken on a Monday matches the same date and time on any weekday.
package timespec
