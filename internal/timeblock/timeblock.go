package timeblock

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"
)

// DefaultZone is the zone every reservation day is anchored to.
const DefaultZone = "America/Guayaquil"

const dateLayout = "2006-01-02"

var ErrInvalidDate = errors.New("invalid date, expected YYYY-MM-DD")

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
// Touching intervals (9-11 and 11-13) do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd int) bool {
	return aStart < bEnd && aEnd > bStart
}

// ValidHours reports whether start/end form a non-empty block inside a day.
func ValidHours(start, end int) bool {
	return start >= 0 && end <= 24 && start < end
}

// DayRange is the half-open span [Start, End) covering one calendar day.
type DayRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the day.
func (d DayRange) Contains(t time.Time) bool {
	return !t.Before(d.Start) && t.Before(d.End)
}

// ISODate renders the day in the zone it was built in.
func (d DayRange) ISODate() string {
	return d.Start.Format(dateLayout)
}

// ParseDay interprets isoDate as a calendar day in loc.
func ParseDay(isoDate string, loc *time.Location) (DayRange, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(dateLayout, isoDate, loc)
	if err != nil {
		return DayRange{}, fmt.Errorf("%w: %q", ErrInvalidDate, isoDate)
	}
	return DayOf(t), nil
}

// DayOf returns the day containing t, in t's location.
func DayOf(t time.Time) DayRange {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	// AddDate keeps DST days correct; Add(24h) would not.
	return DayRange{Start: start, End: start.AddDate(0, 0, 1)}
}

// PartitionKey identifies the (laboratory, day) partition used to serialize writers.
func PartitionKey(laboratoryID string, day DayRange) string {
	return laboratoryID + "|" + day.ISODate()
}

// LoadLocation resolves name, falling back to DefaultZone when empty.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}
