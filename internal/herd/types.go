// Package herd implements the discrete-event dairy herd simulator: animal
// state machines, samplers, culling hazards, purchase and replacement
// policies, and two simulation engines (the daily-tick engine and the legacy
// event-queue engine).
//
// The package is pure and synchronous. It performs no I/O; all randomness
// flows through an explicitly seeded *rand.Rand owned by the caller.
package herd

import (
	"fmt"
	"strings"
	"time"
)

// Status is the coarse animal status used by the dataset model and the
// legacy event-queue engine.
type Status string

const (
	StatusHeifer         Status = "heifer"
	StatusPregnantHeifer Status = "pregnant_heifer"
	StatusMilking        Status = "milking"
	StatusDry            Status = "dry"
	StatusArchived       Status = "archived"
)

// EventType discriminates events on the legacy engine's queue.
type EventType string

const (
	EventSuccessInsem EventType = "SUCCESS_INSEM"
	EventDryoff       EventType = "DRYOFF"
	EventCalving      EventType = "CALVING"
	EventCull         EventType = "CULL"
	EventPurchaseIn   EventType = "PURCHASE_IN"
	EventHeiferIntro  EventType = "HEIFER_INTRO"
)

// Date is a calendar date serialized as YYYY-MM-DD. The zero value marshals
// as null and empty strings decode as the zero value, which normalizes
// boundary payloads that send "" for absent dates.
type Date struct {
	time.Time
}

// NewDate builds a Date at UTC midnight.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to a UTC calendar date.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + d.Format("2006-01-02") + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		d.Time = time.Time{}
		return nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return fmt.Errorf("parse date %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// Ptr returns a pointer to d, or nil when d is zero.
func (d Date) Ptr() *Date {
	if d.IsZero() {
		return nil
	}
	return &d
}

// MonthStart returns the first day of t's month.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextMonthStarts returns the first day of each of the `months` months
// following from's month.
func NextMonthStarts(from time.Time, months int) []time.Time {
	out := make([]time.Time, 0, months)
	cur := MonthStart(from).AddDate(0, 1, 0)
	for i := 0; i < months; i++ {
		out = append(out, cur)
		cur = cur.AddDate(0, 1, 0)
	}
	return out
}

// DaysBetween returns the whole days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

// Animal is the per-animal record of the legacy event-queue engine.
type Animal struct {
	ID        int
	BirthDate time.Time
	Lactation int
	Status    Status

	LastCalving  *time.Time
	SuccessInsem *time.Time
	Dryoff       *time.Time
	Archive      *time.Time

	// Next planned calving, when pregnant.
	NextCalving *time.Time

	// Scheduling cursors preventing duplicate enqueues.
	PlannedSuccessInsem *time.Time
	PlannedCull         *time.Time

	// Anchor for DIM measured from the dataset field rather than from the
	// last calving.
	DIMAnchorDate  *time.Time
	DIMAnchorValue *int
}

// AliveOn reports whether the animal has not been archived by day d.
func (a *Animal) AliveOn(d time.Time) bool {
	return a.Archive == nil || a.Archive.After(d)
}

// InMilkingOn reports whether the animal is lactating on day d.
func (a *Animal) InMilkingOn(d time.Time) bool {
	if !a.AliveOn(d) {
		return false
	}
	if a.Lactation <= 0 || a.LastCalving == nil {
		return false
	}
	if a.Dryoff != nil && !a.Dryoff.After(d) {
		return false
	}
	return !a.LastCalving.After(d)
}

// InDryOn reports whether the animal is dry on day d.
func (a *Animal) InDryOn(d time.Time) bool {
	if !a.AliveOn(d) {
		return false
	}
	if a.Dryoff == nil {
		return false
	}
	if a.Dryoff.After(d) {
		return false
	}
	return a.NextCalving == nil || d.Before(*a.NextCalving)
}

// Event is one entry on the legacy engine's min-heap, ordered by (Date, Seq).
type Event struct {
	Date     time.Time
	Seq      int
	Type     EventType
	AnimalID int // 0 when the event has no subject animal
	Payload  *PurchasePayload
}

// PurchasePayload carries pregnant-heifer introduction parameters.
type PurchasePayload struct {
	Count               int
	ExpectedCalvingDate *time.Time
	ExpectedCalvings    []time.Time
	DaysPregnant        *int
}

// AnimalRecord is one parsed dataset row. Dates are factual unless prefixed
// Planned. Culled marks rows whose dataset status indicates the animal has
// left the herd even without an archive date.
type AnimalRecord struct {
	ID             int
	BirthDate      time.Time
	Lactation      int
	Archive        *time.Time
	LastCalving    *time.Time
	SuccessInsem   *time.Time
	Dryoff         *time.Time
	PlannedDry     *time.Time
	PlannedCalving *time.Time
	DaysInMilk     int
	Culled         bool
	StatusGroup    string
}

// SuggestedReportDate returns the maximum factual date across the dataset.
// Planned dates are excluded so the report date cannot drift into the
// future.
func SuggestedReportDate(records []AnimalRecord) (time.Time, error) {
	var max time.Time
	consider := func(t *time.Time) {
		if t != nil && t.After(max) {
			max = *t
		}
	}
	for i := range records {
		r := &records[i]
		if r.BirthDate.After(max) {
			max = r.BirthDate
		}
		consider(r.Archive)
		consider(r.LastCalving)
		consider(r.SuccessInsem)
		consider(r.Dryoff)
	}
	if max.IsZero() {
		return time.Time{}, fmt.Errorf("dataset contains no factual dates")
	}
	return max, nil
}
