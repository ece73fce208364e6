package herd

import (
	"strconv"
	"time"
)

// BuildInitialAnimals derives the legacy engine's animal arena from parsed
// dataset rows. Status is derived from the report date:
// archive on or before the report date means ARCHIVED; heifers with a
// success insemination whose +280d calving is still ahead are
// PREGNANT_HEIFER; cows are DRY once dried off, else MILKING. Dry cows
// without a recorded success insemination get it inferred as dry-off - 220.
func BuildInitialAnimals(records []AnimalRecord, reportDate time.Time) map[int]*Animal {
	animals := make(map[int]*Animal, len(records))
	for i := range records {
		r := &records[i]
		a := &Animal{
			ID:           r.ID,
			BirthDate:    r.BirthDate,
			Lactation:    r.Lactation,
			LastCalving:  copyDate(r.LastCalving),
			SuccessInsem: copyDate(r.SuccessInsem),
			Dryoff:       copyDate(r.Dryoff),
			Archive:      copyDate(r.Archive),
		}
		if r.DaysInMilk > 0 {
			anchor := reportDate
			v := r.DaysInMilk
			a.DIMAnchorDate = &anchor
			a.DIMAnchorValue = &v
		}

		switch {
		case a.Archive != nil && !a.Archive.After(reportDate):
			a.Status = StatusArchived
		case a.Lactation == 0:
			a.Status = StatusHeifer
			if a.SuccessInsem != nil {
				calv := a.SuccessInsem.AddDate(0, 0, gestationRuleDays)
				if calv.After(reportDate) {
					a.Status = StatusPregnantHeifer
					a.NextCalving = &calv
				}
			}
		default:
			if a.Dryoff != nil && !a.Dryoff.After(reportDate) {
				a.Status = StatusDry
			} else {
				a.Status = StatusMilking
			}
			if a.SuccessInsem != nil {
				calv := a.SuccessInsem.AddDate(0, 0, gestationRuleDays)
				if calv.After(reportDate) {
					a.NextCalving = &calv
				}
			}
			if a.Status == StatusDry && a.SuccessInsem == nil && a.Dryoff != nil {
				inferred := a.Dryoff.AddDate(0, 0, -dryoffRuleDays)
				a.SuccessInsem = &inferred
				calv := inferred.AddDate(0, 0, gestationRuleDays)
				a.NextCalving = &calv
			}
		}
		animals[a.ID] = a
	}
	return animals
}

// SeedKnownEvents pushes the calvings and dry-offs already implied by the
// dataset onto the engine's queue: calving at success + 280 when inside the
// horizon, dry-off at the explicit date or success + 220 for lactating cows
// without one.
func SeedKnownEvents(e *Engine, reportDate, horizonEnd time.Time) {
	for _, id := range e.sortedIDs() {
		a := e.Animals[id]
		if a.Status == StatusArchived || a.SuccessInsem == nil {
			continue
		}
		calv := a.SuccessInsem.AddDate(0, 0, gestationRuleDays)
		if calv.After(reportDate) && !calv.After(horizonEnd) {
			e.Push(calv, EventCalving, a.ID, nil)
			a.NextCalving = &calv
		}
		if a.Lactation > 0 {
			switch {
			case a.Dryoff != nil && a.Dryoff.After(reportDate) && !a.Dryoff.After(horizonEnd):
				e.Push(*a.Dryoff, EventDryoff, a.ID, nil)
			case a.Dryoff == nil:
				dry := a.SuccessInsem.AddDate(0, 0, dryoffRuleDays)
				if dry.After(reportDate) && !dry.After(horizonEnd) {
					e.Push(dry, EventDryoff, a.ID, nil)
				}
			}
		}
	}
}

// BuildInitialCows derives the daily-tick engine's herd from parsed dataset
// rows. Rows already culled or archived are skipped; the fine-grained state
// is derived from lactation and the factual dates.
func BuildInitialCows(records []AnimalRecord, reportDate time.Time, vwp int) []*Cow {
	cows := make([]*Cow, 0, len(records))
	for i := range records {
		r := &records[i]
		if r.Culled || r.Archive != nil {
			continue
		}

		state, daysInStatus := deriveCowState(r, reportDate, vwp)
		cow := &Cow{
			ID:             idString(r.ID),
			BirthDate:      r.BirthDate,
			State:          state,
			Lactation:      r.Lactation,
			LastCalving:    copyDate(r.LastCalving),
			Conception:     copyDate(r.SuccessInsem),
			DryDate:        copyDate(r.Dryoff),
			PlannedDry:     copyDate(r.PlannedDry),
			PlannedCalving: copyDate(r.PlannedCalving),
			DaysInStatus:   daysInStatus,
			DaysInMilk:     r.DaysInMilk,
		}
		cows = append(cows, cow)
	}
	return cows
}

func deriveCowState(r *AnimalRecord, today time.Time, vwp int) (CowState, int) {
	if r.Lactation == 0 {
		if r.SuccessInsem == nil {
			return CowHeifer, DaysBetween(r.BirthDate, today)
		}
		return CowPregnantHeifer, DaysBetween(*r.SuccessInsem, today)
	}
	if r.Dryoff != nil {
		return CowDry, DaysBetween(*r.Dryoff, today)
	}
	if r.SuccessInsem != nil {
		return CowPregnant, DaysBetween(*r.SuccessInsem, today)
	}
	if r.LastCalving == nil {
		return CowFresh, 0
	}
	daysAfterCalving := DaysBetween(*r.LastCalving, today)
	if daysAfterCalving < vwp {
		return CowFresh, daysAfterCalving
	}
	return CowReadyForBreeding, daysAfterCalving - vwp
}

func idString(id int) string {
	return "A" + strconv.Itoa(id)
}

// InitialSnapshot reports the herd composition before any simulated day has
// elapsed. Average DIM is 0.0 when no cow is milking.
func InitialSnapshot(cows []*Cow, snapDate time.Time) DailyMetrics {
	var milking, dry, heifer, pregHeifer, dimSum int
	for _, c := range cows {
		switch c.State {
		case CowCulled:
			continue
		case CowDry:
			dry++
		case CowHeifer:
			heifer++
		case CowPregnantHeifer:
			pregHeifer++
		}
		if c.IsMilking() {
			milking++
			dimSum += c.DaysInMilk
		}
	}
	avg := 0.0
	if milking > 0 {
		avg = float64(dimSum) / float64(milking)
	}
	return DailyMetrics{
		Day:                 snapDate,
		MilkingCount:        milking,
		DryCount:            dry,
		HeiferCount:         heifer,
		PregnantHeiferCount: pregHeifer,
		AvgDaysInMilk:       avg,
	}
}
