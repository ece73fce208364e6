package herd

import (
	"container/heap"
	"math/rand"
	"sort"
	"time"
)

// eventHeap is a min-heap of events ordered by (Date, Seq). The sequence
// number breaks ties so processing order is deterministic.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if !h[i].Date.Equal(h[j].Date) {
		return h[i].Date.Before(h[j].Date)
	}
	return h[i].Seq < h[j].Seq
}
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)        { *h = append(*h, x.(*Event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ev
}

// DIMMode selects how days-in-milk is measured.
type DIMMode string

const (
	// DIMFromCalving measures DIM from the last calving date.
	DIMFromCalving DIMMode = "from_calving"
	// DIMFromDatasetField anchors DIM to the dataset's days-in-milk column.
	DIMFromDatasetField DIMMode = "from_dataset_field"
)

// EngineConfig parameterizes the legacy event-queue engine.
type EngineConfig struct {
	ReportDate time.Time
	HorizonEnd time.Time

	Service     ServicePeriodPolicy
	Heifer      HeiferInsemPolicy
	Cull        *CullingPolicy
	Replacement ReplacementPolicy

	DIM DIMMode
}

// MonthlyEvents accumulates event counts for one calendar month.
type MonthlyEvents struct {
	MonthStart   time.Time
	Calvings     int
	Dryoffs      int
	Culls        int
	PurchasesIn  int
	HeiferIntros int
}

// Snapshot is one point of a simulation run. AvgDaysInMilk is nil when no
// animal is milking on the snapshot day (legacy convention).
type Snapshot struct {
	Date           time.Time
	Milking        int
	Dry            int
	Heifer         int
	PregnantHeifer int
	AvgDaysInMilk  *float64
}

// Engine executes the legacy discrete-event simulation: a min-heap of
// future events drained up to each snapshot date.
type Engine struct {
	Animals map[int]*Animal
	Months  map[time.Time]*MonthlyEvents

	rng   *rand.Rand
	cfg   EngineConfig
	seq   int
	queue eventHeap
	maxID int
}

// NewEngine creates an engine over the given animal arena.
func NewEngine(animals map[int]*Animal, rng *rand.Rand, cfg EngineConfig) *Engine {
	maxID := 0
	for id := range animals {
		if id > maxID {
			maxID = id
		}
	}
	if cfg.DIM == "" {
		cfg.DIM = DIMFromCalving
	}
	e := &Engine{
		Animals: animals,
		Months:  make(map[time.Time]*MonthlyEvents),
		rng:     rng,
		cfg:     cfg,
		maxID:   maxID,
	}
	heap.Init(&e.queue)
	return e
}

// Push enqueues an event.
func (e *Engine) Push(date time.Time, et EventType, animalID int, payload *PurchasePayload) {
	e.seq++
	heap.Push(&e.queue, &Event{Date: date, Seq: e.seq, Type: et, AnimalID: animalID, Payload: payload})
}

func (e *Engine) popReady(until time.Time) []*Event {
	var out []*Event
	for e.queue.Len() > 0 && !e.queue[0].Date.After(until) {
		out = append(out, heap.Pop(&e.queue).(*Event))
	}
	return out
}

func (e *Engine) bumpMonth(d time.Time, bump func(*MonthlyEvents)) {
	m := MonthStart(d)
	ev, ok := e.Months[m]
	if !ok {
		ev = &MonthlyEvents{MonthStart: m}
		e.Months[m] = ev
	}
	bump(ev)
}

// ScheduleInsemIfNeeded schedules the next success insemination for an
// animal that is alive, not pregnant and not already scheduled.
func (e *Engine) ScheduleInsemIfNeeded(a *Animal, now time.Time) {
	if !a.AliveOn(now) {
		return
	}
	if a.SuccessInsem != nil && a.NextCalving != nil && a.NextCalving.After(now) {
		return // already pregnant
	}
	if a.PlannedSuccessInsem != nil && a.PlannedSuccessInsem.After(now) {
		return
	}

	if a.Lactation == 0 {
		if a.Status == StatusHeifer {
			s := e.cfg.Heifer.SampleFirstSuccessInsem(e.rng, a.BirthDate, now)
			e.Push(s, EventSuccessInsem, a.ID, nil)
			a.PlannedSuccessInsem = &s
		}
		return
	}
	if a.Status == StatusMilking || a.Status == StatusDry {
		s := e.cfg.Service.SampleSuccessInsemDate(e.rng, a, now)
		e.Push(s, EventSuccessInsem, a.ID, nil)
		a.PlannedSuccessInsem = &s
	}
}

// ScheduleCullIfNeeded draws a cull-date candidate for an animal.
func (e *Engine) ScheduleCullIfNeeded(a *Animal, now time.Time) {
	if !a.AliveOn(now) || a.Archive != nil {
		return
	}
	if a.PlannedCull != nil && a.PlannedCull.After(now) {
		return
	}
	if d := e.cfg.Cull.SampleCullDate(e.rng, a.Lactation, now, e.cfg.HorizonEnd); d != nil {
		e.Push(*d, EventCull, a.ID, nil)
		a.PlannedCull = d
	}
}

// InitSchedules seeds cull and insemination events for all animals in
// ascending ID order so the RNG stream is consumed deterministically.
func (e *Engine) InitSchedules(now time.Time) {
	for _, id := range e.sortedIDs() {
		a := e.Animals[id]
		e.ScheduleCullIfNeeded(a, now)
		e.ScheduleInsemIfNeeded(a, now)
	}
}

func (e *Engine) sortedIDs() []int {
	ids := make([]int, 0, len(e.Animals))
	for id := range e.Animals {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (e *Engine) handleSuccessInsem(a *Animal, t time.Time) {
	if !a.AliveOn(t) {
		return
	}
	if a.SuccessInsem != nil && a.NextCalving != nil && a.NextCalving.After(t) {
		return
	}
	a.PlannedSuccessInsem = nil
	d := t
	a.SuccessInsem = &d

	calving := t.AddDate(0, 0, gestationRuleDays)
	a.NextCalving = &calving
	e.Push(calving, EventCalving, a.ID, nil)

	if a.Lactation > 0 {
		dryoff := t.AddDate(0, 0, dryoffRuleDays)
		a.Dryoff = &dryoff
		e.Push(dryoff, EventDryoff, a.ID, nil)
	} else {
		a.Status = StatusPregnantHeifer
	}
}

func (e *Engine) handleDryoff(a *Animal, t time.Time) {
	if !a.AliveOn(t) {
		return
	}
	d := t
	a.Dryoff = &d
	a.Status = StatusDry
	e.bumpMonth(t, func(m *MonthlyEvents) { m.Dryoffs++ })
}

func (e *Engine) createCalfIfFemale(t time.Time, prob float64) {
	if e.rng.Float64() < prob {
		e.maxID++
		calf := &Animal{ID: e.maxID, BirthDate: t, Status: StatusHeifer}
		e.Animals[calf.ID] = calf
		e.ScheduleCullIfNeeded(calf, t)
		e.ScheduleInsemIfNeeded(calf, t)
	}
}

func (e *Engine) handleCalving(a *Animal, t time.Time) {
	if !a.AliveOn(t) {
		return
	}

	a.Status = StatusMilking
	if a.Lactation < 0 {
		a.Lactation = 0
	}
	a.Lactation++
	d := t
	a.LastCalving = &d

	a.SuccessInsem = nil
	a.NextCalving = nil
	a.Dryoff = nil
	a.PlannedSuccessInsem = nil
	anchor := t
	zero := 0
	a.DIMAnchorDate = &anchor
	a.DIMAnchorValue = &zero

	e.bumpMonth(t, func(m *MonthlyEvents) { m.Calvings++ })
	e.createCalfIfFemale(t, 0.5)
	e.ScheduleInsemIfNeeded(a, t)
}

func (e *Engine) handleCull(a *Animal, t time.Time) {
	if !a.AliveOn(t) {
		return
	}
	a.Status = StatusArchived
	d := t
	a.Archive = &d
	a.PlannedCull = nil
	e.bumpMonth(t, func(m *MonthlyEvents) { m.Culls++ })
}

func (e *Engine) handlePurchaseIn(t time.Time, payload *PurchasePayload) {
	if payload == nil {
		return
	}
	e.bumpMonth(t, func(m *MonthlyEvents) { m.PurchasesIn += payload.Count })
	e.createPregnantHeifers(t, payload)
}

func (e *Engine) handleHeiferIntro(t time.Time, payload *PurchasePayload) {
	if payload == nil {
		return
	}
	e.bumpMonth(t, func(m *MonthlyEvents) { m.HeiferIntros += payload.Count })
	e.createPregnantHeifers(t, payload)
}

// Gestation and dry-off rule constants used for dataset-known pregnancies.
const (
	gestationRuleDays = 280
	dryoffRuleDays    = 220
)

func (e *Engine) createPregnantHeifers(t time.Time, payload *PurchasePayload) {
	for i := 0; i < payload.Count; i++ {
		e.maxID++
		h := &Animal{
			ID:        e.maxID,
			BirthDate: t.AddDate(0, 0, -500),
			Status:    StatusPregnantHeifer,
		}

		var calving time.Time
		switch {
		case len(payload.ExpectedCalvings) > 0:
			idx := i
			if idx >= len(payload.ExpectedCalvings) {
				idx = len(payload.ExpectedCalvings) - 1
			}
			calving = payload.ExpectedCalvings[idx]
		case payload.ExpectedCalvingDate != nil:
			calving = *payload.ExpectedCalvingDate
		case payload.DaysPregnant != nil:
			success := t.AddDate(0, 0, -*payload.DaysPregnant)
			calving = success.AddDate(0, 0, gestationRuleDays)
		default:
			calving = t.AddDate(0, 0, randIntInclusive(e.rng, 120, 240))
		}
		success := calving.AddDate(0, 0, -gestationRuleDays)

		h.SuccessInsem = &success
		h.NextCalving = &calving

		e.Animals[h.ID] = h
		e.Push(calving, EventCalving, h.ID, nil)
		e.ScheduleCullIfNeeded(h, t)
	}
}

// StepEventsUntil drains and applies all events dated up to and including
// until.
func (e *Engine) StepEventsUntil(until time.Time) {
	for _, ev := range e.popReady(until) {
		switch ev.Type {
		case EventPurchaseIn:
			e.handlePurchaseIn(ev.Date, ev.Payload)
			continue
		case EventHeiferIntro:
			e.handleHeiferIntro(ev.Date, ev.Payload)
			continue
		}

		a, ok := e.Animals[ev.AnimalID]
		if !ok {
			continue
		}
		switch ev.Type {
		case EventSuccessInsem:
			e.handleSuccessInsem(a, ev.Date)
		case EventDryoff:
			e.handleDryoff(a, ev.Date)
		case EventCalving:
			e.handleCalving(a, ev.Date)
		case EventCull:
			e.handleCull(a, ev.Date)
		}
	}
}

// CountsOn returns (milking, dry, heifer, pregnant heifer) head counts on
// day d.
func (e *Engine) CountsOn(d time.Time) (milking, dry, heifer, pregHeifer int) {
	for _, a := range e.Animals {
		if !a.AliveOn(d) {
			continue
		}
		if a.Lactation == 0 {
			if a.Status == StatusPregnantHeifer {
				pregHeifer++
			} else {
				heifer++
			}
			continue
		}
		if a.InDryOn(d) || a.Status == StatusDry {
			dry++
		} else if a.InMilkingOn(d) || a.Status == StatusMilking {
			milking++
		}
	}
	return milking, dry, heifer, pregHeifer
}

// AvgDaysInMilkOn returns the average DIM over milking animals on day d, or
// nil when none are milking.
func (e *Engine) AvgDaysInMilkOn(d time.Time) *float64 {
	total, n := 0, 0
	for _, a := range e.Animals {
		if !a.InMilkingOn(d) {
			continue
		}
		dim, ok := e.estimateDIM(a, d)
		if !ok {
			continue
		}
		total += dim
		n++
	}
	if n == 0 {
		return nil
	}
	avg := float64(total) / float64(n)
	return &avg
}

func (e *Engine) estimateDIM(a *Animal, d time.Time) (int, bool) {
	if e.cfg.DIM == DIMFromDatasetField && a.DIMAnchorDate != nil && a.DIMAnchorValue != nil {
		v := *a.DIMAnchorValue + DaysBetween(*a.DIMAnchorDate, d)
		if v < 0 {
			v = 0
		}
		return v, true
	}
	if a.LastCalving == nil {
		return 0, false
	}
	v := DaysBetween(*a.LastCalving, d)
	if v < 0 {
		v = 0
	}
	return v, true
}

// ApplyReplacementPolicy checks planned first-calvings over the lookahead
// window against the annual target and schedules a HEIFER_INTRO covering
// any deficit.
func (e *Engine) ApplyReplacementPolicy(d time.Time) {
	rp := e.cfg.Replacement
	if !rp.Enabled {
		return
	}

	milking, _, _, _ := e.CountsOn(d)
	target := rp.TargetFirstCalvings(milking)
	if target <= 0 {
		return
	}

	lookaheadEnd := d.AddDate(0, 0, 30*rp.LookaheadMonths)
	scheduled := 0
	for _, a := range e.Animals {
		if !a.AliveOn(d) {
			continue
		}
		if a.Lactation == 0 && a.NextCalving != nil && a.NextCalving.After(d) && !a.NextCalving.After(lookaheadEnd) {
			scheduled++
		}
	}

	deficit := target - scheduled
	if deficit <= 0 {
		return
	}

	calvings := make([]time.Time, deficit)
	for i := range calvings {
		calvings[i] = d.AddDate(0, 0, randIntInclusive(e.rng, 30, 30*rp.LookaheadMonths))
	}
	e.Push(d, EventHeiferIntro, 0, &PurchasePayload{Count: deficit, ExpectedCalvings: calvings})
}

// Run drains events up to each snapshot date, applying the replacement
// policy on month starts, and returns one snapshot per date.
func (e *Engine) Run(snapshotDates []time.Time) []Snapshot {
	out := make([]Snapshot, 0, len(snapshotDates))
	for _, snap := range snapshotDates {
		e.StepEventsUntil(snap)
		if snap.Day() == 1 {
			e.ApplyReplacementPolicy(snap)
			e.StepEventsUntil(snap)
		}

		milking, dry, heifer, pregHeifer := e.CountsOn(snap)
		out = append(out, Snapshot{
			Date:           snap,
			Milking:        milking,
			Dry:            dry,
			Heifer:         heifer,
			PregnantHeifer: pregHeifer,
			AvgDaysInMilk:  e.AvgDaysInMilkOn(snap),
		})
	}
	return out
}
