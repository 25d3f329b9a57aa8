package billing

import (
	"sort"
)

// =============================================================================
// OCCURRENCE SCHEDULE WALKER
// =============================================================================

// MaxWalkWeeks bounds how far the walker extends its horizon looking for
// usable occurrences.
const MaxWalkWeeks = 520

// ScheduleInput describes one walk.
type ScheduleInput struct {
	Start             Day
	Templates         []Template
	Holidays          []Holiday
	Cancellations     []Cancellation
	OccurrencesNeeded int

	// SessionsPerWeek caps how many occurrences one walked week contributes,
	// earliest first. Zero or negative means one per template.
	SessionsPerWeek int
}

// BuildOccurrenceSchedule walks forward week by week from Start and returns
// exactly OccurrencesNeeded occurrences in calendar order.
//
// Each template contributes at most one occurrence per week, on its weekday.
// A week is the 7-day window [Start+7w, Start+7w+6]. Holidays and
// cancellations consume weeks without producing occurrences, so the walk
// extends as far as needed (up to MaxWalkWeeks).
func BuildOccurrenceSchedule(in ScheduleInput) ([]Occurrence, error) {
	if in.OccurrencesNeeded <= 0 {
		return []Occurrence{}, nil
	}
	templates := uniqueTemplates(in.Templates)
	if len(templates) == 0 {
		return nil, &ScheduleResolutionError{
			Needed: in.OccurrencesNeeded,
			Reason: "no recurring template configured",
		}
	}
	if in.Start.IsZero() {
		return nil, invalid("start", "start date is required")
	}

	cancelled := make(map[occurrenceKey]bool, len(in.Cancellations))
	for _, c := range in.Cancellations {
		cancelled[occurrenceKey{TemplateID: c.TemplateID, Date: c.Date}] = true
	}

	perWeek := in.SessionsPerWeek
	if perWeek <= 0 || perWeek > len(templates) {
		perWeek = len(templates)
	}

	startMinute := make(map[TemplateID]int, len(templates))
	for _, tpl := range templates {
		startMinute[tpl.ID] = tpl.StartMinute
	}

	out := make([]Occurrence, 0, in.OccurrencesNeeded)
	for week := 0; week < MaxWalkWeeks && len(out) < in.OccurrencesNeeded; week++ {
		weekStart := in.Start.AddDays(7 * week)

		var candidates []Occurrence
		for _, tpl := range templates {
			date := weekStart.AddDays(daysUntilWeekday(weekStart, tpl))
			if cancelled[occurrenceKey{TemplateID: tpl.ID, Date: date}] {
				continue
			}
			if excludedByHoliday(in.Holidays, tpl, date) {
				continue
			}
			candidates = append(candidates, Occurrence{Date: date, TemplateID: tpl.ID})
		}
		sortOccurrences(candidates, startMinute)
		if len(candidates) > perWeek {
			candidates = candidates[:perWeek]
		}
		out = append(out, candidates...)
	}

	if len(out) < in.OccurrencesNeeded {
		return nil, &ScheduleResolutionError{
			Needed: in.OccurrencesNeeded,
			Found:  len(out),
			Reason: "walk horizon exhausted",
		}
	}
	// Weeks never overlap, so truncating the calendar-ordered list keeps the
	// earliest occurrences.
	return out[:in.OccurrencesNeeded], nil
}

type occurrenceKey struct {
	TemplateID TemplateID
	Date       Day
}

func uniqueTemplates(in []Template) []Template {
	seen := make(map[TemplateID]bool, len(in))
	out := make([]Template, 0, len(in))
	for _, tpl := range in {
		if seen[tpl.ID] {
			continue
		}
		seen[tpl.ID] = true
		out = append(out, tpl)
	}
	return out
}

func daysUntilWeekday(from Day, tpl Template) int {
	return (int(tpl.DayOfWeek) - int(from.Weekday()) + 7) % 7
}

func excludedByHoliday(holidays []Holiday, tpl Template, d Day) bool {
	for _, h := range holidays {
		if h.Covers(tpl, d) {
			return true
		}
	}
	return false
}

func sortOccurrences(occs []Occurrence, startMinute map[TemplateID]int) {
	sort.Slice(occs, func(i, j int) bool {
		if !occs[i].Date.Equal(occs[j].Date) {
			return occs[i].Date.Before(occs[j].Date)
		}
		if startMinute[occs[i].TemplateID] != startMinute[occs[j].TemplateID] {
			return startMinute[occs[i].TemplateID] < startMinute[occs[j].TemplateID]
		}
		return occs[i].TemplateID < occs[j].TemplateID
	})
}

// OccurrenceDates projects occurrences onto their dates.
func OccurrenceDates(occs []Occurrence) []Day {
	out := make([]Day, len(occs))
	for i, o := range occs {
		out[i] = o.Date
	}
	return out
}
