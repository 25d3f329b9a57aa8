package billing

import "context"

// MaxPreviewOccurrences bounds PreviewSchedule.
const MaxPreviewOccurrences = 200

// SchedulePreview is the next stretch of occurrences an enrolment would
// consume, starting where its current coverage leaves off.
type SchedulePreview struct {
	EnrolmentID EnrolmentID
	From        Day
	Occurrences []Occurrence
}

// PreviewSchedule walks count occurrences from the enrolment's next
// coverage start. Read-only.
func (r *Reconciler) PreviewSchedule(ctx context.Context, id EnrolmentID, count int) (SchedulePreview, error) {
	if count < 1 || count > MaxPreviewOccurrences {
		return SchedulePreview{}, invalid("count", "must be between 1 and %d, got %d", MaxPreviewOccurrences, count)
	}
	today := r.today()

	var out SchedulePreview
	err := r.Store.WithTx(ctx, func(s Store) error {
		detail, err := s.GetEnrolment(ctx, id)
		if err != nil {
			return err
		}
		e := detail.Enrolment
		from := MaxDay(e.StartDate, today)
		if billingTypeOf(e, detail.Plan) == BillingPerWeek {
			from = WeeklyCoverageStart(e.StartDate, e.PaidThrough, today)
		}

		holidays, cancellations, err := scheduleExclusions(ctx, s, detail.Templates, today)
		if err != nil {
			return err
		}
		occs, err := BuildOccurrenceSchedule(ScheduleInput{
			Start:             from,
			Templates:         detail.Templates,
			Holidays:          holidays,
			Cancellations:     cancellations,
			OccurrencesNeeded: count,
			SessionsPerWeek:   EffectiveSessionsPerWeek(detail.Plan, len(detail.Templates)),
		})
		if err != nil {
			return withEnrolment(err, id)
		}
		out = SchedulePreview{EnrolmentID: id, From: from, Occurrences: occs}
		return nil
	})
	return out, err
}
