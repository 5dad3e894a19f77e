package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/LeventeLantos/lead-sequencer/internal/catalog"
	"github.com/LeventeLantos/lead-sequencer/internal/metrics"
	"github.com/LeventeLantos/lead-sequencer/internal/model"
	"github.com/LeventeLantos/lead-sequencer/internal/repo"
)

const supersededPrefix = "superseded_by:"

// ConvertedReason is the cancel reason counted as a conversion on the
// dashboard.
var ConvertedReason = SupersededReason(catalog.EventMeetingBooked)

func SupersededReason(ev catalog.Event) string {
	return supersededPrefix + string(ev)
}

type TransitionResult struct {
	Cancelled []model.Enrollment `json:"cancelled"`
	Enrolled  model.Enrollment   `json:"enrolled"`
}

func (e *Engine) OnMeetingBooked(ctx context.Context, leadID string, meetingTime time.Time) (TransitionResult, error) {
	if meetingTime.IsZero() {
		return TransitionResult{}, validationf("meetingTime is required")
	}
	t := meetingTime.UTC()
	return e.transition(ctx, catalog.EventMeetingBooked, leadID, &t)
}

func (e *Engine) OnNoShow(ctx context.Context, leadID string) (TransitionResult, error) {
	return e.transition(ctx, catalog.EventNoShow, leadID, nil)
}

func (e *Engine) OnMeetingCompleted(ctx context.Context, leadID string) (TransitionResult, error) {
	return e.transition(ctx, catalog.EventMeetingCompleted, leadID, nil)
}

// transition cancels the sequences the event supersedes and enrolls the
// successor in one store operation.
func (e *Engine) transition(ctx context.Context, ev catalog.Event, leadID string, ref *time.Time) (res TransitionResult, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.LifecycleEventsTotal.WithLabelValues(string(ev), outcome).Inc()
	}()

	leadID = strings.TrimSpace(leadID)
	if leadID == "" {
		return TransitionResult{}, validationf("leadId is required")
	}

	tr, err := e.catalog.Transition(ev)
	if err != nil {
		return TransitionResult{}, classify(err)
	}
	seq, err := e.catalog.Sequence(tr.Enroll)
	if err != nil {
		return TransitionResult{}, classify(err)
	}
	if seq.RequiresReferenceTime && ref == nil {
		return TransitionResult{}, validationf("sequence %q requires a reference time", seq.Slug)
	}
	if _, err := e.leads.Get(ctx, leadID); err != nil {
		return TransitionResult{}, classify(err)
	}

	reason := SupersededReason(ev)
	cancelled, enrolled, err := e.store.Transition(ctx, leadID, tr.Cancel, reason, repo.EnrollParams{
		LeadID:          leadID,
		SequenceSlug:    seq.Slug,
		TotalSteps:      len(seq.Steps),
		ReferenceTime:   ref,
		EnrolledAt:      e.now(),
		AllowConcurrent: e.catalog.AllowsConcurrent,
	})
	if err != nil {
		if errors.Is(err, repo.ErrActiveEnrollmentExists) || errors.Is(err, repo.ErrConcurrentEnrollment) {
			e.log.Warn("lifecycle transition rejected", "event", ev, "lead_id", leadID, "err", err)
		}
		return TransitionResult{}, classify(err)
	}
	if cancelled == nil {
		cancelled = []model.Enrollment{}
	}

	e.log.Info("lifecycle transition applied",
		"event", ev,
		"lead_id", leadID,
		"cancelled", len(cancelled),
		"enrolled", enrolled.SequenceSlug,
		"enrollment_id", enrolled.ID,
	)
	return TransitionResult{Cancelled: cancelled, Enrolled: enrolled}, nil
}
