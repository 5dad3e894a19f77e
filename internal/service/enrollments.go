package service

import (
	"context"
	"strings"
	"time"

	"github.com/LeventeLantos/lead-sequencer/internal/model"
	"github.com/LeventeLantos/lead-sequencer/internal/repo"
)

const defaultCancelReason = "manual"

type EnrollRequest struct {
	LeadID       string
	SequenceSlug string
	// MeetingTime becomes the enrollment's reference time.
	MeetingTime *time.Time
}

func (e *Engine) Enroll(ctx context.Context, req EnrollRequest) (model.Enrollment, error) {
	req.LeadID = strings.TrimSpace(req.LeadID)
	req.SequenceSlug = strings.TrimSpace(req.SequenceSlug)
	if req.LeadID == "" || req.SequenceSlug == "" {
		return model.Enrollment{}, validationf("leadId and sequenceSlug are required")
	}

	seq, err := e.catalog.Sequence(req.SequenceSlug)
	if err != nil {
		return model.Enrollment{}, classify(err)
	}
	if seq.RequiresReferenceTime && req.MeetingTime == nil {
		return model.Enrollment{}, validationf("sequence %q requires meetingTime", seq.Slug)
	}
	if _, err := e.leads.Get(ctx, req.LeadID); err != nil {
		return model.Enrollment{}, classify(err)
	}

	enr, err := e.store.Enroll(ctx, repo.EnrollParams{
		LeadID:          req.LeadID,
		SequenceSlug:    seq.Slug,
		TotalSteps:      len(seq.Steps),
		ReferenceTime:   req.MeetingTime,
		EnrolledAt:      e.now(),
		AllowConcurrent: e.catalog.AllowsConcurrent,
	})
	if err != nil {
		return model.Enrollment{}, classify(err)
	}

	e.log.Info("lead enrolled", "lead_id", enr.LeadID, "sequence", enr.SequenceSlug, "enrollment_id", enr.ID)
	return enr, nil
}

// Cancel cancels the lead's active enrollment in slug, or all of its
// active enrollments when slug is empty. Cancelling nothing succeeds.
func (e *Engine) Cancel(ctx context.Context, leadID, slug, reason string) ([]model.Enrollment, error) {
	leadID = strings.TrimSpace(leadID)
	slug = strings.TrimSpace(slug)
	if leadID == "" {
		return nil, validationf("leadId is required")
	}
	if slug != "" {
		if _, err := e.catalog.Sequence(slug); err != nil {
			return nil, classify(err)
		}
	}
	if strings.TrimSpace(reason) == "" {
		reason = defaultCancelReason
	}

	cancelled, err := e.store.Cancel(ctx, leadID, slug, reason, e.now())
	if err != nil {
		return nil, classify(err)
	}
	for _, c := range cancelled {
		e.log.Info("enrollment cancelled", "lead_id", leadID, "sequence", c.SequenceSlug, "enrollment_id", c.ID, "reason", reason)
	}
	if cancelled == nil {
		cancelled = []model.Enrollment{}
	}
	return cancelled, nil
}

// Status aggregates every enrollment of a lead, newest first.
func (e *Engine) Status(ctx context.Context, leadID string) (model.LeadStatus, error) {
	enrollments, err := e.store.ListByLead(ctx, leadID)
	if err != nil {
		return model.LeadStatus{}, classify(err)
	}

	st := model.LeadStatus{Enrollments: make([]model.EnrollmentSummary, 0, len(enrollments))}
	for _, enr := range enrollments {
		sum := e.summarize(enr)
		st.Enrollments = append(st.Enrollments, sum)
		if enr.Status == model.Active && st.ActiveSequence == nil {
			active := sum
			st.ActiveSequence = &active
		}
	}
	st.Enrolled = st.ActiveSequence != nil
	return st, nil
}

func (e *Engine) summarize(enr model.Enrollment) model.EnrollmentSummary {
	name := enr.SequenceSlug
	total := 0
	if seq, err := e.catalog.Sequence(enr.SequenceSlug); err == nil {
		name = seq.Name
		total = len(seq.Steps)
	}
	return model.Summarize(enr, name, total)
}
