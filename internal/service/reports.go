package service

import (
	"context"
	"strings"
	"time"

	"github.com/LeventeLantos/lead-sequencer/internal/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type LeadEnrollment struct {
	Lead       model.Lead              `json:"lead"`
	Enrollment model.EnrollmentSummary `json:"enrollment"`
}

type SequenceDashboard struct {
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Cancelled int    `json:"cancelled"`
	Converted int    `json:"converted"`
}

type Dashboard struct {
	PendingMessages int                 `json:"pendingMessages"`
	SentToday       int                 `json:"sentToday"`
	FailedToday     int                 `json:"failedToday"`
	NeedsReview     int                 `json:"needsReview"`
	Sequences       []SequenceDashboard `json:"sequences"`
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

func parseStatusFilter(s string) (model.EnrollmentStatus, error) {
	st := model.EnrollmentStatus(strings.ToLower(strings.TrimSpace(s)))
	if st == "" || st.Valid() {
		return st, nil
	}
	return "", validationf("unknown status %q", s)
}

// Board lists a sequence's enrollments, newest first.
func (e *Engine) Board(ctx context.Context, slug, status string, limit int) ([]model.EnrollmentSummary, error) {
	seq, err := e.catalog.Sequence(slug)
	if err != nil {
		return nil, classify(err)
	}
	st, err := parseStatusFilter(status)
	if err != nil {
		return nil, err
	}

	enrollments, err := e.store.ListBySequence(ctx, seq.Slug, st, clampLimit(limit))
	if err != nil {
		return nil, classify(err)
	}

	out := make([]model.EnrollmentSummary, 0, len(enrollments))
	for _, enr := range enrollments {
		out = append(out, model.Summarize(enr, seq.Name, len(seq.Steps)))
	}
	return out, nil
}

// SequenceLeads is Board joined with lead data. Leads missing from the
// lead store are returned with only their id.
func (e *Engine) SequenceLeads(ctx context.Context, slug, status string, limit int) ([]LeadEnrollment, error) {
	board, err := e.Board(ctx, slug, status, limit)
	if err != nil {
		return nil, err
	}

	out := make([]LeadEnrollment, 0, len(board))
	for _, sum := range board {
		l, err := e.leads.Get(ctx, sum.LeadID)
		if err != nil {
			l = model.Lead{ID: sum.LeadID}
		}
		out = append(out, LeadEnrollment{Lead: l, Enrollment: sum})
	}
	return out, nil
}

func (e *Engine) LeadMessages(ctx context.Context, leadID string, limit int) ([]model.MessageRecord, error) {
	msgs, err := e.store.MessagesByLead(ctx, leadID, clampLimit(limit))
	if err != nil {
		return nil, classify(err)
	}
	if msgs == nil {
		msgs = []model.MessageRecord{}
	}
	return msgs, nil
}

// Dashboard reports counters for the current UTC day.
func (e *Engine) Dashboard(ctx context.Context) (Dashboard, error) {
	now := e.now()
	since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	st, err := e.store.Stats(ctx, since, ConvertedReason)
	if err != nil {
		return Dashboard{}, classify(err)
	}

	d := Dashboard{
		PendingMessages: st.PendingMessages,
		SentToday:       st.SentSince,
		FailedToday:     st.FailedSince,
		NeedsReview:     st.NeedsReview,
	}
	for _, seq := range e.catalog.Sequences() {
		s := st.Sequences[seq.Slug]
		d.Sequences = append(d.Sequences, SequenceDashboard{
			Slug:      seq.Slug,
			Name:      seq.Name,
			Active:    s.Active,
			Completed: s.Completed,
			Cancelled: s.Cancelled,
			Converted: s.Converted,
		})
	}
	return d, nil
}
