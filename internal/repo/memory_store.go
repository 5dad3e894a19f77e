package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/lead-sequencer/internal/model"
)

// MemoryStore keeps everything in process memory. A single mutex
// serializes all mutations.
type MemoryStore struct {
	mu          sync.Mutex
	nextID      int64
	enrollments []model.Enrollment
	messages    []model.MessageRecord
	overrides   map[overrideKey]StepOverride
}

var _ Store = (*MemoryStore)(nil)

type overrideKey struct {
	slug  string
	order int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{overrides: make(map[overrideKey]StepOverride)}
}

func (s *MemoryStore) Enroll(ctx context.Context, p EnrollParams) (model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.enrollLocked(p)
}

func (s *MemoryStore) enrollLocked(p EnrollParams) (model.Enrollment, error) {
	for _, e := range s.enrollments {
		if e.LeadID != p.LeadID || e.Status != model.Active {
			continue
		}
		if e.SequenceSlug == p.SequenceSlug {
			return model.Enrollment{}, ErrActiveEnrollmentExists
		}
		if p.AllowConcurrent != nil && !p.AllowConcurrent(e.SequenceSlug, p.SequenceSlug) {
			return model.Enrollment{}, ErrConcurrentEnrollment
		}
	}

	s.nextID++
	at := p.EnrolledAt.UTC()
	e := model.Enrollment{
		ID:              s.nextID,
		LeadID:          p.LeadID,
		SequenceSlug:    p.SequenceSlug,
		Status:          model.Active,
		MessagesPending: p.TotalSteps,
		EnrolledAt:      at,
		ReferenceTime:   utcPtr(p.ReferenceTime),
		UpdatedAt:       at,
	}
	if p.TotalSteps == 0 {
		e.Status = model.Completed
		e.CompletedAt = &at
	}
	s.enrollments = append(s.enrollments, e)
	return e, nil
}

func (s *MemoryStore) Cancel(ctx context.Context, leadID, slug, reason string, at time.Time) ([]model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var slugs []string
	if slug != "" {
		slugs = []string{slug}
	}
	return s.cancelLocked(leadID, slugs, reason, at), nil
}

func (s *MemoryStore) cancelLocked(leadID string, slugs []string, reason string, at time.Time) []model.Enrollment {
	match := func(slug string) bool {
		if len(slugs) == 0 {
			return true
		}
		for _, sl := range slugs {
			if sl == slug {
				return true
			}
		}
		return false
	}

	at = at.UTC()
	var out []model.Enrollment
	for i := range s.enrollments {
		e := &s.enrollments[i]
		if e.LeadID != leadID || e.Status != model.Active || !match(e.SequenceSlug) {
			continue
		}
		r := reason
		e.Status = model.Cancelled
		e.CancelledReason = &r
		e.CancelledAt = &at
		e.UpdatedAt = at
		out = append(out, *e)
	}
	return out
}

func (s *MemoryStore) Transition(ctx context.Context, leadID string, cancelSlugs []string, reason string, p EnrollParams) ([]model.Enrollment, model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := append([]model.Enrollment(nil), s.enrollments...)
	nextID := s.nextID

	var cancelled []model.Enrollment
	if len(cancelSlugs) > 0 {
		cancelled = s.cancelLocked(leadID, cancelSlugs, reason, p.EnrolledAt)
	}
	enrolled, err := s.enrollLocked(p)
	if err != nil {
		s.enrollments = snapshot
		s.nextID = nextID
		return nil, model.Enrollment{}, err
	}
	return cancelled, enrolled, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.indexOf(id)
	if !ok {
		return model.Enrollment{}, ErrNotFound
	}
	return s.enrollments[i], nil
}

func (s *MemoryStore) indexOf(id int64) (int, bool) {
	for i := range s.enrollments {
		if s.enrollments[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

func (s *MemoryStore) ListByLead(ctx context.Context, leadID string) ([]model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Enrollment
	for _, e := range s.enrollments {
		if e.LeadID == leadID {
			out = append(out, e)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListActive(ctx context.Context, afterID int64, limit int) ([]model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Enrollment
	for _, e := range s.enrollments {
		if e.Status != model.Active || e.ID <= afterID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListBySequence(ctx context.Context, slug string, status model.EnrollmentStatus, limit int) ([]model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Enrollment
	for _, e := range s.enrollments {
		if e.SequenceSlug != slug || (status != "" && e.Status != status) {
			continue
		}
		out = append(out, e)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Advance(ctx context.Context, id int64, expectedStep, totalSteps int, at time.Time) (model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.indexOf(id)
	if !ok {
		return model.Enrollment{}, ErrNotFound
	}
	e := &s.enrollments[i]
	if e.Status != model.Active {
		return *e, ErrNotActive
	}
	if e.CurrentStep != expectedStep {
		return *e, ErrStepMismatch
	}

	at = at.UTC()
	e.CurrentStep++
	e.MessagesSent++
	e.MessagesPending = max(totalSteps-e.CurrentStep, 0)
	e.FailedAttempts = 0
	e.NeedsReview = false
	e.UpdatedAt = at
	if e.CurrentStep >= totalSteps {
		e.Status = model.Completed
		e.CompletedAt = &at
	}
	return *e, nil
}

func (s *MemoryStore) RecordFailure(ctx context.Context, id int64, expectedStep, maxAttempts int, at time.Time) (model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.indexOf(id)
	if !ok {
		return model.Enrollment{}, ErrNotFound
	}
	e := &s.enrollments[i]
	if e.Status != model.Active {
		return *e, ErrNotActive
	}
	if e.CurrentStep != expectedStep {
		return *e, ErrStepMismatch
	}

	e.FailedAttempts++
	if maxAttempts > 0 && e.FailedAttempts >= maxAttempts {
		e.NeedsReview = true
	}
	e.UpdatedAt = at.UTC()
	return *e, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, rec model.MessageRecord) (model.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Status == model.Sent && !rec.Manual {
		for _, m := range s.messages {
			if m.EnrollmentID == rec.EnrollmentID && m.StepOrder == rec.StepOrder &&
				m.ChannelUsed == rec.ChannelUsed && m.Status == model.Sent && !m.Manual {
				return m, ErrDuplicateSend
			}
		}
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.SentAt = rec.SentAt.UTC()
	s.messages = append(s.messages, rec)
	return rec, nil
}

func (s *MemoryStore) SentMessages(ctx context.Context, enrollmentID int64, stepOrder int) ([]model.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.MessageRecord
	for _, m := range s.messages {
		if m.EnrollmentID == enrollmentID && m.StepOrder == stepOrder && m.Status == model.Sent {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) MessagesByLead(ctx context.Context, leadID string, limit int) ([]model.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.MessageRecord
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].LeadID != leadID {
			continue
		}
		out = append(out, s.messages[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context, since time.Time, convertedReason string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Sequences: make(map[string]SequenceStats)}
	for _, e := range s.enrollments {
		seq := st.Sequences[e.SequenceSlug]
		switch e.Status {
		case model.Active:
			seq.Active++
			st.PendingMessages += e.MessagesPending
			if e.NeedsReview {
				st.NeedsReview++
			}
		case model.Completed:
			seq.Completed++
		case model.Cancelled:
			seq.Cancelled++
			if e.CancelledReason != nil && *e.CancelledReason == convertedReason {
				seq.Converted++
			}
		}
		st.Sequences[e.SequenceSlug] = seq
	}

	for _, m := range s.messages {
		if m.SentAt.Before(since) {
			continue
		}
		switch m.Status {
		case model.Sent:
			st.SentSince++
		case model.Failed:
			st.FailedSince++
		}
	}
	return st, nil
}

func (s *MemoryStore) SaveStepOverride(ctx context.Context, o StepOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := overrideKey{o.SequenceSlug, o.StepOrder}
	prev, ok := s.overrides[key]
	if ok {
		if o.Content.EmailSubject == nil {
			o.Content.EmailSubject = prev.Content.EmailSubject
		}
		if o.Content.EmailBody == nil {
			o.Content.EmailBody = prev.Content.EmailBody
		}
		if o.Content.WhatsAppMessage == nil {
			o.Content.WhatsAppMessage = prev.Content.WhatsAppMessage
		}
	}
	s.overrides[key] = o
	return nil
}

func (s *MemoryStore) StepOverrides(ctx context.Context) ([]StepOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StepOverride, 0, len(s.overrides))
	for _, o := range s.overrides {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceSlug != out[j].SequenceSlug {
			return out[i].SequenceSlug < out[j].SequenceSlug
		}
		return out[i].StepOrder < out[j].StepOrder
	})
	return out, nil
}

func sortNewestFirst(es []model.Enrollment) {
	sort.SliceStable(es, func(i, j int) bool {
		if !es[i].EnrolledAt.Equal(es[j].EnrolledAt) {
			return es[i].EnrolledAt.After(es[j].EnrolledAt)
		}
		return es[i].ID > es[j].ID
	})
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
