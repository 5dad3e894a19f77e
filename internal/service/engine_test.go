package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/lead-sequencer/internal/catalog"
	"github.com/LeventeLantos/lead-sequencer/internal/lead"
	"github.com/LeventeLantos/lead-sequencer/internal/model"
	"github.com/LeventeLantos/lead-sequencer/internal/repo"
	"github.com/LeventeLantos/lead-sequencer/internal/service"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type sentMessage struct {
	To   string
	Body string
}

type fakeTransport struct {
	mu       sync.Mutex
	emails   []sentMessage
	texts    []sentMessage
	fail     atomic.Bool
	calls    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	delay    time.Duration

	// failEmail and failText fail a single channel.
	failEmail atomic.Bool
	failText  atomic.Bool
}

func (f *fakeTransport) enter() func() {
	n := f.inFlight.Add(1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeTransport) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	defer f.enter()()
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail.Load() || f.failEmail.Load() {
		return "", errors.New("smtp unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, sentMessage{To: to, Body: subject + "\n" + body})
	return fmt.Sprintf("email-%d", len(f.emails)), nil
}

func (f *fakeTransport) SendText(ctx context.Context, phone, text string) (string, error) {
	defer f.enter()()
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail.Load() || f.failText.Load() {
		return "", errors.New("evolution unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sentMessage{To: phone, Body: text})
	return fmt.Sprintf("wa-%d", len(f.texts)), nil
}

func (f *fakeTransport) counts() (emails, texts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emails), len(f.texts)
}

type harness struct {
	engine    *service.Engine
	store     *repo.MemoryStore
	leads     *lead.MemoryStore
	catalog   *catalog.Catalog
	transport *fakeTransport
	clock     *clock
}

func newHarness(t *testing.T, cfg service.Config) *harness {
	t.Helper()

	h := &harness{
		store:     repo.NewMemoryStore(),
		leads:     lead.NewMemoryStore(),
		catalog:   catalog.Default(),
		transport: &fakeTransport{},
		clock:     &clock{now: t0},
	}
	h.addLead("lead-1")
	h.engine = service.NewEngine(service.Deps{
		Catalog:  h.catalog,
		Store:    h.store,
		Leads:    h.leads,
		Email:    h.transport,
		WhatsApp: h.transport,
		Now:      h.clock.Now,
	}, cfg)
	return h
}

func (h *harness) addLead(id string) {
	h.leads.Put(model.Lead{
		ID:        id,
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     id + "@example.com",
		Phone:     "+36301234567",
		Company:   "Analytical Engines",
	})
}

func (h *harness) step(t *testing.T, slug string, order int) model.Step {
	t.Helper()
	s, err := h.catalog.StepAt(slug, order)
	require.NoError(t, err)
	return s
}

func (h *harness) enrollment(t *testing.T, id int64) model.Enrollment {
	t.Helper()
	e, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (h *harness) sentRecords(t *testing.T, leadID string) []model.MessageRecord {
	t.Helper()
	msgs, err := h.engine.LeadMessages(context.Background(), leadID, 500)
	require.NoError(t, err)
	var out []model.MessageRecord
	for _, m := range msgs {
		if m.Status == model.Sent {
			out = append(out, m)
		}
	}
	return out
}

func assertCounters(t *testing.T, e model.Enrollment, total int) {
	t.Helper()
	assert.LessOrEqual(t, e.MessagesSent+e.MessagesPending, total)
	assert.GreaterOrEqual(t, e.MessagesPending, 0)
}

func TestScenario_NewLeadTimeline(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	enr, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)
	assert.Equal(t, 0, enr.CurrentStep)

	due, err := h.engine.FindDueSteps(ctx, t0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Step.StepOrder)

	report, err := h.engine.ProcessQueue(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	enr = h.enrollment(t, enr.ID)
	assert.Equal(t, 1, enr.CurrentStep)
	assertCounters(t, enr, 3)

	emails, texts := h.transport.counts()
	assert.Equal(t, 1, emails, "step 1 uses both channels")
	assert.Equal(t, 1, texts)

	// Nothing is due before a day has passed.
	due, err = h.engine.FindDueSteps(ctx, t0.Add(23*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	h.clock.Set(t0.Add(25 * time.Hour))
	report, err = h.engine.ProcessQueue(ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	enr = h.enrollment(t, enr.ID)
	assert.Equal(t, 2, enr.CurrentStep)
	assert.Equal(t, model.Active, enr.Status)
	assertCounters(t, enr, 3)

	h.clock.Set(t0.Add(90 * time.Hour))
	report, err = h.engine.ProcessQueue(ctx, t0.Add(90*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	enr = h.enrollment(t, enr.ID)
	assert.Equal(t, 3, enr.CurrentStep)
	assert.Equal(t, model.Completed, enr.Status)
	assert.Equal(t, 3, enr.MessagesSent)
	assert.Equal(t, 0, enr.MessagesPending)

	due, err = h.engine.FindDueSteps(ctx, t0.Add(1000*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	assert.Len(t, h.sentRecords(t, "lead-1"), 3)
}

func TestTemplatesAreRendered(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	_, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)
	_, err = h.engine.ProcessQueue(ctx, t0)
	require.NoError(t, err)

	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	require.Len(t, h.transport.texts, 1)
	assert.Equal(t, "Hi Ada! Thanks for getting in touch. When is a good time for a quick call?", h.transport.texts[0].Body)
	require.Len(t, h.transport.emails, 1)
	assert.Equal(t, "lead-1@example.com", h.transport.emails[0].To)
	assert.Contains(t, h.transport.emails[0].Body, "Thanks for reaching out, Ada")
	assert.Contains(t, h.transport.emails[0].Body, "Analytical Engines")
}

func TestScenario_MeetingBookedSupersedesNewLead(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	first, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)

	meeting := t0.Add(72 * time.Hour)
	res, err := h.engine.OnMeetingBooked(ctx, "lead-1", meeting)
	require.NoError(t, err)

	require.Len(t, res.Cancelled, 1)
	assert.Equal(t, first.ID, res.Cancelled[0].ID)
	assert.Equal(t, model.Cancelled, res.Cancelled[0].Status)
	require.NotNil(t, res.Cancelled[0].CancelledReason)
	assert.Equal(t, "superseded_by:meeting_booked", *res.Cancelled[0].CancelledReason)

	assert.Equal(t, "meeting_booked", res.Enrolled.SequenceSlug)
	assert.Equal(t, model.Active, res.Enrolled.Status)
	require.NotNil(t, res.Enrolled.ReferenceTime)
	assert.True(t, res.Enrolled.ReferenceTime.Equal(meeting))

	st, err := h.engine.Status(ctx, "lead-1")
	require.NoError(t, err)
	assert.True(t, st.Enrolled)
	require.NotNil(t, st.ActiveSequence)
	assert.Equal(t, "meeting_booked", st.ActiveSequence.SequenceSlug)
	assert.Len(t, st.Enrollments, 2)

	dash, err := h.engine.Dashboard(ctx)
	require.NoError(t, err)
	for _, s := range dash.Sequences {
		if s.Slug == "new_lead" {
			assert.Equal(t, 1, s.Converted)
		}
	}
}

func TestScenario_NegativeDelayUsesReferenceTime(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	meeting := t0.Add(72 * time.Hour)
	res, err := h.engine.OnMeetingBooked(ctx, "lead-1", meeting)
	require.NoError(t, err)

	_, err = h.engine.ProcessQueue(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, 1, h.enrollment(t, res.Enrolled.ID).CurrentStep)

	// enrolled_at - 24h would already be due; T - 24h is not.
	due, err := h.engine.FindDueSteps(ctx, t0.Add(47*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = h.engine.FindDueSteps(ctx, meeting.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].Step.StepOrder)
	assert.True(t, due[0].DueAt.Equal(meeting.Add(-24*time.Hour)))
}

func TestEnroll_ConflictAndReenroll(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	first, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)

	_, err = h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	assert.ErrorIs(t, err, service.ErrConflict)

	cancelled, err := h.engine.Cancel(ctx, "lead-1", "new_lead", "")
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "manual", *cancelled[0].CancelledReason)

	st, err := h.engine.Status(ctx, "lead-1")
	require.NoError(t, err)
	assert.False(t, st.Enrolled)
	assert.Nil(t, st.ActiveSequence)

	again, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)
	assert.Equal(t, 0, again.CurrentStep)

	// Cancelling nothing is fine.
	_, err = h.engine.Cancel(ctx, "lead-1", "no_show", "")
	require.NoError(t, err)
}

func TestEnroll_Validation(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	_, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "", SequenceSlug: "new_lead"})
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "nope"})
	assert.ErrorIs(t, err, service.ErrNotFound)

	_, err = h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "ghost", SequenceSlug: "new_lead"})
	assert.ErrorIs(t, err, service.ErrNotFound)

	_, err = h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "meeting_booked"})
	assert.ErrorIs(t, err, service.ErrValidation)
}

func TestEnroll_ConcurrencyPolicy(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	_, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)

	_, err = h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "no_show"})
	require.NoError(t, err, "new_lead and no_show may run together")

	_, err = h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "meeting_completed"})
	assert.ErrorIs(t, err, service.ErrConflict)
}

func TestDispatchStep_TwiceSendsOnce(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	_, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "no_show"})
	require.NoError(t, err)

	due, err := h.engine.FindDueSteps(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)

	first, err := h.engine.DispatchStep(ctx, due[0].Enrollment, due[0].Step)
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeSent, first.Outcome)

	second, err := h.engine.DispatchStep(ctx, due[0].Enrollment, due[0].Step)
	require.NoError(t, err)
	assert.NotEqual(t, service.OutcomeSent, second.Outcome)

	assert.Equal(t, int64(1), h.transport.calls.Load())
	assert.Len(t, h.sentRecords(t, "lead-1"), 1)
	assert.Equal(t, 1, h.enrollment(t, due[0].Enrollment.ID).CurrentStep)
}

func TestDispatchStep_ConcurrentCallsSendOnce(t *testing.T) {
	h := newHarness(t, service.Config{})
	h.transport.delay = 10 * time.Millisecond
	ctx := context.Background()

	enr, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "no_show"})
	require.NoError(t, err)
	step := h.step(t, "no_show", 1)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.DispatchStep(ctx, enr, step)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), h.transport.calls.Load())
	assert.Len(t, h.sentRecords(t, "lead-1"), 1)
	got := h.enrollment(t, enr.ID)
	assert.Equal(t, 1, got.CurrentStep)
	assertCounters(t, got, 3)
}

func TestManualSend_CurrentStepAdvances(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	enr, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)

	rec, err := h.engine.ManualSend(ctx, "lead-1", h.step(t, "new_lead", 1).ID)
	require.NoError(t, err)
	assert.True(t, rec.Manual)
	assert.Equal(t, model.Sent, rec.Status)
	assert.Equal(t, 1, rec.StepOrder)

	got := h.enrollment(t, enr.ID)
	assert.Equal(t, 1, got.CurrentStep)
	assertCounters(t, got, 3)

	// The scheduler continues with step 2, not step 1 again.
	due, err := h.engine.FindDueSteps(ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].Step.StepOrder)
}

func TestManualSend_FutureStepDoesNotAdvance(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	enr, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)

	rec, err := h.engine.ManualSend(ctx, "lead-1", h.step(t, "new_lead", 3).ID)
	require.NoError(t, err)
	assert.True(t, rec.Manual)
	assert.Equal(t, 3, rec.StepOrder)

	got := h.enrollment(t, enr.ID)
	assert.Equal(t, 0, got.CurrentStep)
	assertCounters(t, got, 3)

	// Step 1 is still due automatically.
	due, err := h.engine.FindDueSteps(ctx, t0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Step.StepOrder)
}

func TestManualSend_FutureStepIsCaughtUpWithoutResend(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	enr, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)

	_, err = h.engine.ManualSend(ctx, "lead-1", h.step(t, "new_lead", 2).ID)
	require.NoError(t, err)
	callsAfterManual := h.transport.calls.Load()

	_, err = h.engine.ProcessQueue(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, 1, h.enrollment(t, enr.ID).CurrentStep)

	report, err := h.engine.ProcessQueue(ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.CaughtUp)
	assert.Equal(t, 0, report.Sent)

	got := h.enrollment(t, enr.ID)
	assert.Equal(t, 2, got.CurrentStep)
	assertCounters(t, got, 3)

	// Step 1 uses both channels; step 2 was not sent again.
	assert.Equal(t, callsAfterManual+2, h.transport.calls.Load())
}

func TestManualSend_NextStepBeforeItIsDueAdvances(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	enr, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)
	_, err = h.engine.ProcessQueue(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, 1, h.enrollment(t, enr.ID).CurrentStep)

	// Step 2 is the next step but only comes due a day later.
	due, err := h.engine.FindDueSteps(ctx, t0)
	require.NoError(t, err)
	require.Empty(t, due)

	rec, err := h.engine.ManualSend(ctx, "lead-1", h.step(t, "new_lead", 2).ID)
	require.NoError(t, err)
	assert.True(t, rec.Manual)
	assert.Equal(t, 2, h.enrollment(t, enr.ID).CurrentStep)
	callsAfterManual := h.transport.calls.Load()

	// When step 2 would have come due nothing is sent again.
	report, err := h.engine.ProcessQueue(ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	assert.Zero(t, report.Sent)
	assert.Equal(t, callsAfterManual, h.transport.calls.Load())
}

func TestManualSend_Errors(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	_, err := h.engine.ManualSend(ctx, "lead-1", 99999)
	assert.ErrorIs(t, err, service.ErrNotFound)

	_, err = h.engine.ManualSend(ctx, "lead-1", h.step(t, "new_lead", 1).ID)
	assert.ErrorIs(t, err, service.ErrNotFound, "no active enrollment")

	_, err = h.engine.ManualSend(ctx, "", 1)
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)
	h.transport.fail.Store(true)

	rec, err := h.engine.ManualSend(ctx, "lead-1", h.step(t, "new_lead", 1).ID)
	assert.ErrorIs(t, err, service.ErrTransport)
	assert.Equal(t, model.Failed, rec.Status)
	assert.True(t, rec.Manual)
}

func TestTransportFailure_DoesNotAdvanceAndFlagsReview(t *testing.T) {
	h := newHarness(t, service.Config{MaxAttempts: 2})
	ctx := context.Background()

	enr, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "no_show"})
	require.NoError(t, err)
	h.transport.fail.Store(true)

	now := t0.Add(2 * time.Hour)
	report, err := h.engine.ProcessQueue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got := h.enrollment(t, enr.ID)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Equal(t, 1, got.FailedAttempts)
	assert.False(t, got.NeedsReview)

	// Still due: at-least-once delivery.
	due, err := h.engine.FindDueSteps(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	_, err = h.engine.ProcessQueue(ctx, now)
	require.NoError(t, err)
	got = h.enrollment(t, enr.ID)
	assert.True(t, got.NeedsReview)

	due, err = h.engine.FindDueSteps(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due, "flagged enrollments wait for an operator")

	msgs, err := h.engine.LeadMessages(ctx, "lead-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, model.Failed, m.Status)
		require.NotNil(t, m.Error)
	}

	// A manual send of the step recovers the enrollment.
	h.transport.fail.Store(false)
	_, err = h.engine.ManualSend(ctx, "lead-1", h.step(t, "no_show", 1).ID)
	require.NoError(t, err)
	got = h.enrollment(t, enr.ID)
	assert.Equal(t, 1, got.CurrentStep)
	assert.False(t, got.NeedsReview)
	assert.Zero(t, got.FailedAttempts)
}

func TestBothChannels_FailedChannelIsRetriedAlone(t *testing.T) {
	h := newHarness(t, service.Config{MaxAttempts: 5})
	ctx := context.Background()

	enr, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)
	require.Equal(t, model.ChannelBoth, h.step(t, "new_lead", 1).Channel)
	h.transport.failEmail.Store(true)

	report, err := h.engine.ProcessQueue(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got := h.enrollment(t, enr.ID)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Equal(t, 1, got.FailedAttempts)

	msgs, err := h.engine.LeadMessages(ctx, "lead-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "one record per channel")
	byChannel := map[model.Channel]model.MessageRecord{}
	for _, m := range msgs {
		byChannel[m.ChannelUsed] = m
	}
	assert.Equal(t, model.Sent, byChannel[model.ChannelWhatsApp].Status)
	assert.Equal(t, model.Failed, byChannel[model.ChannelEmail].Status)

	h.transport.failEmail.Store(false)
	report, err = h.engine.ProcessQueue(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	emails, texts := h.transport.counts()
	assert.Equal(t, 1, emails)
	assert.Equal(t, 1, texts, "whatsapp went out on the first attempt only")

	got = h.enrollment(t, enr.ID)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Zero(t, got.FailedAttempts)
	assertCounters(t, got, 3)
}

func TestBothChannels_BrokenChannelNeverResendsTheOther(t *testing.T) {
	h := newHarness(t, service.Config{MaxAttempts: 3})
	ctx := context.Background()

	enr, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)
	h.transport.failEmail.Store(true)

	for range 5 {
		_, err := h.engine.ProcessQueue(ctx, t0)
		require.NoError(t, err)
	}

	emails, texts := h.transport.counts()
	assert.Zero(t, emails)
	assert.Equal(t, 1, texts)

	got := h.enrollment(t, enr.ID)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Equal(t, 3, got.FailedAttempts)
	assert.True(t, got.NeedsReview)

	msgs, err := h.engine.LeadMessages(ctx, "lead-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	var sent, failed int
	for _, m := range msgs {
		switch m.Status {
		case model.Sent:
			sent++
			assert.Equal(t, model.ChannelWhatsApp, m.ChannelUsed)
		case model.Failed:
			failed++
			assert.Equal(t, model.ChannelEmail, m.ChannelUsed)
		}
	}
	assert.Equal(t, 1, sent)
	assert.Equal(t, 3, failed)
}

func TestProcessQueue_IsolatesFailures(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	h.addLead("lead-2")
	h.leads.Put(model.Lead{ID: "lead-3", FirstName: "NoPhone"})

	for _, id := range []string{"lead-1", "lead-2", "lead-3"} {
		_, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: id, SequenceSlug: "no_show"})
		require.NoError(t, err)
	}

	report, err := h.engine.ProcessQueue(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Due)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, report.Failed)
}

func TestProcessQueue_BatchSizeAndParallelism(t *testing.T) {
	h := newHarness(t, service.Config{BatchSize: 4, Concurrency: 3})
	h.transport.delay = 20 * time.Millisecond
	ctx := context.Background()

	for i := range 6 {
		id := fmt.Sprintf("bulk-%d", i)
		h.addLead(id)
		_, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: id, SequenceSlug: "no_show"})
		require.NoError(t, err)
	}

	report, err := h.engine.ProcessQueue(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 6, report.Due)
	assert.Equal(t, 4, report.Sent)
	assert.Equal(t, 2, report.Deferred)
	assert.LessOrEqual(t, h.transport.maxSeen.Load(), int64(3))
	assert.Greater(t, h.transport.maxSeen.Load(), int64(1))

	report, err = h.engine.ProcessQueue(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
}

func TestFindDueSteps_OrderedByDueTimeThenID(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	h.addLead("lead-2")
	h.addLead("lead-3")

	// lead-1 and lead-2 enroll at t0, lead-3 an hour earlier.
	_, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)
	_, err = h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-2", SequenceSlug: "new_lead"})
	require.NoError(t, err)
	h.clock.Set(t0.Add(-time.Hour))
	_, err = h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-3", SequenceSlug: "new_lead"})
	require.NoError(t, err)

	due, err := h.engine.FindDueSteps(ctx, t0)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "lead-3", due[0].Enrollment.LeadID)
	assert.Equal(t, "lead-1", due[1].Enrollment.LeadID)
	assert.Equal(t, "lead-2", due[2].Enrollment.LeadID)
}

func TestLifecycle_NoShowAndCompleted(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	_, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)
	_, err = h.engine.OnMeetingBooked(ctx, "lead-1", t0.Add(48*time.Hour))
	require.NoError(t, err)

	res, err := h.engine.OnNoShow(ctx, "lead-1")
	require.NoError(t, err)
	require.Len(t, res.Cancelled, 1)
	assert.Equal(t, "meeting_booked", res.Cancelled[0].SequenceSlug)
	assert.Equal(t, "superseded_by:no_show", *res.Cancelled[0].CancelledReason)
	assert.Equal(t, "no_show", res.Enrolled.SequenceSlug)

	res, err = h.engine.OnMeetingCompleted(ctx, "lead-1")
	require.NoError(t, err)
	require.Len(t, res.Cancelled, 1)
	assert.Equal(t, "no_show", res.Cancelled[0].SequenceSlug)
	assert.Equal(t, "meeting_completed", res.Enrolled.SequenceSlug)

	st, err := h.engine.Status(ctx, "lead-1")
	require.NoError(t, err)
	active := 0
	for _, e := range st.Enrollments {
		if e.Status == model.Active {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestLifecycle_Validation(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	_, err := h.engine.OnMeetingBooked(ctx, "lead-1", time.Time{})
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = h.engine.OnNoShow(ctx, "ghost")
	assert.ErrorIs(t, err, service.ErrNotFound)

	st, err := h.engine.Status(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, st.Enrolled)
}

func TestLifecycle_RescheduleReplacesMeeting(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	first, err := h.engine.OnMeetingBooked(ctx, "lead-1", t0.Add(48*time.Hour))
	require.NoError(t, err)

	later := t0.Add(96 * time.Hour)
	second, err := h.engine.OnMeetingBooked(ctx, "lead-1", later)
	require.NoError(t, err)
	require.Len(t, second.Cancelled, 1)
	assert.Equal(t, first.Enrolled.ID, second.Cancelled[0].ID)
	assert.True(t, second.Enrolled.ReferenceTime.Equal(later))
}

func TestUpdateStep_PersistsAndReapplies(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	step := h.step(t, "no_show", 1)
	msg := "Hey {{first_name}}, new time?"
	updated, err := h.engine.UpdateStep(ctx, step.ID, catalog.StepContent{WhatsAppMessage: &msg})
	require.NoError(t, err)
	assert.Equal(t, msg, updated.WhatsAppMessage)

	_, err = h.engine.UpdateStep(ctx, step.ID, catalog.StepContent{})
	assert.ErrorIs(t, err, service.ErrValidation)

	empty := ""
	_, err = h.engine.UpdateStep(ctx, step.ID, catalog.StepContent{WhatsAppMessage: &empty})
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = h.engine.UpdateStep(ctx, 424242, catalog.StepContent{WhatsAppMessage: &msg})
	assert.ErrorIs(t, err, service.ErrNotFound)

	// A fresh catalog picks the edit up from the store.
	fresh := catalog.Default()
	restarted := service.NewEngine(service.Deps{Catalog: fresh, Store: h.store, Leads: h.leads}, service.Config{})
	n, err := restarted.ApplyOverrides(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := fresh.StepAt("no_show", 1)
	require.NoError(t, err)
	assert.Equal(t, msg, got.WhatsAppMessage)
}

func TestBoardAndSequenceLeads(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	h.addLead("lead-2")
	_, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)
	_, err = h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-2", SequenceSlug: "new_lead"})
	require.NoError(t, err)
	_, err = h.engine.Cancel(ctx, "lead-2", "", "not interested")
	require.NoError(t, err)

	board, err := h.engine.Board(ctx, "new_lead", "", 0)
	require.NoError(t, err)
	assert.Len(t, board, 2)
	assert.Equal(t, 3, board[0].TotalSteps)

	active, err := h.engine.Board(ctx, "new_lead", "active", 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "lead-1", active[0].LeadID)

	_, err = h.engine.Board(ctx, "new_lead", "paused", 10)
	assert.ErrorIs(t, err, service.ErrValidation)
	_, err = h.engine.Board(ctx, "nope", "", 10)
	assert.ErrorIs(t, err, service.ErrNotFound)

	leads, err := h.engine.SequenceLeads(ctx, "new_lead", "cancelled", 10)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "Ada", leads[0].Lead.FirstName)
	assert.Equal(t, "lead-2", leads[0].Enrollment.LeadID)
}

func TestDashboard(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	_, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)
	_, err = h.engine.ProcessQueue(ctx, t0)
	require.NoError(t, err)

	d, err := h.engine.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.PendingMessages)
	assert.Equal(t, 1, d.SentToday)
	require.Len(t, d.Sequences, 4)
	assert.Equal(t, "new_lead", d.Sequences[0].Slug)
	assert.Equal(t, 1, d.Sequences[0].Active)
}

func TestCancel_AllSequences(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	_, err := h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "new_lead"})
	require.NoError(t, err)
	_, err = h.engine.Enroll(ctx, service.EnrollRequest{LeadID: "lead-1", SequenceSlug: "no_show"})
	require.NoError(t, err)

	cancelled, err := h.engine.Cancel(ctx, "lead-1", "", "opted out")
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)

	_, err = h.engine.Cancel(ctx, "lead-1", "unknown", "")
	assert.ErrorIs(t, err, service.ErrNotFound)
}
