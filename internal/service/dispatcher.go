package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LeventeLantos/lead-sequencer/internal/cache"
	"github.com/LeventeLantos/lead-sequencer/internal/catalog"
	"github.com/LeventeLantos/lead-sequencer/internal/lead"
	"github.com/LeventeLantos/lead-sequencer/internal/metrics"
	"github.com/LeventeLantos/lead-sequencer/internal/model"
	"github.com/LeventeLantos/lead-sequencer/internal/repo"
)

type EmailTransport interface {
	SendEmail(ctx context.Context, to, subject, body string) (remoteMessageID string, err error)
}

type WhatsAppTransport interface {
	SendText(ctx context.Context, phone, text string) (remoteMessageID string, err error)
}

// Outcome is what a single dispatch did.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeCaughtUp Outcome = "caught_up"
	OutcomeConflict Outcome = "conflict"
)

type DispatchOptions struct {
	Manual bool
}

type DispatchResult struct {
	Outcome Outcome
	// Record is the failed record when a channel failed, otherwise the
	// last record written.
	Record *model.MessageRecord
	// Records holds every record written by this dispatch.
	Records    []model.MessageRecord
	Enrollment model.Enrollment
	Advanced   bool
}

type Dispatcher struct {
	catalog  *catalog.Catalog
	store    repo.Store
	leads    lead.Store
	email    EmailTransport
	whatsapp WhatsAppTransport
	guard    cache.DispatchGuard
	locks    *keyedMutex

	sendTimeout time.Duration
	maxAttempts int
	now         func() time.Time
	log         *slog.Logger
}

// DispatchStep sends one step of an enrollment.
//
// Automatic dispatch only sends the enrollment's next step, and only on the
// channels that have no sent record yet, so a step on both channels that
// failed on one of them is retried on that channel alone. It is a no-op
// once every channel of the step has been delivered.
//
// Manual dispatch may target any step of an active enrollment and always
// sends on every channel of the step. It advances only when the step is
// the next one, whether or not that step is due yet; a later step is only
// recorded and the scheduler advances past it when it comes due.
func (d *Dispatcher) DispatchStep(ctx context.Context, enr model.Enrollment, step model.Step, opts DispatchOptions) (DispatchResult, error) {
	if step.SequenceSlug != enr.SequenceSlug {
		return DispatchResult{}, validationf("step %d belongs to %q, enrollment %d is in %q",
			step.ID, step.SequenceSlug, enr.ID, enr.SequenceSlug)
	}

	unlock := d.locks.Lock(enr.ID)
	defer unlock()

	fresh, err := d.store.Get(ctx, enr.ID)
	if err != nil {
		return DispatchResult{}, classify(err)
	}
	if fresh.Status != model.Active {
		if opts.Manual {
			return DispatchResult{Enrollment: fresh}, fmt.Errorf("%w: enrollment %d is %s", ErrConflict, fresh.ID, fresh.Status)
		}
		return DispatchResult{Outcome: OutcomeSkipped, Enrollment: fresh}, nil
	}

	isNext := step.StepOrder == fresh.NextStep()
	if !opts.Manual && !isNext {
		return DispatchResult{Outcome: OutcomeConflict, Enrollment: fresh}, nil
	}

	token, err := d.guard.Claim(ctx, fresh.ID, step.StepOrder)
	switch {
	case errors.Is(err, cache.ErrClaimed):
		return DispatchResult{Outcome: OutcomeConflict, Enrollment: fresh}, nil
	case err != nil:
		d.log.Warn("dispatch claim unavailable, relying on store constraints",
			"enrollment_id", fresh.ID, "step", step.StepOrder, "err", err)
	default:
		defer func() {
			if err := d.guard.Release(context.WithoutCancel(ctx), fresh.ID, step.StepOrder, token); err != nil {
				d.log.Warn("release dispatch claim failed", "enrollment_id", fresh.ID, "err", err)
			}
		}()
	}

	prior, err := d.store.SentMessages(ctx, fresh.ID, step.StepOrder)
	if err != nil {
		return DispatchResult{Enrollment: fresh}, err
	}
	delivered := channelsOf(prior)

	pending := step.Channel
	if !opts.Manual {
		pending = step.Channel.Without(delivered...)
		if pending == "" {
			return d.catchUpLocked(ctx, fresh, step, prior)
		}
		if len(delivered) > 0 {
			d.log.Info("retrying undelivered channels",
				"enrollment_id", fresh.ID, "step", step.StepOrder, "channel", pending)
		}
	}

	results := d.send(ctx, fresh.LeadID, step, pending)
	records := d.records(fresh, step, pending, results, opts)

	res := DispatchResult{Outcome: OutcomeSent, Enrollment: fresh}
	var sendErr error
	for _, rec := range records {
		saved, err := d.store.AppendMessage(ctx, rec)
		if errors.Is(err, repo.ErrDuplicateSend) {
			d.log.Warn("another worker recorded this step first",
				"enrollment_id", fresh.ID, "step", step.StepOrder, "channel", rec.ChannelUsed)
			res.Outcome = OutcomeConflict
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("record message: %w", err)
		}
		metrics.ObserveDispatch(string(saved.ChannelUsed), string(saved.Status), opts.Manual)
		res.Records = append(res.Records, saved)

		if saved.Status == model.Sent {
			if saved.RemoteMessageID != nil {
				if err := d.guard.StoreSent(ctx, saved.ID, *saved.RemoteMessageID, saved.SentAt); err != nil {
					d.log.Warn("cache sent message failed", "record_id", saved.ID, "err", err)
				}
			}
			continue
		}
		if sendErr == nil {
			sendErr = errors.New(*saved.Error)
			failed := saved
			res.Record = &failed
		}
	}
	if res.Record == nil && len(res.Records) > 0 {
		res.Record = &res.Records[len(res.Records)-1]
	}

	if sendErr != nil {
		return d.fail(ctx, fresh, step, res, opts, sendErr)
	}

	if !isNext {
		d.log.Info("manual send outside the cadence recorded",
			"enrollment_id", fresh.ID, "step", step.StepOrder, "current_step", fresh.CurrentStep)
		return res, nil
	}

	advanced, err := d.advance(ctx, fresh)
	if err != nil {
		return res, err
	}
	res.Enrollment = advanced
	res.Advanced = true

	d.log.Info("step sent",
		"enrollment_id", fresh.ID,
		"lead_id", fresh.LeadID,
		"sequence", fresh.SequenceSlug,
		"step", step.StepOrder,
		"channel", pending,
		"manual", opts.Manual,
		"status", advanced.Status,
	)
	return res, nil
}

// CatchUp advances an enrollment whose next step was already delivered on
// every channel, without sending again.
func (d *Dispatcher) CatchUp(ctx context.Context, enr model.Enrollment) (DispatchResult, error) {
	unlock := d.locks.Lock(enr.ID)
	defer unlock()

	fresh, err := d.store.Get(ctx, enr.ID)
	if err != nil {
		return DispatchResult{}, classify(err)
	}
	if fresh.Status != model.Active {
		return DispatchResult{Outcome: OutcomeSkipped, Enrollment: fresh}, nil
	}

	step, err := d.catalog.StepAt(fresh.SequenceSlug, fresh.NextStep())
	if err != nil {
		return DispatchResult{Outcome: OutcomeSkipped, Enrollment: fresh}, nil
	}
	prior, err := d.store.SentMessages(ctx, fresh.ID, step.StepOrder)
	if err != nil {
		return DispatchResult{Enrollment: fresh}, err
	}
	if step.Channel.Without(channelsOf(prior)...) != "" {
		return DispatchResult{Outcome: OutcomeSkipped, Enrollment: fresh}, nil
	}
	return d.catchUpLocked(ctx, fresh, step, prior)
}

func (d *Dispatcher) catchUpLocked(ctx context.Context, fresh model.Enrollment, step model.Step, prior []model.MessageRecord) (DispatchResult, error) {
	last := &prior[len(prior)-1]
	advanced, err := d.advance(ctx, fresh)
	if errors.Is(err, ErrConcurrencyConflict) {
		return DispatchResult{Outcome: OutcomeConflict, Enrollment: fresh, Record: last}, nil
	}
	if err != nil {
		return DispatchResult{Enrollment: fresh, Record: last}, err
	}

	d.log.Info("advanced past step sent earlier",
		"enrollment_id", fresh.ID, "step", step.StepOrder, "manual", last.Manual)
	return DispatchResult{Outcome: OutcomeCaughtUp, Record: last, Enrollment: advanced, Advanced: true}, nil
}

func (d *Dispatcher) advance(ctx context.Context, fresh model.Enrollment) (model.Enrollment, error) {
	total, err := d.catalog.TotalSteps(fresh.SequenceSlug)
	if err != nil {
		return fresh, classify(err)
	}
	advanced, err := d.store.Advance(ctx, fresh.ID, fresh.CurrentStep, total, d.now())
	if err != nil {
		return fresh, classify(err)
	}
	return advanced, nil
}

func (d *Dispatcher) fail(ctx context.Context, fresh model.Enrollment, step model.Step, res DispatchResult, opts DispatchOptions, sendErr error) (DispatchResult, error) {
	res.Outcome = OutcomeFailed

	d.log.Warn("step send failed",
		"enrollment_id", fresh.ID,
		"lead_id", fresh.LeadID,
		"sequence", fresh.SequenceSlug,
		"step", step.StepOrder,
		"manual", opts.Manual,
		"err", sendErr,
	)

	// Manual attempts do not count toward the automatic retry limit.
	if opts.Manual || step.StepOrder != fresh.NextStep() {
		return res, nil
	}

	updated, err := d.store.RecordFailure(ctx, fresh.ID, fresh.CurrentStep, d.maxAttempts, d.now())
	if err != nil {
		if errors.Is(err, repo.ErrStepMismatch) || errors.Is(err, repo.ErrNotActive) {
			return res, nil
		}
		return res, fmt.Errorf("record failure: %w", err)
	}
	res.Enrollment = updated
	if updated.NeedsReview && !fresh.NeedsReview {
		d.log.Error("enrollment flagged for manual review",
			"enrollment_id", updated.ID, "lead_id", updated.LeadID, "attempts", updated.FailedAttempts)
	}
	return res, nil
}

type channelResult struct {
	channel  model.Channel
	remoteID string
	err      error
}

// records turns one attempt into message records. An attempt where every
// channel agrees is one record; a partly delivered attempt gets a record
// per channel so the delivered channel is never sent again.
func (d *Dispatcher) records(enr model.Enrollment, step model.Step, pending model.Channel, results []channelResult, opts DispatchOptions) []model.MessageRecord {
	base := model.MessageRecord{
		EnrollmentID: enr.ID,
		LeadID:       enr.LeadID,
		SequenceSlug: enr.SequenceSlug,
		StepOrder:    step.StepOrder,
		Manual:       opts.Manual,
		SentAt:       d.now(),
	}

	var (
		ids  []string
		errs []error
	)
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
		} else if r.remoteID != "" {
			ids = append(ids, r.remoteID)
		}
	}

	if len(errs) > 0 && len(errs) < len(results) {
		out := make([]model.MessageRecord, 0, len(results))
		for _, r := range results {
			out = append(out, withOutcome(base, r.channel, r.remoteID, r.err))
		}
		return out
	}
	return []model.MessageRecord{withOutcome(base, pending, strings.Join(ids, ","), errors.Join(errs...))}
}

func withOutcome(rec model.MessageRecord, channel model.Channel, remoteID string, err error) model.MessageRecord {
	rec.ChannelUsed = channel
	if err != nil {
		msg := err.Error()
		rec.Status = model.Failed
		rec.Error = &msg
		return rec
	}
	rec.Status = model.Sent
	if remoteID != "" {
		rec.RemoteMessageID = &remoteID
	}
	return rec
}

func channelsOf(recs []model.MessageRecord) []model.Channel {
	out := make([]model.Channel, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ChannelUsed)
	}
	return out
}

// send delivers the step on each channel of pending and reports every
// channel separately.
func (d *Dispatcher) send(ctx context.Context, leadID string, step model.Step, pending model.Channel) []channelResult {
	var results []channelResult

	l, err := d.leads.Get(ctx, leadID)
	if err != nil {
		err = fmt.Errorf("load lead: %w", err)
		if pending.UsesEmail() {
			results = append(results, channelResult{channel: model.ChannelEmail, err: err})
		}
		if pending.UsesWhatsApp() {
			results = append(results, channelResult{channel: model.ChannelWhatsApp, err: err})
		}
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	if pending.UsesEmail() {
		id, err := d.sendEmail(ctx, l, step)
		if err != nil {
			err = fmt.Errorf("email: %w", err)
		}
		results = append(results, channelResult{channel: model.ChannelEmail, remoteID: id, err: err})
	}
	if pending.UsesWhatsApp() {
		id, err := d.sendWhatsApp(ctx, l, step)
		if err != nil {
			err = fmt.Errorf("whatsapp: %w", err)
		}
		results = append(results, channelResult{channel: model.ChannelWhatsApp, remoteID: id, err: err})
	}
	return results
}

func (d *Dispatcher) sendEmail(ctx context.Context, l model.Lead, step model.Step) (string, error) {
	if d.email == nil {
		return "", errors.New("email transport not configured")
	}
	if strings.TrimSpace(l.Email) == "" {
		return "", errors.New("lead has no email address")
	}
	return d.email.SendEmail(ctx, l.Email, Render(step.EmailSubject, l), Render(step.EmailBody, l))
}

func (d *Dispatcher) sendWhatsApp(ctx context.Context, l model.Lead, step model.Step) (string, error) {
	if d.whatsapp == nil {
		return "", errors.New("whatsapp transport not configured")
	}
	if strings.TrimSpace(l.Phone) == "" {
		return "", errors.New("lead has no phone number")
	}
	return d.whatsapp.SendText(ctx, l.Phone, Render(step.WhatsAppMessage, l))
}
