package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/LeventeLantos/lead-sequencer/internal/model"
)

// ManualSend dispatches stepID to the lead right away. The lead must be
// actively enrolled in the step's sequence. Sending the next step advances
// the enrollment; sending a later step only records the message.
func (e *Engine) ManualSend(ctx context.Context, leadID string, stepID int64) (model.MessageRecord, error) {
	leadID = strings.TrimSpace(leadID)
	if leadID == "" || stepID <= 0 {
		return model.MessageRecord{}, validationf("leadId and stepId are required")
	}

	step, err := e.catalog.Step(stepID)
	if err != nil {
		return model.MessageRecord{}, classify(err)
	}
	if _, err := e.leads.Get(ctx, leadID); err != nil {
		return model.MessageRecord{}, classify(err)
	}

	enrollments, err := e.store.ListByLead(ctx, leadID)
	if err != nil {
		return model.MessageRecord{}, classify(err)
	}
	var active *model.Enrollment
	for i := range enrollments {
		if enrollments[i].Status == model.Active && enrollments[i].SequenceSlug == step.SequenceSlug {
			active = &enrollments[i]
			break
		}
	}
	if active == nil {
		return model.MessageRecord{}, fmt.Errorf("%w: lead %q has no active enrollment in %q", ErrNotFound, leadID, step.SequenceSlug)
	}
	if step.StepOrder <= active.CurrentStep {
		e.log.Info("manual resend of a completed step", "enrollment_id", active.ID, "step", step.StepOrder)
	}

	res, err := e.dispatcher.DispatchStep(ctx, *active, step, DispatchOptions{Manual: true})
	if err != nil {
		return model.MessageRecord{}, err
	}
	if res.Record == nil {
		return model.MessageRecord{}, fmt.Errorf("%w: step %d of enrollment %d is being dispatched elsewhere", ErrConcurrencyConflict, step.StepOrder, active.ID)
	}
	if res.Outcome == OutcomeFailed {
		reason := "send failed"
		if res.Record.Error != nil {
			reason = *res.Record.Error
		}
		return *res.Record, fmt.Errorf("%w: %s", ErrTransport, reason)
	}
	return *res.Record, nil
}
