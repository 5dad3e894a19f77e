package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/lead-sequencer/internal/metrics"
	"github.com/LeventeLantos/lead-sequencer/internal/model"
)

// DueStep is an enrollment together with the step it is waiting on.
type DueStep struct {
	Enrollment model.Enrollment `json:"enrollment"`
	Step       model.Step       `json:"step"`
	DueAt      time.Time        `json:"dueAt"`
}

type QueueReport struct {
	Due       int `json:"due"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	CaughtUp  int `json:"caughtUp"`
	Conflicts int `json:"conflicts"`
	// Deferred counts due steps left for the next pass by the batch limit.
	Deferred int `json:"deferred"`
	Errors   int `json:"errors"`
}

// FindDueSteps returns the next step of every active enrollment that is
// due at now and has not been sent yet, oldest due first.
func (e *Engine) FindDueSteps(ctx context.Context, now time.Time) ([]DueStep, error) {
	due, _, err := e.scan(ctx, now)
	return due, err
}

// scan splits due steps into those still to send and those already
// delivered on every channel that only need the enrollment advanced.
func (e *Engine) scan(ctx context.Context, now time.Time) (due, sent []DueStep, err error) {
	var afterID int64
	for {
		page, err := e.store.ListActive(ctx, afterID, e.cfg.ScanPage)
		if err != nil {
			return nil, nil, err
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		for _, enr := range page {
			if enr.NeedsReview {
				continue
			}
			step, err := e.catalog.StepAt(enr.SequenceSlug, enr.NextStep())
			if err != nil {
				e.log.Warn("active enrollment without a next step",
					"enrollment_id", enr.ID, "sequence", enr.SequenceSlug, "next_step", enr.NextStep())
				continue
			}
			at, ok := step.DueAt(enr)
			if !ok {
				e.log.Warn("enrollment missing reference time",
					"enrollment_id", enr.ID, "sequence", enr.SequenceSlug)
				continue
			}
			if at.After(now) {
				continue
			}

			prior, err := e.store.SentMessages(ctx, enr.ID, step.StepOrder)
			if err != nil {
				return nil, nil, err
			}
			item := DueStep{Enrollment: enr, Step: step, DueAt: at}
			if len(prior) > 0 && step.Channel.Without(channelsOf(prior)...) == "" {
				sent = append(sent, item)
				continue
			}
			due = append(due, item)
		}

		if len(page) < e.cfg.ScanPage {
			break
		}
	}

	sortDue(due)
	sortDue(sent)
	return due, sent, nil
}

func sortDue(items []DueStep) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].DueAt.Equal(items[j].DueAt) {
			return items[i].DueAt.Before(items[j].DueAt)
		}
		return items[i].Enrollment.ID < items[j].Enrollment.ID
	})
}

// RunPass is ProcessQueue at the engine's current time.
func (e *Engine) RunPass(ctx context.Context) (QueueReport, error) {
	return e.ProcessQueue(ctx, e.now())
}

// ProcessQueue runs one due-check pass and dispatches up to BatchSize
// steps. A failure on one enrollment never stops the others.
func (e *Engine) ProcessQueue(ctx context.Context, now time.Time) (QueueReport, error) {
	start := time.Now()
	defer func() { metrics.QueuePassDuration.Observe(time.Since(start).Seconds()) }()

	due, sent, err := e.scan(ctx, now)
	if err != nil {
		return QueueReport{}, err
	}
	metrics.DueSteps.Set(float64(len(due)))

	var (
		mu     sync.Mutex
		report = QueueReport{Due: len(due)}
	)
	tally := func(res DispatchResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			report.Errors++
			return
		}
		switch res.Outcome {
		case OutcomeSent:
			report.Sent++
		case OutcomeFailed:
			report.Failed++
		case OutcomeCaughtUp:
			report.CaughtUp++
		case OutcomeConflict:
			report.Conflicts++
		default:
			report.Skipped++
		}
	}

	for _, item := range sent {
		res, err := e.dispatcher.CatchUp(ctx, item.Enrollment)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error("catch-up failed", "enrollment_id", item.Enrollment.ID, "err", err)
		}
		tally(res, err)
	}

	batch := due
	if len(batch) > e.cfg.BatchSize {
		report.Deferred = len(batch) - e.cfg.BatchSize
		batch = batch[:e.cfg.BatchSize]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, item := range batch {
		g.Go(func() error {
			res, err := e.dispatcher.DispatchStep(gctx, item.Enrollment, item.Step, DispatchOptions{})
			if err != nil {
				e.log.Error("dispatch failed",
					"enrollment_id", item.Enrollment.ID, "step", item.Step.StepOrder, "err", err)
			}
			tally(res, err)
			return nil
		})
	}
	_ = g.Wait()

	e.log.Info("queue pass completed",
		"due", report.Due,
		"sent", report.Sent,
		"failed", report.Failed,
		"caught_up", report.CaughtUp,
		"conflicts", report.Conflicts,
		"deferred", report.Deferred,
		"errors", report.Errors,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, ctx.Err()
}
