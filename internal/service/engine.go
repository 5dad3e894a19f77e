package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/LeventeLantos/lead-sequencer/internal/cache"
	"github.com/LeventeLantos/lead-sequencer/internal/catalog"
	"github.com/LeventeLantos/lead-sequencer/internal/lead"
	"github.com/LeventeLantos/lead-sequencer/internal/logging"
	"github.com/LeventeLantos/lead-sequencer/internal/model"
	"github.com/LeventeLantos/lead-sequencer/internal/repo"
)

const (
	defaultBatchSize   = 50
	defaultConcurrency = 4
	defaultMaxAttempts = 3
	defaultSendTimeout = 15 * time.Second
	defaultScanPage    = 500
)

type Config struct {
	// BatchSize caps the number of steps dispatched per queue pass.
	BatchSize   int
	Concurrency int
	MaxAttempts int
	SendTimeout time.Duration
	ScanPage    int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.ScanPage <= 0 {
		c.ScanPage = defaultScanPage
	}
	return c
}

type Deps struct {
	Catalog  *catalog.Catalog
	Store    repo.Store
	Leads    lead.Store
	Email    EmailTransport
	WhatsApp WhatsAppTransport
	// Guard defaults to cache.NopGuard.
	Guard  cache.DispatchGuard
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Engine struct {
	catalog    *catalog.Catalog
	store      repo.Store
	leads      lead.Store
	dispatcher *Dispatcher
	cfg        Config
	now        func() time.Time
	log        *slog.Logger
}

func NewEngine(deps Deps, cfg Config) *Engine {
	cfg = cfg.withDefaults()

	log := deps.Logger
	if log == nil {
		log = logging.WithModule("engine")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	utcNow := func() time.Time { return now().UTC() }

	guard := deps.Guard
	if guard == nil {
		guard = cache.NopGuard{}
	}

	return &Engine{
		catalog: deps.Catalog,
		store:   deps.Store,
		leads:   deps.Leads,
		dispatcher: &Dispatcher{
			catalog:     deps.Catalog,
			store:       deps.Store,
			leads:       deps.Leads,
			email:       deps.Email,
			whatsapp:    deps.WhatsApp,
			guard:       guard,
			locks:       newKeyedMutex(),
			sendTimeout: cfg.SendTimeout,
			maxAttempts: cfg.MaxAttempts,
			now:         utcNow,
			log:         log,
		},
		cfg: cfg,
		now: utcNow,
		log: log,
	}
}

func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// DispatchStep runs an automatic dispatch of step for enrollment.
func (e *Engine) DispatchStep(ctx context.Context, enr model.Enrollment, step model.Step) (DispatchResult, error) {
	return e.dispatcher.DispatchStep(ctx, enr, step, DispatchOptions{})
}

func (e *Engine) Sequences() []model.Sequence {
	return e.catalog.Sequences()
}

func (e *Engine) Sequence(slug string) (model.Sequence, error) {
	seq, err := e.catalog.Sequence(slug)
	return seq, classify(err)
}

func (e *Engine) Steps(slug string) ([]model.Step, error) {
	steps, err := e.catalog.Steps(slug)
	return steps, classify(err)
}

// UpdateStep edits a step's templates and persists the edit so it
// survives restarts.
func (e *Engine) UpdateStep(ctx context.Context, stepID int64, patch catalog.StepContent) (model.Step, error) {
	if patch.EmailSubject == nil && patch.EmailBody == nil && patch.WhatsAppMessage == nil {
		return model.Step{}, validationf("no content fields to update")
	}

	before, err := e.catalog.Step(stepID)
	if err != nil {
		return model.Step{}, classify(err)
	}

	updated, err := e.catalog.UpdateStepContent(stepID, patch)
	if err != nil {
		return model.Step{}, classify(err)
	}

	err = e.store.SaveStepOverride(ctx, repo.StepOverride{
		SequenceSlug: updated.SequenceSlug,
		StepOrder:    updated.StepOrder,
		Content:      patch,
	})
	if err != nil {
		revert := catalog.StepContent{
			EmailSubject:    &before.EmailSubject,
			EmailBody:       &before.EmailBody,
			WhatsAppMessage: &before.WhatsAppMessage,
		}
		if _, rerr := e.catalog.UpdateStepContent(stepID, revert); rerr != nil {
			e.log.Error("revert step content failed", "step_id", stepID, "err", rerr)
		}
		return model.Step{}, err
	}

	e.log.Info("step content updated", "step_id", stepID, "sequence", updated.SequenceSlug, "step", updated.StepOrder)
	return updated, nil
}

// ApplyOverrides loads persisted step edits into the catalog. Overrides
// that no longer match a step or no longer validate are skipped.
func (e *Engine) ApplyOverrides(ctx context.Context) (int, error) {
	overrides, err := e.store.StepOverrides(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, o := range overrides {
		step, err := e.catalog.StepAt(o.SequenceSlug, o.StepOrder)
		if err != nil {
			e.log.Warn("step override without matching step", "sequence", o.SequenceSlug, "step", o.StepOrder)
			continue
		}
		if _, err := e.catalog.UpdateStepContent(step.ID, o.Content); err != nil {
			e.log.Warn("step override rejected", "sequence", o.SequenceSlug, "step", o.StepOrder, "err", err)
			continue
		}
		applied++
	}
	return applied, nil
}
