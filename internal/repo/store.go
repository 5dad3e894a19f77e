package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/lead-sequencer/internal/catalog"
	"github.com/LeventeLantos/lead-sequencer/internal/model"
)

var (
	ErrNotFound               = errors.New("enrollment not found")
	ErrActiveEnrollmentExists = errors.New("lead already has an active enrollment in this sequence")
	ErrConcurrentEnrollment   = errors.New("lead is active in a sequence that cannot run concurrently")
	ErrStepMismatch           = errors.New("enrollment step changed concurrently")
	ErrNotActive              = errors.New("enrollment is not active")
	ErrDuplicateSend          = errors.New("step already sent on this channel for enrollment")
)

// ConcurrencyPolicy reports whether a lead may be active in both sequences.
type ConcurrencyPolicy func(a, b string) bool

type EnrollParams struct {
	LeadID        string
	SequenceSlug  string
	TotalSteps    int
	ReferenceTime *time.Time
	EnrolledAt    time.Time
	// AllowConcurrent is consulted for every other active enrollment of the
	// lead. Nil allows any combination of different sequences.
	AllowConcurrent ConcurrencyPolicy
}

type SequenceStats struct {
	Active    int `json:"active" db:"active"`
	Completed int `json:"completed" db:"completed"`
	Cancelled int `json:"cancelled" db:"cancelled"`
	Converted int `json:"converted" db:"converted"`
}

type Stats struct {
	PendingMessages int                      `json:"pendingMessages"`
	SentSince       int                      `json:"sentToday"`
	FailedSince     int                      `json:"failedToday"`
	NeedsReview     int                      `json:"needsReview"`
	Sequences       map[string]SequenceStats `json:"sequences"`
}

type StepOverride struct {
	SequenceSlug string
	StepOrder    int
	Content      catalog.StepContent
}

// Store owns enrollments and their message log. Every mutation of a single
// enrollment is serialized by the implementation.
type Store interface {
	Enroll(ctx context.Context, p EnrollParams) (model.Enrollment, error)
	// Cancel cancels the lead's active enrollment in slug, or every active
	// enrollment of the lead when slug is empty. Nothing active is not an
	// error.
	Cancel(ctx context.Context, leadID, slug, reason string, at time.Time) ([]model.Enrollment, error)
	// Transition cancels the listed sequences and enrolls into a new one in
	// a single unit: either both happen or neither does.
	Transition(ctx context.Context, leadID string, cancelSlugs []string, reason string, p EnrollParams) ([]model.Enrollment, model.Enrollment, error)

	Get(ctx context.Context, id int64) (model.Enrollment, error)
	ListByLead(ctx context.Context, leadID string) ([]model.Enrollment, error)
	ListActive(ctx context.Context, afterID int64, limit int) ([]model.Enrollment, error)
	ListBySequence(ctx context.Context, slug string, status model.EnrollmentStatus, limit int) ([]model.Enrollment, error)

	// Advance moves the enrollment from expectedStep to expectedStep+1.
	Advance(ctx context.Context, id int64, expectedStep, totalSteps int, at time.Time) (model.Enrollment, error)
	RecordFailure(ctx context.Context, id int64, expectedStep, maxAttempts int, at time.Time) (model.Enrollment, error)

	// AppendMessage rejects a second automatic sent record for the same
	// enrollment, step and channel with ErrDuplicateSend.
	AppendMessage(ctx context.Context, rec model.MessageRecord) (model.MessageRecord, error)
	// SentMessages returns every sent record of a step, manual ones
	// included, oldest first.
	SentMessages(ctx context.Context, enrollmentID int64, stepOrder int) ([]model.MessageRecord, error)
	MessagesByLead(ctx context.Context, leadID string, limit int) ([]model.MessageRecord, error)

	Stats(ctx context.Context, since time.Time, convertedReason string) (Stats, error)

	SaveStepOverride(ctx context.Context, o StepOverride) error
	StepOverrides(ctx context.Context) ([]StepOverride, error)
}
