package model

import "time"

type EnrollmentStatus string

const (
	Active    EnrollmentStatus = "active"
	Completed EnrollmentStatus = "completed"
	Cancelled EnrollmentStatus = "cancelled"
)

func (s EnrollmentStatus) Valid() bool {
	switch s {
	case Active, Completed, Cancelled:
		return true
	}
	return false
}

func (s EnrollmentStatus) Terminal() bool {
	return s == Completed || s == Cancelled
}

// Enrollment tracks one lead's progress through one sequence.
// CurrentStep is the step_order of the last completed send, 0 before the
// first one.
type Enrollment struct {
	ID              int64            `json:"id" db:"id"`
	LeadID          string           `json:"leadId" db:"lead_id"`
	SequenceSlug    string           `json:"sequenceSlug" db:"sequence_slug"`
	Status          EnrollmentStatus `json:"status" db:"status"`
	CurrentStep     int              `json:"currentStep" db:"current_step"`
	MessagesSent    int              `json:"messagesSent" db:"messages_sent"`
	MessagesPending int              `json:"messagesPending" db:"messages_pending"`
	FailedAttempts  int              `json:"failedAttempts" db:"failed_attempts"`
	NeedsReview     bool             `json:"needsReview" db:"needs_review"`
	EnrolledAt      time.Time        `json:"enrolledAt" db:"enrolled_at"`
	ReferenceTime   *time.Time       `json:"referenceTime,omitempty" db:"reference_time"`
	CancelledReason *string          `json:"cancelledReason,omitempty" db:"cancelled_reason"`
	CancelledAt     *time.Time       `json:"cancelledAt,omitempty" db:"cancelled_at"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty" db:"completed_at"`
	UpdatedAt       time.Time        `json:"updatedAt" db:"updated_at"`
}

// NextStep is the step_order the enrollment is waiting to send.
func (e Enrollment) NextStep() int { return e.CurrentStep + 1 }

type EnrollmentSummary struct {
	Enrollment
	SequenceName string  `json:"sequenceName"`
	TotalSteps   int     `json:"totalSteps"`
	Progress     float64 `json:"progress"`
}

// Summarize computes progress as a percentage of totalSteps.
func Summarize(e Enrollment, sequenceName string, totalSteps int) EnrollmentSummary {
	var progress float64
	if totalSteps > 0 {
		progress = float64(e.CurrentStep) / float64(totalSteps) * 100
	}
	return EnrollmentSummary{
		Enrollment:   e,
		SequenceName: sequenceName,
		TotalSteps:   totalSteps,
		Progress:     progress,
	}
}

type LeadStatus struct {
	Enrolled       bool                `json:"enrolled"`
	ActiveSequence *EnrollmentSummary  `json:"activeSequence"`
	Enrollments    []EnrollmentSummary `json:"enrollments"`
}
