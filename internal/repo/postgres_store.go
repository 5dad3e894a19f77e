package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/LeventeLantos/lead-sequencer/internal/catalog"
	"github.com/LeventeLantos/lead-sequencer/internal/model"
)

const enrollmentColumns = `id, lead_id, sequence_slug, status, current_step, messages_sent,
	messages_pending, failed_attempts, needs_review, enrolled_at, reference_time,
	cancelled_reason, cancelled_at, completed_at, updated_at`

const messageColumns = `id, enrollment_id, lead_id, sequence_slug, step_order, channel_used,
	status, manual, remote_message_id, error, sent_at`

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// Open connects to Postgres through the pgx stdlib driver.
func Open(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// lockLead serializes enrollment changes for one lead until the
// transaction ends.
func lockLead(ctx context.Context, tx *sqlx.Tx, leadID string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, leadID)
	return err
}

func (r *PostgresStore) Enroll(ctx context.Context, p EnrollParams) (model.Enrollment, error) {
	var out model.Enrollment
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockLead(ctx, tx, p.LeadID); err != nil {
			return err
		}
		e, err := enrollTx(ctx, tx, p)
		out = e
		return err
	})
	return out, err
}

func enrollTx(ctx context.Context, tx *sqlx.Tx, p EnrollParams) (model.Enrollment, error) {
	var active []string
	if err := tx.SelectContext(ctx, &active, `
		SELECT sequence_slug FROM enrollments
		WHERE lead_id = $1 AND status = 'active'
	`, p.LeadID); err != nil {
		return model.Enrollment{}, err
	}

	for _, slug := range active {
		if slug == p.SequenceSlug {
			return model.Enrollment{}, ErrActiveEnrollmentExists
		}
		if p.AllowConcurrent != nil && !p.AllowConcurrent(slug, p.SequenceSlug) {
			return model.Enrollment{}, ErrConcurrentEnrollment
		}
	}

	at := p.EnrolledAt.UTC()
	status := model.Active
	var completedAt *time.Time
	if p.TotalSteps == 0 {
		status = model.Completed
		completedAt = &at
	}

	var e model.Enrollment
	err := tx.GetContext(ctx, &e, `
		INSERT INTO enrollments (lead_id, sequence_slug, status, messages_pending,
			enrolled_at, reference_time, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $5)
		RETURNING `+enrollmentColumns,
		p.LeadID, p.SequenceSlug, status, p.TotalSteps, at, utcPtr(p.ReferenceTime), completedAt)
	if isUniqueViolation(err) {
		return model.Enrollment{}, ErrActiveEnrollmentExists
	}
	return e, err
}

func (r *PostgresStore) Cancel(ctx context.Context, leadID, slug, reason string, at time.Time) ([]model.Enrollment, error) {
	var out []model.Enrollment
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockLead(ctx, tx, leadID); err != nil {
			return err
		}
		var slugs []string
		if slug != "" {
			slugs = []string{slug}
		}
		var err error
		out, err = cancelTx(ctx, tx, leadID, slugs, reason, at)
		return err
	})
	return out, err
}

func cancelTx(ctx context.Context, tx *sqlx.Tx, leadID string, slugs []string, reason string, at time.Time) ([]model.Enrollment, error) {
	query := `
		UPDATE enrollments
		SET status = 'cancelled', cancelled_reason = $2, cancelled_at = $3, updated_at = $3
		WHERE lead_id = $1 AND status = 'active'`
	args := []any{leadID, reason, at.UTC()}
	if len(slugs) > 0 {
		query += ` AND sequence_slug = ANY($4)`
		args = append(args, slugs)
	}
	query += ` RETURNING ` + enrollmentColumns

	var out []model.Enrollment
	if err := tx.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresStore) Transition(ctx context.Context, leadID string, cancelSlugs []string, reason string, p EnrollParams) ([]model.Enrollment, model.Enrollment, error) {
	var (
		cancelled []model.Enrollment
		enrolled  model.Enrollment
	)
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockLead(ctx, tx, leadID); err != nil {
			return err
		}
		if len(cancelSlugs) > 0 {
			var err error
			cancelled, err = cancelTx(ctx, tx, leadID, cancelSlugs, reason, p.EnrolledAt)
			if err != nil {
				return err
			}
		}
		var err error
		enrolled, err = enrollTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, model.Enrollment{}, err
	}
	return cancelled, enrolled, nil
}

func (r *PostgresStore) Get(ctx context.Context, id int64) (model.Enrollment, error) {
	var e model.Enrollment
	err := r.db.GetContext(ctx, &e, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Enrollment{}, ErrNotFound
	}
	return e, err
}

func (r *PostgresStore) ListByLead(ctx context.Context, leadID string) ([]model.Enrollment, error) {
	var out []model.Enrollment
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE lead_id = $1
		ORDER BY enrolled_at DESC, id DESC
	`, leadID)
	return out, err
}

func (r *PostgresStore) ListActive(ctx context.Context, afterID int64, limit int) ([]model.Enrollment, error) {
	if limit <= 0 {
		limit = 500
	}
	var out []model.Enrollment
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE status = 'active' AND id > $1
		ORDER BY id ASC
		LIMIT $2
	`, afterID, limit)
	return out, err
}

func (r *PostgresStore) ListBySequence(ctx context.Context, slug string, status model.EnrollmentStatus, limit int) ([]model.Enrollment, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []model.Enrollment
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE sequence_slug = $1 AND ($2 = '' OR status = $2)
		ORDER BY enrolled_at DESC, id DESC
		LIMIT $3
	`, slug, string(status), limit)
	return out, err
}

func (r *PostgresStore) Advance(ctx context.Context, id int64, expectedStep, totalSteps int, at time.Time) (model.Enrollment, error) {
	var e model.Enrollment
	err := r.db.GetContext(ctx, &e, `
		UPDATE enrollments
		SET current_step     = current_step + 1,
		    messages_sent    = messages_sent + 1,
		    messages_pending = GREATEST($3 - (current_step + 1), 0),
		    failed_attempts  = 0,
		    needs_review     = false,
		    status           = CASE WHEN current_step + 1 >= $3 THEN 'completed' ELSE status END,
		    completed_at     = CASE WHEN current_step + 1 >= $3 THEN $4 ELSE completed_at END,
		    updated_at       = $4
		WHERE id = $1 AND status = 'active' AND current_step = $2
		RETURNING `+enrollmentColumns,
		id, expectedStep, totalSteps, at.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return r.explainMiss(ctx, id)
	}
	return e, err
}

func (r *PostgresStore) RecordFailure(ctx context.Context, id int64, expectedStep, maxAttempts int, at time.Time) (model.Enrollment, error) {
	var e model.Enrollment
	err := r.db.GetContext(ctx, &e, `
		UPDATE enrollments
		SET failed_attempts = failed_attempts + 1,
		    needs_review    = ($3 > 0 AND failed_attempts + 1 >= $3),
		    updated_at      = $4
		WHERE id = $1 AND status = 'active' AND current_step = $2
		RETURNING `+enrollmentColumns,
		id, expectedStep, maxAttempts, at.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return r.explainMiss(ctx, id)
	}
	return e, err
}

// explainMiss reports why a compare-and-swap update touched no row.
func (r *PostgresStore) explainMiss(ctx context.Context, id int64) (model.Enrollment, error) {
	e, err := r.Get(ctx, id)
	if err != nil {
		return model.Enrollment{}, err
	}
	if e.Status != model.Active {
		return e, ErrNotActive
	}
	return e, ErrStepMismatch
}

func (r *PostgresStore) AppendMessage(ctx context.Context, rec model.MessageRecord) (model.MessageRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.SentAt = rec.SentAt.UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sequence_messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.EnrollmentID, rec.LeadID, rec.SequenceSlug, rec.StepOrder, rec.ChannelUsed,
		rec.Status, rec.Manual, rec.RemoteMessageID, rec.Error, rec.SentAt)
	if isUniqueViolation(err) {
		return rec, ErrDuplicateSend
	}
	if err != nil {
		return model.MessageRecord{}, err
	}
	return rec, nil
}

func (r *PostgresStore) SentMessages(ctx context.Context, enrollmentID int64, stepOrder int) ([]model.MessageRecord, error) {
	var out []model.MessageRecord
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+messageColumns+` FROM sequence_messages
		WHERE enrollment_id = $1 AND step_order = $2 AND status = 'sent'
		ORDER BY sent_at ASC, id ASC
	`, enrollmentID, stepOrder)
	return out, err
}

func (r *PostgresStore) MessagesByLead(ctx context.Context, leadID string, limit int) ([]model.MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []model.MessageRecord
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+messageColumns+` FROM sequence_messages
		WHERE lead_id = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`, leadID, limit)
	return out, err
}

func (r *PostgresStore) Stats(ctx context.Context, since time.Time, convertedReason string) (Stats, error) {
	st := Stats{Sequences: make(map[string]SequenceStats)}

	var totals struct {
		Pending     int `db:"pending"`
		NeedsReview int `db:"needs_review"`
	}
	if err := r.db.GetContext(ctx, &totals, `
		SELECT COALESCE(SUM(messages_pending), 0) AS pending,
		       COUNT(*) FILTER (WHERE needs_review) AS needs_review
		FROM enrollments
		WHERE status = 'active'
	`); err != nil {
		return Stats{}, err
	}
	st.PendingMessages = totals.Pending
	st.NeedsReview = totals.NeedsReview

	var msgs struct {
		Sent   int `db:"sent"`
		Failed int `db:"failed"`
	}
	if err := r.db.GetContext(ctx, &msgs, `
		SELECT COUNT(*) FILTER (WHERE status = 'sent') AS sent,
		       COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM sequence_messages
		WHERE sent_at >= $1
	`, since.UTC()); err != nil {
		return Stats{}, err
	}
	st.SentSince = msgs.Sent
	st.FailedSince = msgs.Failed

	var rows []struct {
		Slug string `db:"sequence_slug"`
		SequenceStats
	}
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT sequence_slug,
		       COUNT(*) FILTER (WHERE status = 'active')    AS active,
		       COUNT(*) FILTER (WHERE status = 'completed') AS completed,
		       COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled,
		       COUNT(*) FILTER (WHERE status = 'cancelled' AND cancelled_reason = $1) AS converted
		FROM enrollments
		GROUP BY sequence_slug
	`, convertedReason); err != nil {
		return Stats{}, err
	}
	for _, row := range rows {
		st.Sequences[row.Slug] = row.SequenceStats
	}
	return st, nil
}

func (r *PostgresStore) SaveStepOverride(ctx context.Context, o StepOverride) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO step_overrides (sequence_slug, step_order, email_subject, email_body, whatsapp_message, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (sequence_slug, step_order) DO UPDATE
		SET email_subject    = COALESCE(EXCLUDED.email_subject, step_overrides.email_subject),
		    email_body       = COALESCE(EXCLUDED.email_body, step_overrides.email_body),
		    whatsapp_message = COALESCE(EXCLUDED.whatsapp_message, step_overrides.whatsapp_message),
		    updated_at       = now()
	`, o.SequenceSlug, o.StepOrder, o.Content.EmailSubject, o.Content.EmailBody, o.Content.WhatsAppMessage)
	return err
}

func (r *PostgresStore) StepOverrides(ctx context.Context) ([]StepOverride, error) {
	var rows []struct {
		Slug  string `db:"sequence_slug"`
		Order int    `db:"step_order"`
		catalog.StepContent
	}
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT sequence_slug, step_order, email_subject, email_body, whatsapp_message
		FROM step_overrides
		ORDER BY sequence_slug, step_order
	`); err != nil {
		return nil, err
	}

	out := make([]StepOverride, 0, len(rows))
	for _, row := range rows {
		out = append(out, StepOverride{SequenceSlug: row.Slug, StepOrder: row.Order, Content: row.StepContent})
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
