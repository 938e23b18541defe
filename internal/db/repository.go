package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Querier is the subset of *pgxpool.Pool the repository needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles Postgres operations for reminders
type Repository struct {
	db     Querier
	logger *zap.Logger
}

// NewRepository creates a new reminder repository
func NewRepository(db Querier, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const reminderColumns = `
	r.id, r.user_id, r.note_id, r.remind_at, r.email, r.message, r.status,
	r.sent_at, r.last_error, r.created_at, r.updated_at,
	COALESCE(n.title, ''), COALESCE(n.content, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (*Reminder, error) {
	var r Reminder
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.NoteID,
		&r.RemindAt,
		&r.Email,
		&r.Message,
		&r.Status,
		&r.SentAt,
		&r.LastError,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.NoteTitle,
		&r.NoteContent,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectReminders(rows pgx.Rows) ([]*Reminder, error) {
	defer rows.Close()

	var reminders []*Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		reminders = append(reminders, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return reminders, nil
}

// CreateReminder inserts a PENDING reminder for a note the owner holds.
// A missing or foreign note yields ErrNotFound.
func (r *Repository) CreateReminder(ctx context.Context, in CreateReminderInput) (*Reminder, error) {
	query := `
		INSERT INTO reminders (id, user_id, note_id, remind_at, email, message, status)
		SELECT $1, n.user_id, n.id, $4, $5, $6, 'PENDING'
		FROM notes n
		WHERE n.id = $2 AND n.user_id = $3
		RETURNING id, user_id, note_id, remind_at, email, message, status,
			sent_at, last_error, created_at, updated_at
	`

	var rem Reminder
	err := r.db.QueryRow(ctx, query,
		uuid.New(),
		in.NoteID,
		in.UserID,
		in.RemindAt,
		in.Email,
		in.Message,
	).Scan(
		&rem.ID,
		&rem.UserID,
		&rem.NoteID,
		&rem.RemindAt,
		&rem.Email,
		&rem.Message,
		&rem.Status,
		&rem.SentAt,
		&rem.LastError,
		&rem.CreatedAt,
		&rem.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("note %s: %w", in.NoteID, ErrNotFound)
	}

	if err != nil {
		r.logger.Error("failed to create reminder",
			zap.Error(err),
			zap.String("note_id", in.NoteID.String()),
		)
		return nil, fmt.Errorf("insert reminder: %w", err)
	}

	r.logger.Info("reminder created",
		zap.String("reminder_id", rem.ID.String()),
		zap.String("user_id", rem.UserID.String()),
		zap.Time("remind_at", rem.RemindAt),
	)

	return &rem, nil
}

// ListReminders returns the owner's reminders ordered by remind_at, optionally
// filtered by status.
func (r *Repository) ListReminders(ctx context.Context, owner uuid.UUID, status string) ([]*Reminder, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminders r
		JOIN notes n ON n.id = r.note_id
		WHERE r.user_id = $1 AND ($2::text = '' OR r.status = $2)
		ORDER BY r.remind_at ASC
	`

	rows, err := r.db.Query(ctx, query, owner, status)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}

	return collectReminders(rows)
}

// CancelReminder marks a PENDING, FAILED or SENT reminder as CANCELED.
// Anything else, including an already canceled reminder, is ErrNotFound.
func (r *Repository) CancelReminder(ctx context.Context, id, owner uuid.UUID) error {
	query := `
		UPDATE reminders
		SET status = 'CANCELED', updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status IN ('PENDING', 'FAILED', 'SENT')
	`

	result, err := r.db.Exec(ctx, query, id, owner)
	if err != nil {
		return fmt.Errorf("cancel reminder: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("reminder %s: %w", id, ErrNotFound)
	}

	r.logger.Info("reminder canceled", zap.String("reminder_id", id.String()))

	return nil
}

// GetUserEmail returns the account email used when a reminder has none.
func (r *Repository) GetUserEmail(ctx context.Context, owner uuid.UUID) (string, error) {
	var email string
	err := r.db.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, owner).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("user %s: %w", owner, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query user email: %w", err)
	}
	return email, nil
}

// FindDuePending returns up to limit PENDING or FAILED reminders due at now,
// earliest first.
func (r *Repository) FindDuePending(ctx context.Context, now time.Time, limit int) ([]*Reminder, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminders r
		JOIN notes n ON n.id = r.note_id
		WHERE r.status IN ('PENDING', 'FAILED') AND r.remind_at <= $1
		ORDER BY r.remind_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}

	return collectReminders(rows)
}

// MarkSent records a successful delivery. A reminder that was deleted or
// canceled meanwhile is left alone.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	query := `
		UPDATE reminders
		SET status = 'SENT', sent_at = $2, last_error = NULL, updated_at = $2
		WHERE id = $1 AND status IN ('PENDING', 'FAILED')
	`

	result, err := r.db.Exec(ctx, query, id, sentAt)
	if err != nil {
		r.logger.Error("failed to mark reminder sent",
			zap.Error(err),
			zap.String("reminder_id", id.String()),
		)
		return fmt.Errorf("mark reminder sent: %w", err)
	}

	if result.RowsAffected() == 0 {
		r.logger.Debug("mark sent matched no reminder", zap.String("reminder_id", id.String()))
	}

	return nil
}

// MarkFailed records a failed delivery with errText capped at MaxErrorLength.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errText string) error {
	query := `
		UPDATE reminders
		SET status = 'FAILED', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'FAILED')
	`

	result, err := r.db.Exec(ctx, query, id, truncateError(errText))
	if err != nil {
		r.logger.Error("failed to mark reminder failed",
			zap.Error(err),
			zap.String("reminder_id", id.String()),
		)
		return fmt.Errorf("mark reminder failed: %w", err)
	}

	if result.RowsAffected() == 0 {
		r.logger.Debug("mark failed matched no reminder", zap.String("reminder_id", id.String()))
	}

	return nil
}

// PurgeSentOlderThan deletes SENT reminders delivered before cutoff.
func (r *Repository) PurgeSentOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(ctx,
		`DELETE FROM reminders WHERE status = 'SENT' AND sent_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge sent reminders: %w", err)
	}

	return result.RowsAffected(), nil
}
