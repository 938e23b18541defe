package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// SQLiteRepository is the single-file reminder store used for local and
// single-node deployments. Timestamps are stored as unix milliseconds.
type SQLiteRepository struct {
	db     *sql.DB
	clock  clock.Clock
	logger *zap.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT    PRIMARY KEY,
	email         TEXT    NOT NULL UNIQUE,
	password_hash TEXT    NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notes (
	id         TEXT    PRIMARY KEY,
	user_id    TEXT    NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	title      TEXT,
	content    TEXT,
	color      TEXT    NOT NULL DEFAULT '#ffffff',
	pinned     INTEGER NOT NULL DEFAULT 0,
	archived   INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reminders (
	id         TEXT    PRIMARY KEY,
	user_id    TEXT    NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	note_id    TEXT    NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
	remind_at  INTEGER NOT NULL,
	email      TEXT    NOT NULL,
	message    TEXT,
	status     TEXT    NOT NULL DEFAULT 'PENDING',
	sent_at    INTEGER,
	last_error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders (status, remind_at);
CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders (user_id, remind_at);
`

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// one connection keeps the per-connection pragmas in effect
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info("sqlite database opened", zap.String("path", path))

	return &SQLiteRepository{
		db:     db,
		clock:  clock.New(),
		logger: logger,
	}, nil
}

// Close closes the underlying database.
func (s *SQLiteRepository) Close() error {
	s.logger.Info("closing sqlite database")
	return s.db.Close()
}

// Health checks if the database is reachable
func (s *SQLiteRepository) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

const sqliteReminderColumns = `
	r.id, r.user_id, r.note_id, r.remind_at, r.email, r.message, r.status,
	r.sent_at, r.last_error, r.created_at, r.updated_at,
	COALESCE(n.title, ''), COALESCE(n.content, '')`

func scanSQLiteReminder(row rowScanner) (*Reminder, error) {
	var (
		r                              Reminder
		remindAt, createdAt, updatedAt int64
		sentAt                         sql.NullInt64
		message, lastError             sql.NullString
	)

	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.NoteID,
		&remindAt,
		&r.Email,
		&message,
		&r.Status,
		&sentAt,
		&lastError,
		&createdAt,
		&updatedAt,
		&r.NoteTitle,
		&r.NoteContent,
	)
	if err != nil {
		return nil, err
	}

	r.RemindAt = fromMillis(remindAt)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	if sentAt.Valid {
		t := fromMillis(sentAt.Int64)
		r.SentAt = &t
	}
	if message.Valid {
		r.Message = &message.String
	}
	if lastError.Valid {
		r.LastError = &lastError.String
	}

	return &r, nil
}

func (s *SQLiteRepository) queryReminders(ctx context.Context, query string, args ...any) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reminders []*Reminder
	for rows.Next() {
		r, err := scanSQLiteReminder(rows)
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

func (s *SQLiteRepository) getReminder(ctx context.Context, id uuid.UUID) (*Reminder, error) {
	reminders, err := s.queryReminders(ctx, `
		SELECT `+sqliteReminderColumns+`
		FROM reminders r
		LEFT JOIN notes n ON n.id = r.note_id
		WHERE r.id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query reminder: %w", err)
	}
	if len(reminders) == 0 {
		return nil, fmt.Errorf("reminder %s: %w", id, ErrNotFound)
	}
	return reminders[0], nil
}

// CreateReminder inserts a PENDING reminder for a note the owner holds.
func (s *SQLiteRepository) CreateReminder(ctx context.Context, in CreateReminderInput) (*Reminder, error) {
	now := toMillis(s.clock.Now())
	id := uuid.New()

	var message sql.NullString
	if in.Message != nil {
		message = sql.NullString{String: *in.Message, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (id, user_id, note_id, remind_at, email, message, status, created_at, updated_at)
		SELECT ?, n.user_id, n.id, ?, ?, ?, 'PENDING', ?, ?
		FROM notes n
		WHERE n.id = ? AND n.user_id = ?
	`, id, toMillis(in.RemindAt), in.Email, message, now, now, in.NoteID, in.UserID)
	if err != nil {
		s.logger.Error("failed to create reminder",
			zap.Error(err),
			zap.String("note_id", in.NoteID.String()),
		)
		return nil, fmt.Errorf("insert reminder: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert reminder: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("note %s: %w", in.NoteID, ErrNotFound)
	}

	s.logger.Info("reminder created",
		zap.String("reminder_id", id.String()),
		zap.String("user_id", in.UserID.String()),
		zap.Time("remind_at", in.RemindAt),
	)

	return s.getReminder(ctx, id)
}

// ListReminders returns the owner's reminders ordered by remind_at.
func (s *SQLiteRepository) ListReminders(ctx context.Context, owner uuid.UUID, status string) ([]*Reminder, error) {
	reminders, err := s.queryReminders(ctx, `
		SELECT `+sqliteReminderColumns+`
		FROM reminders r
		JOIN notes n ON n.id = r.note_id
		WHERE r.user_id = ? AND (? = '' OR r.status = ?)
		ORDER BY r.remind_at ASC
	`, owner, status, status)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	return reminders, nil
}

// CancelReminder marks a PENDING, FAILED or SENT reminder as CANCELED.
func (s *SQLiteRepository) CancelReminder(ctx context.Context, id, owner uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reminders
		SET status = 'CANCELED', updated_at = ?
		WHERE id = ? AND user_id = ? AND status IN ('PENDING', 'FAILED', 'SENT')
	`, toMillis(s.clock.Now()), id, owner)
	if err != nil {
		return fmt.Errorf("cancel reminder: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel reminder: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("reminder %s: %w", id, ErrNotFound)
	}

	s.logger.Info("reminder canceled", zap.String("reminder_id", id.String()))

	return nil
}

// GetUserEmail returns the account email used when a reminder has none.
func (s *SQLiteRepository) GetUserEmail(ctx context.Context, owner uuid.UUID) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `SELECT email FROM users WHERE id = ?`, owner).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("user %s: %w", owner, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query user email: %w", err)
	}
	return email, nil
}

// FindDuePending returns up to limit PENDING or FAILED reminders due at now,
// earliest first.
func (s *SQLiteRepository) FindDuePending(ctx context.Context, now time.Time, limit int) ([]*Reminder, error) {
	reminders, err := s.queryReminders(ctx, `
		SELECT `+sqliteReminderColumns+`
		FROM reminders r
		JOIN notes n ON n.id = r.note_id
		WHERE r.status IN ('PENDING', 'FAILED') AND r.remind_at <= ?
		ORDER BY r.remind_at ASC
		LIMIT ?
	`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	return reminders, nil
}

// MarkSent records a successful delivery and clears the last error.
func (s *SQLiteRepository) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reminders
		SET status = 'SENT', sent_at = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'FAILED')
	`, toMillis(sentAt), toMillis(sentAt), id)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	return nil
}

// MarkFailed records a failed delivery with errText capped at MaxErrorLength.
func (s *SQLiteRepository) MarkFailed(ctx context.Context, id uuid.UUID, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reminders
		SET status = 'FAILED', last_error = ?, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'FAILED')
	`, truncateError(errText), toMillis(s.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("mark reminder failed: %w", err)
	}
	return nil
}

// PurgeSentOlderThan deletes SENT reminders delivered before cutoff.
func (s *SQLiteRepository) PurgeSentOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE status = 'SENT' AND sent_at < ?`,
		toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("purge sent reminders: %w", err)
	}
	return result.RowsAffected()
}
