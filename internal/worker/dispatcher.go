package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/notekeeper/internal/db"
)

// Dispatcher delivers one reminder. Implementations make exactly one attempt
// per call; retrying is the scheduler's job.
type Dispatcher interface {
	Send(ctx context.Context, reminder *db.Reminder) error
}

// ErrNotConfigured means the transport lacks the settings it needs to send.
// No retry succeeds until an operator fixes the configuration.
var ErrNotConfigured = errors.New("email transport is not configured")

// DispatchError is a failed delivery of a single reminder.
type DispatchError struct {
	ReminderID uuid.UUID
	TimedOut   bool
	Err        error
}

func (e *DispatchError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("dispatch timed out: %v", e.Err)
	}
	return e.Err.Error()
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

const untitledNote = "Untitled note"

// Message is the rendered email for a reminder.
type Message struct {
	To      string
	Subject string
	Body    string
}

// ComposeMessage renders the subject and plain-text body for r.
func ComposeMessage(r *db.Reminder) Message {
	title := r.NoteTitle
	if title == "" {
		title = untitledNote
	}

	lines := []string{"This is your reminder for: " + title}
	if r.NoteContent != "" {
		lines = append(lines, "Content: "+r.NoteContent)
	}
	if r.Message != nil && *r.Message != "" {
		lines = append(lines, "Message: "+*r.Message)
	}
	lines = append(lines, "Scheduled for: "+r.RemindAt.UTC().Format("2006-01-02T15:04:05.000Z"))

	return Message{
		To:      r.Email,
		Subject: "Reminder: " + title,
		Body:    strings.Join(lines, "\n"),
	}
}

// LogDispatcher logs reminders instead of sending them (for development)
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Send(ctx context.Context, r *db.Reminder) error {
	msg := ComposeMessage(r)
	d.logger.Info("reminder email",
		zap.String("reminder_id", r.ID.String()),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}
