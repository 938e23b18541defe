package db

import (
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a reminder, note or user does not exist or is
// not owned by the caller.
var ErrNotFound = errors.New("not found")

// MaxErrorLength bounds the stored delivery error text, in runes.
const MaxErrorLength = 1000

// Reminder is a scheduled email tied to one note and one owner.
type Reminder struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"userId"`
	NoteID      uuid.UUID  `json:"noteId"`
	RemindAt    time.Time  `json:"remindAt"`
	Email       string     `json:"email"`
	Message     *string    `json:"message"`
	Status      string     `json:"status"`
	SentAt      *time.Time `json:"sentAt"`
	LastError   *string    `json:"lastError"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	NoteTitle   string     `json:"noteTitle,omitempty"`
	NoteContent string     `json:"-"`
}

// Status constants
//
//	PENDING -> SENT | FAILED
//	FAILED  -> SENT (on a later attempt)
//	PENDING | FAILED | SENT -> CANCELED
const (
	StatusPending  = "PENDING"
	StatusSent     = "SENT"
	StatusFailed   = "FAILED"
	StatusCanceled = "CANCELED"
)

// ValidStatus reports whether s is one of the reminder status values.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// CreateReminderInput carries validated fields for a new reminder.
type CreateReminderInput struct {
	UserID   uuid.UUID
	NoteID   uuid.UUID
	RemindAt time.Time
	Email    string
	Message  *string
}

// truncateError caps s at MaxErrorLength runes.
func truncateError(s string) string {
	if utf8.RuneCountInString(s) <= MaxErrorLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxErrorLength])
}
