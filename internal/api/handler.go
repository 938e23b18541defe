package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"github.com/lalithlochan/notekeeper/internal/db"
	"github.com/lalithlochan/notekeeper/internal/metrics"
	"github.com/lalithlochan/notekeeper/internal/redis"
)

// ReminderRepository is the store surface the HTTP layer needs.
type ReminderRepository interface {
	CreateReminder(ctx context.Context, in db.CreateReminderInput) (*db.Reminder, error)
	ListReminders(ctx context.Context, owner uuid.UUID, status string) ([]*db.Reminder, error)
	CancelReminder(ctx context.Context, id, owner uuid.UUID) error
	GetUserEmail(ctx context.Context, owner uuid.UUID) (string, error)
}

// CreateReminderRequest is the POST /v1/reminders body.
type CreateReminderRequest struct {
	NoteID   *string `json:"noteId"`
	RemindAt *string `json:"remindAt"`
	Email    *string `json:"email"`
	Message  *string `json:"message"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        ReminderRepository
	idempotency *redis.IdempotencyService // nil if Redis not configured
	clock       clock.Clock
}

type HandlerOption func(*Handler)

// WithIdempotency enables Idempotency-Key replay on create.
func WithIdempotency(svc *redis.IdempotencyService) HandlerOption {
	return func(h *Handler) { h.idempotency = svc }
}

func WithHandlerClock(c clock.Clock) HandlerOption {
	return func(h *Handler) { h.clock = c }
}

func NewHandler(logger *zap.Logger, repo ReminderRepository, opts ...HandlerOption) *Handler {
	h := &Handler{
		logger: logger,
		repo:   repo,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateReminder handles POST /v1/reminders
func (h *Handler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, _ := OwnerFromContext(ctx)

	var req CreateReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	in, err := h.validateCreate(ctx, owner, req)
	if err != nil {
		writeServiceError(w, h.logger, err, "User not found")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	reserved := false
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, owner.String(), idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		default:
			reserved = true
		}
	}

	rem, err := h.repo.CreateReminder(ctx, in)
	if err != nil {
		if reserved {
			if relErr := h.idempotency.Release(ctx, owner.String(), idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		writeServiceError(w, h.logger, err, "Note not found")
		return
	}
	metrics.RecordReminderCreated()

	body, err := json.Marshal(rem)
	if err != nil {
		writeServiceError(w, h.logger, err, "")
		return
	}

	if reserved {
		if err := h.idempotency.Store(ctx, owner.String(), idempotencyKey, &redis.IdempotencyResult{
			ReminderID: rem.ID.String(),
			StatusCode: http.StatusCreated,
			Body:       body,
		}); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

// validateCreate normalizes the request. An omitted email falls back to the
// owner's account address.
func (h *Handler) validateCreate(ctx context.Context, owner uuid.UUID, req CreateReminderRequest) (db.CreateReminderInput, error) {
	in := db.CreateReminderInput{UserID: owner}

	noteID := trimmed(req.NoteID)
	if noteID == "" {
		return in, invalid("noteId", "noteId is required")
	}
	id, err := uuid.Parse(noteID)
	if err != nil {
		return in, invalid("noteId", "noteId must be a valid UUID")
	}
	in.NoteID = id

	remindAt := trimmed(req.RemindAt)
	if remindAt == "" {
		return in, invalid("remindAt", "remindAt is required")
	}
	at, err := time.Parse(time.RFC3339Nano, remindAt)
	if err != nil {
		return in, invalid("remindAt", "remindAt must be a valid ISO date")
	}
	if !at.After(h.clock.Now()) {
		return in, invalid("remindAt", "remindAt must be in the future")
	}
	in.RemindAt = at.UTC()

	if email := trimmed(req.Email); email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil {
			return in, invalid("email", "email must be a valid address")
		}
		in.Email = addr.Address
	} else {
		in.Email, err = h.repo.GetUserEmail(ctx, owner)
		if err != nil {
			return in, err
		}
	}

	if msg := trimmed(req.Message); msg != "" {
		in.Message = &msg
	}

	return in, nil
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// ListReminders handles GET /v1/reminders?status=pending
func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, _ := OwnerFromContext(ctx)

	status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && !db.ValidStatus(status) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status value",
			"status must be one of: PENDING, SENT, FAILED, CANCELED")
		return
	}

	reminders, err := h.repo.ListReminders(ctx, owner, status)
	if err != nil {
		writeServiceError(w, h.logger, err, "")
		return
	}
	if reminders == nil {
		reminders = []*db.Reminder{}
	}

	h.logger.Debug("reminders listed",
		zap.String("user_id", owner.String()),
		zap.String("status", status),
		zap.Int("count", len(reminders)),
	)

	writeJSON(w, http.StatusOK, reminders)
}

// CancelReminder handles DELETE /v1/reminders/{id}
func (h *Handler) CancelReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, _ := OwnerFromContext(ctx)

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
		return
	}

	if err := h.repo.CancelReminder(ctx, id, owner); err != nil {
		writeServiceError(w, h.logger, err, "Reminder not found")
		return
	}
	metrics.RecordReminderCanceled()

	w.WriteHeader(http.StatusNoContent)
}
