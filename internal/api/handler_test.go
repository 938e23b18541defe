package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/notekeeper/internal/db"
	"github.com/lalithlochan/notekeeper/internal/redis"
)

var ErrDatabaseError = errors.New("database error")

// MockRepository is an in-memory reminder store
type MockRepository struct {
	mu        sync.Mutex
	notes     map[uuid.UUID]uuid.UUID // note -> owner
	emails    map[uuid.UUID]string
	reminders map[uuid.UUID]*db.Reminder

	createCalls int
	lastInput   db.CreateReminderInput
	shouldFail  bool
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		notes:     make(map[uuid.UUID]uuid.UUID),
		emails:    make(map[uuid.UUID]string),
		reminders: make(map[uuid.UUID]*db.Reminder),
	}
}

func (m *MockRepository) addUser(email string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.emails[id] = email
	return id
}

func (m *MockRepository) addNote(owner uuid.UUID) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.notes[id] = owner
	return id
}

func (m *MockRepository) CreateReminder(ctx context.Context, in db.CreateReminderInput) (*db.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createCalls++
	m.lastInput = in

	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	if owner, ok := m.notes[in.NoteID]; !ok || owner != in.UserID {
		return nil, fmt.Errorf("note %s: %w", in.NoteID, db.ErrNotFound)
	}

	rem := &db.Reminder{
		ID:       uuid.New(),
		UserID:   in.UserID,
		NoteID:   in.NoteID,
		RemindAt: in.RemindAt,
		Email:    in.Email,
		Message:  in.Message,
		Status:   db.StatusPending,
	}
	m.reminders[rem.ID] = rem
	return rem, nil
}

func (m *MockRepository) ListReminders(ctx context.Context, owner uuid.UUID, status string) ([]*db.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldFail {
		return nil, ErrDatabaseError
	}

	var out []*db.Reminder
	for _, r := range m.reminders {
		if r.UserID == owner && (status == "" || r.Status == status) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemindAt.Before(out[j].RemindAt) })
	return out, nil
}

func (m *MockRepository) CancelReminder(ctx context.Context, id, owner uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldFail {
		return ErrDatabaseError
	}

	r, ok := m.reminders[id]
	if !ok || r.UserID != owner || r.Status == db.StatusCanceled {
		return fmt.Errorf("reminder %s: %w", id, db.ErrNotFound)
	}
	r.Status = db.StatusCanceled
	return nil
}

func (m *MockRepository) GetUserEmail(ctx context.Context, owner uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email, ok := m.emails[owner]
	if !ok {
		return "", fmt.Errorf("user %s: %w", owner, db.ErrNotFound)
	}
	return email, nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T, opts ...HandlerOption) (*Handler, *MockRepository) {
	t.Helper()
	fc := clock.NewFake()
	fc.Set(testNow)

	repo := NewMockRepository()
	opts = append([]HandlerOption{WithHandlerClock(fc)}, opts...)
	return NewHandler(zap.NewNop(), repo, opts...), repo
}

func doCreate(h *Handler, owner uuid.UUID, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/reminders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	req = req.WithContext(WithOwner(req.Context(), owner))

	rec := httptest.NewRecorder()
	h.CreateReminder(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
	var p ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return p
}

func TestCreateReminder(t *testing.T) {
	tests := []struct {
		name           string
		body           func(note uuid.UUID) string
		foreignNote    bool
		shouldFail     bool
		expectedStatus int
		expectedTitle  string
		check          func(*testing.T, *db.Reminder, db.CreateReminderInput)
	}{
		{
			name: "valid reminder with explicit email",
			body: func(note uuid.UUID) string {
				return fmt.Sprintf(`{"noteId":%q,"remindAt":"2026-03-02T09:00:00Z","email":" Alice <alice@example.com> ","message":"  bring receipts  "}`, note)
			},
			expectedStatus: http.StatusCreated,
			check: func(t *testing.T, rem *db.Reminder, in db.CreateReminderInput) {
				if rem.Email != "alice@example.com" {
					t.Errorf("expected normalized email, got %q", rem.Email)
				}
				if rem.Message == nil || *rem.Message != "bring receipts" {
					t.Errorf("expected trimmed message, got %v", rem.Message)
				}
				if rem.Status != db.StatusPending {
					t.Errorf("expected PENDING, got %s", rem.Status)
				}
				if !in.RemindAt.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)) {
					t.Errorf("unexpected remindAt %v", in.RemindAt)
				}
			},
		},
		{
			name: "offset remindAt equal to now",
			body: func(note uuid.UUID) string {
				return fmt.Sprintf(`{"noteId":%q,"remindAt":"2026-03-01T13:00:00+01:00"}`, note)
			},
			expectedStatus: http.StatusBadRequest,
			expectedTitle:  "remindAt must be in the future",
		},
		{
			name: "blank email and message use defaults",
			body: func(note uuid.UUID) string {
				return fmt.Sprintf(`{"noteId":%q,"remindAt":"2026-03-01T12:00:01.5Z","email":"   ","message":""}`, note)
			},
			expectedStatus: http.StatusCreated,
			check: func(t *testing.T, rem *db.Reminder, in db.CreateReminderInput) {
				if rem.Email != "owner@example.com" {
					t.Errorf("expected account email, got %q", rem.Email)
				}
				if rem.Message != nil {
					t.Errorf("expected nil message, got %q", *rem.Message)
				}
			},
		},
		{
			name:           "missing noteId",
			body:           func(uuid.UUID) string { return `{"remindAt":"2026-03-02T09:00:00Z"}` },
			expectedStatus: http.StatusBadRequest,
			expectedTitle:  "noteId is required",
		},
		{
			name:           "noteId not a uuid",
			body:           func(uuid.UUID) string { return `{"noteId":"abc","remindAt":"2026-03-02T09:00:00Z"}` },
			expectedStatus: http.StatusBadRequest,
			expectedTitle:  "noteId must be a valid UUID",
		},
		{
			name:           "missing remindAt",
			body:           func(note uuid.UUID) string { return fmt.Sprintf(`{"noteId":%q}`, note) },
			expectedStatus: http.StatusBadRequest,
			expectedTitle:  "remindAt is required",
		},
		{
			name:           "unparseable remindAt",
			body:           func(note uuid.UUID) string { return fmt.Sprintf(`{"noteId":%q,"remindAt":"tomorrow"}`, note) },
			expectedStatus: http.StatusBadRequest,
			expectedTitle:  "remindAt must be a valid ISO date",
		},
		{
			name: "remindAt equal to now",
			body: func(note uuid.UUID) string {
				return fmt.Sprintf(`{"noteId":%q,"remindAt":"2026-03-01T12:00:00Z"}`, note)
			},
			expectedStatus: http.StatusBadRequest,
			expectedTitle:  "remindAt must be in the future",
		},
		{
			name: "invalid email",
			body: func(note uuid.UUID) string {
				return fmt.Sprintf(`{"noteId":%q,"remindAt":"2026-03-02T09:00:00Z","email":"not-an-address"}`, note)
			},
			expectedStatus: http.StatusBadRequest,
			expectedTitle:  "email must be a valid address",
		},
		{
			name:           "non-string field",
			body:           func(note uuid.UUID) string { return fmt.Sprintf(`{"noteId":%q,"remindAt":12}`, note) },
			expectedStatus: http.StatusBadRequest,
			expectedTitle:  "Malformed JSON body",
		},
		{
			name:           "malformed JSON",
			body:           func(uuid.UUID) string { return `{not json` },
			expectedStatus: http.StatusBadRequest,
			expectedTitle:  "Malformed JSON body",
		},
		{
			name: "note owned by someone else",
			body: func(note uuid.UUID) string {
				return fmt.Sprintf(`{"noteId":%q,"remindAt":"2026-03-02T09:00:00Z"}`, note)
			},
			foreignNote:    true,
			expectedStatus: http.StatusNotFound,
			expectedTitle:  "Note not found",
		},
		{
			name: "database failure",
			body: func(note uuid.UUID) string {
				return fmt.Sprintf(`{"noteId":%q,"remindAt":"2026-03-02T09:00:00Z"}`, note)
			},
			shouldFail:     true,
			expectedStatus: http.StatusInternalServerError,
			expectedTitle:  "Internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, repo := newTestHandler(t)
			owner := repo.addUser("owner@example.com")
			note := repo.addNote(owner)
			if tt.foreignNote {
				note = repo.addNote(repo.addUser("other@example.com"))
			}
			repo.shouldFail = tt.shouldFail

			rec := doCreate(h, owner, tt.body(note), nil)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}

			if tt.expectedStatus != http.StatusCreated {
				if p := decodeProblem(t, rec); p.Title != tt.expectedTitle {
					t.Errorf("expected title %q, got %q", tt.expectedTitle, p.Title)
				}
				return
			}

			var rem db.Reminder
			if err := json.NewDecoder(rec.Body).Decode(&rem); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if rem.ID == uuid.Nil || rem.NoteID != note || rem.UserID != owner {
				t.Errorf("unexpected reminder %+v", rem)
			}
			if tt.check != nil {
				tt.check(t, &rem, repo.lastInput)
			}
		})
	}
}

func TestCreateReminder_UnknownUserWithoutEmail(t *testing.T) {
	h, repo := newTestHandler(t)
	stranger := uuid.New()
	note := repo.addNote(stranger)

	rec := doCreate(h, stranger, fmt.Sprintf(`{"noteId":%q,"remindAt":"2026-03-02T09:00:00Z"}`, note), nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if repo.createCalls != 0 {
		t.Error("store should not be called without a recipient")
	}
}

func newIdempotency(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redis.NewIdempotencyService(redis.NewFromRedis(rdb, zap.NewNop()), zap.NewNop())
}

func TestCreateReminder_IdempotentReplay(t *testing.T) {
	h, repo := newTestHandler(t, WithIdempotency(newIdempotency(t)))
	owner := repo.addUser("owner@example.com")
	note := repo.addNote(owner)

	body := fmt.Sprintf(`{"noteId":%q,"remindAt":"2026-03-02T09:00:00Z"}`, note)
	header := http.Header{"Idempotency-Key": []string{"retry-1"}}

	first := doCreate(h, owner, body, header)
	if first.Code != http.StatusCreated {
		t.Fatalf("first: expected 201, got %d", first.Code)
	}

	second := doCreate(h, owner, body, header)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: expected 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected replay header")
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Errorf("replayed body differs:\n%s\n%s", first.Body, second.Body)
	}
	if repo.createCalls != 1 {
		t.Errorf("expected one store insert, got %d", repo.createCalls)
	}

	// a different owner may reuse the key
	other := repo.addUser("other@example.com")
	otherNote := repo.addNote(other)
	rec := doCreate(h, other, fmt.Sprintf(`{"noteId":%q,"remindAt":"2026-03-02T09:00:00Z"}`, otherNote), header)
	if rec.Code != http.StatusCreated || rec.Header().Get("X-Idempotency-Replayed") != "" {
		t.Errorf("expected fresh create for another owner, got %d", rec.Code)
	}
}

func TestCreateReminder_IdempotencyKeyReleasedOnFailure(t *testing.T) {
	h, repo := newTestHandler(t, WithIdempotency(newIdempotency(t)))
	owner := repo.addUser("owner@example.com")
	note := repo.addNote(owner)

	body := fmt.Sprintf(`{"noteId":%q,"remindAt":"2026-03-02T09:00:00Z"}`, note)
	header := http.Header{"Idempotency-Key": []string{"retry-2"}}

	repo.shouldFail = true
	if rec := doCreate(h, owner, body, header); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	repo.shouldFail = false
	if rec := doCreate(h, owner, body, header); rec.Code != http.StatusCreated {
		t.Fatalf("expected retry to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateReminder_IdempotencyInFlight(t *testing.T) {
	svc := newIdempotency(t)
	h, repo := newTestHandler(t, WithIdempotency(svc))
	owner := repo.addUser("owner@example.com")
	note := repo.addNote(owner)

	if _, err := svc.Reserve(context.Background(), owner.String(), "busy"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	rec := doCreate(h, owner, fmt.Sprintf(`{"noteId":%q,"remindAt":"2026-03-02T09:00:00Z"}`, note),
		http.Header{"Idempotency-Key": []string{"busy"}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func seedReminder(repo *MockRepository, owner uuid.UUID, status string, at time.Time) *db.Reminder {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	r := &db.Reminder{ID: uuid.New(), UserID: owner, NoteID: uuid.New(), RemindAt: at, Status: status}
	repo.reminders[r.ID] = r
	return r
}

func doList(h *Handler, owner uuid.UUID, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/reminders"+query, nil)
	req = req.WithContext(WithOwner(req.Context(), owner))
	rec := httptest.NewRecorder()
	h.ListReminders(rec, req)
	return rec
}

func TestListReminders(t *testing.T) {
	h, repo := newTestHandler(t)
	owner := repo.addUser("owner@example.com")

	late := seedReminder(repo, owner, db.StatusPending, testNow.Add(48*time.Hour))
	early := seedReminder(repo, owner, db.StatusPending, testNow.Add(time.Hour))
	sent := seedReminder(repo, owner, db.StatusSent, testNow.Add(-time.Hour))
	seedReminder(repo, repo.addUser("other@example.com"), db.StatusPending, testNow)

	tests := []struct {
		name           string
		query          string
		expectedStatus int
		expectedIDs    []uuid.UUID
	}{
		{"all statuses ordered by remindAt", "", http.StatusOK, []uuid.UUID{sent.ID, early.ID, late.ID}},
		{"lower-case filter", "?status=pending", http.StatusOK, []uuid.UUID{early.ID, late.ID}},
		{"mixed-case filter", "?status=SeNt", http.StatusOK, []uuid.UUID{sent.ID}},
		{"no matches", "?status=FAILED", http.StatusOK, []uuid.UUID{}},
		{"unknown status", "?status=archived", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doList(h, owner, tt.query)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}

			if tt.expectedStatus != http.StatusOK {
				if p := decodeProblem(t, rec); p.Title != "Invalid status value" {
					t.Errorf("unexpected title %q", p.Title)
				}
				return
			}

			if strings.TrimSpace(rec.Body.String()) == "null" {
				t.Fatal("expected a JSON array, got null")
			}
			var got []db.Reminder
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(got) != len(tt.expectedIDs) {
				t.Fatalf("expected %d reminders, got %d", len(tt.expectedIDs), len(got))
			}
			for i, id := range tt.expectedIDs {
				if got[i].ID != id {
					t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

func TestListReminders_DatabaseError(t *testing.T) {
	h, repo := newTestHandler(t)
	repo.shouldFail = true

	if rec := doList(h, uuid.New(), ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func doCancel(h *Handler, owner uuid.UUID, id string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodDelete, "/v1/reminders/"+id, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	req = req.WithContext(WithOwner(ctx, owner))

	rec := httptest.NewRecorder()
	h.CancelReminder(rec, req)
	return rec
}

func TestCancelReminder(t *testing.T) {
	h, repo := newTestHandler(t)
	owner := repo.addUser("owner@example.com")
	other := repo.addUser("other@example.com")

	pending := seedReminder(repo, owner, db.StatusPending, testNow.Add(time.Hour))
	sent := seedReminder(repo, owner, db.StatusSent, testNow.Add(-time.Hour))

	tests := []struct {
		name           string
		owner          uuid.UUID
		id             string
		expectedStatus int
	}{
		{"cancel pending", owner, pending.ID.String(), http.StatusNoContent},
		{"cancel again", owner, pending.ID.String(), http.StatusNotFound},
		{"cancel sent", owner, sent.ID.String(), http.StatusNoContent},
		{"not the owner", other, seedReminder(repo, owner, db.StatusFailed, testNow).ID.String(), http.StatusNotFound},
		{"unknown id", owner, uuid.New().String(), http.StatusNotFound},
		{"malformed id", owner, "not-a-uuid", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doCancel(h, tt.owner, tt.id)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
			if tt.expectedStatus == http.StatusNoContent && rec.Body.Len() != 0 {
				t.Errorf("expected empty body, got %q", rec.Body.String())
			}
		})
	}

	if pending.Status != db.StatusCanceled {
		t.Errorf("expected CANCELED, got %s", pending.Status)
	}
}
