package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/notekeeper/internal/db"
)

func TestRouter_ReminderLifecycle(t *testing.T) {
	h, repo := newTestHandler(t)
	owner := repo.addUser("owner@example.com")
	note := repo.addNote(owner)

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Handler:   h,
		Health:    NewHealthHandler(fakeScheduler(true), nil),
		JWTSecret: testSecret,
		Logger:    zap.NewNop(),
	}))
	defer srv.Close()

	token := signToken(t, jwt.SigningMethodHS256, testSecret, validClaims(owner.String()))
	do := func(method, path, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		return resp
	}

	resp := do(http.MethodPost, "/v1/reminders", fmt.Sprintf(`{"noteId":%q,"remindAt":"2026-03-02T09:00:00Z"}`, note))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}
	var created db.Reminder
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	resp = do(http.MethodGet, "/v1/reminders?status=pending", "")
	var listed []db.Reminder
	json.NewDecoder(resp.Body).Decode(&listed)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(listed) != 1 || listed[0].ID != created.ID {
		t.Fatalf("list: unexpected %d %+v", resp.StatusCode, listed)
	}

	resp = do(http.MethodDelete, "/v1/reminders/"+created.ID.String(), "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel: expected 204, got %d", resp.StatusCode)
	}

	resp = do(http.MethodGet, "/v1/reminders?status=CANCELED", "")
	listed = nil
	json.NewDecoder(resp.Body).Decode(&listed)
	resp.Body.Close()
	if len(listed) != 1 {
		t.Fatalf("expected canceled reminder in list, got %d", len(listed))
	}
}

func TestRouter_PublicAndProtectedRoutes(t *testing.T) {
	h, _ := newTestHandler(t)
	router := NewRouter(RouterConfig{
		Handler:   h,
		Health:    NewHealthHandler(nil, nil),
		JWTSecret: testSecret,
		Logger:    zap.NewNop(),
	})

	tests := []struct {
		method         string
		path           string
		expectedStatus int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/v1/reminders", http.StatusUnauthorized},
		{http.MethodPost, "/v1/reminders", http.StatusUnauthorized},
		{http.MethodDelete, "/v1/reminders/abc", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.expectedStatus {
				t.Errorf("expected %d, got %d", tt.expectedStatus, rec.Code)
			}
		})
	}
}
