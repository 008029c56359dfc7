package middleware

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pliu/chatroom/internal/apperr"
	"github.com/pliu/chatroom/internal/auth"
	"github.com/pliu/chatroom/internal/models"
)

type stubUsers map[int64]bool

func (u stubUsers) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	if id == 500 {
		return nil, errors.New("connection reset")
	}
	active, ok := u[id]
	if !ok {
		return nil, apperr.NotFound("user %d", id)
	}
	return &models.User{ID: id, IsActive: active}, nil
}

func TestAuthMiddleware(t *testing.T) {
	sessions := auth.NewSessions("test-secret", time.Hour)
	valid, _, err := sessions.Issue(123)
	require.NoError(t, err)
	deactivated, _, err := sessions.Issue(456)
	require.NoError(t, err)
	unreachable, _, err := sessions.Issue(500)
	require.NoError(t, err)
	authenticator := auth.NewAuthenticator(sessions, stubUsers{123: true, 456: false})

	// Mock next handler
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserIDFrom(r.Context())
		if !ok {
			t.Error("Expected userID in context")
		}
		if userID != 123 {
			t.Errorf("Expected userID 123, got %v", userID)
		}
		w.WriteHeader(http.StatusOK)
	})
	handler := AuthMiddleware(authenticator, "session")(nextHandler)

	tests := []struct {
		name           string
		cookieValue    string
		bearer         string
		expectedStatus int
	}{
		{
			name:           "Valid Cookie",
			cookieValue:    valid,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Valid Bearer",
			bearer:         valid,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Invalid Signature",
			cookieValue:    valid + "x",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Garbage Bearer",
			bearer:         "not-a-token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Missing Session",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Deactivated Account",
			bearer:         deactivated,
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "User Lookup Failure",
			cookieValue:    unreachable,
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.cookieValue != "" {
				req.AddCookie(&http.Cookie{Name: "session", Value: tt.cookieValue})
			}
			if tt.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			}
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v",
					rr.Code, tt.expectedStatus)
			}
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	// Mock next handler that returns 404
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest("GET", "/rooms", nil)
	rr := httptest.NewRecorder()

	LoggingMiddleware(zap.New(core))(nextHandler).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "/rooms", fields["path"])
	assert.EqualValues(t, http.StatusNotFound, fields["status"])
}

// MockHijacker implements http.Hijacker for testing
type MockHijacker struct {
	httptest.ResponseRecorder
	hijacked bool
}

func (m *MockHijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	m.hijacked = true
	return nil, nil, nil
}

func TestLoggingMiddleware_Hijack(t *testing.T) {
	// Mock next handler that tries to hijack
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			t.Error("ResponseWriter does not implement http.Hijacker")
			return
		}
		_, _, err := hijacker.Hijack()
		if err != nil {
			t.Errorf("Hijack failed: %v", err)
		}
	})

	req := httptest.NewRequest("GET", "/ws", nil)

	// The middleware wraps the writer passed to ServeHTTP, so the writer
	// handed to it must support hijacking.
	mockWriter := &MockHijacker{ResponseRecorder: *httptest.NewRecorder()}

	LoggingMiddleware(zap.NewNop())(nextHandler).ServeHTTP(mockWriter, req)
	assert.True(t, mockWriter.hijacked)
}
