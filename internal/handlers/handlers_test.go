package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/chatroom/internal/attachments"
	"github.com/pliu/chatroom/internal/auth"
	"github.com/pliu/chatroom/internal/chat"
	"github.com/pliu/chatroom/internal/events"
	"github.com/pliu/chatroom/internal/middleware"
	"github.com/pliu/chatroom/internal/models"
	"github.com/pliu/chatroom/internal/store/sqlstore"
	"github.com/pliu/chatroom/internal/ws"
)

const testCookie = "session"

type testServer struct {
	store       *sqlstore.SQLStore
	sessions    *auth.Sessions
	auther      *auth.Authenticator
	registry    *ws.Registry
	attachments *attachments.Store
	auth        *AuthHandler
	rooms       *RoomHandler
	messages    *MessageHandler
	uploads     *AttachmentHandler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	files, err := attachments.New(t.TempDir(), 1024)
	if err != nil {
		t.Fatal(err)
	}

	log := zap.NewNop()
	registry := ws.NewRegistry(store)
	presence := chat.NewPresence(store, registry, events.Nop, log)
	broadcaster := chat.NewBroadcaster(store, registry, events.Nop, files, 280, log)
	tracker := chat.NewTracker(store, registry, events.Nop, log)
	rooms := chat.NewRooms(store, registry, presence, broadcaster, events.Nop, files, 50, log)
	sessions := auth.NewSessions("test-secret", time.Hour)

	return &testServer{
		store:       store,
		sessions:    sessions,
		auther:      auth.NewAuthenticator(sessions, store),
		registry:    registry,
		attachments: files,
		auth:        &AuthHandler{Store: store, Sessions: sessions, CookieName: testCookie, Log: log},
		rooms:       &RoomHandler{Rooms: rooms, Store: store, Log: log},
		messages:    &MessageHandler{Rooms: rooms, Broadcaster: broadcaster, Tracker: tracker, Log: log},
		uploads:     &AttachmentHandler{Store: files, MaxBytes: 1024, Log: log},
	}
}

// createUser inserts an active user whose password is "password123".
func (s *testServer) createUser(t *testing.T, username string) *models.User {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	user := &models.User{Username: username, Email: username + "@example.com", Password: string(hashed)}
	if err := s.store.CreateUser(t.Context(), user); err != nil {
		t.Fatal(err)
	}
	return user
}

func (s *testServer) token(t *testing.T, userID int64) string {
	t.Helper()
	token, _, err := s.sessions.Issue(userID)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

// request runs handler behind the auth middleware as userID. A zero userID
// sends no credentials.
func (s *testServer) request(t *testing.T, handler http.HandlerFunc, method, target string, userID int64, vars map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, target, reader)
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}

	rr := httptest.NewRecorder()
	s.authed(handler).ServeHTTP(rr, req)
	return rr
}

func (s *testServer) authed(h http.Handler) http.Handler {
	return middleware.AuthMiddleware(s.auther, testCookie)(h)
}

func idVars(id int64) map[string]string {
	return map[string]string{"id": strconv.FormatInt(id, 10)}
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("handler returned wrong status code: got %v want %v (body %q)", rr.Code, want, rr.Body.String())
	}
}
