package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatroom/internal/models"
)

func multipartUpload(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (s *testServer) upload(t *testing.T, userID int64, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := multipartUpload(t, filename, content)
	req.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	rr := httptest.NewRecorder()
	s.authed(http.HandlerFunc(s.uploads.Upload)).ServeHTTP(rr, req)
	return rr
}

func TestUploadAndServe(t *testing.T) {
	s := newTestServer(t)
	user := s.createUser(t, "alice")

	rr := s.upload(t, user.ID, "Cat.PNG", []byte("not really a png"))
	expectStatus(t, rr, http.StatusCreated)

	uploaded := decodeBody[UploadResponse](t, rr)
	assert.Equal(t, models.KindImage, uploaded.Kind)
	assert.True(t, strings.HasSuffix(uploaded.Ref, ".png"))
	assert.Equal(t, "/attachments/"+uploaded.Ref, uploaded.URL)

	req := httptest.NewRequest("GET", uploaded.URL, nil)
	req = mux.SetURLVars(req, map[string]string{"ref": uploaded.Ref})
	rr = httptest.NewRecorder()
	http.HandlerFunc(s.uploads.Serve).ServeHTTP(rr, req)
	expectStatus(t, rr, http.StatusOK)
	assert.Equal(t, "not really a png", rr.Body.String())
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestUploadRejects(t *testing.T) {
	s := newTestServer(t)
	user := s.createUser(t, "alice")

	expectStatus(t, s.upload(t, user.ID, "big.bin", bytes.Repeat([]byte("x"), 2048)), http.StatusBadRequest)
	expectStatus(t, s.upload(t, user.ID, "empty.txt", nil), http.StatusBadRequest)

	// No multipart body at all
	req := httptest.NewRequest("POST", "/attachments", strings.NewReader("plain"))
	req.Header.Set("Authorization", "Bearer "+s.token(t, user.ID))
	rr := httptest.NewRecorder()
	s.authed(http.HandlerFunc(s.uploads.Upload)).ServeHTTP(rr, req)
	expectStatus(t, rr, http.StatusBadRequest)

	// Anonymous uploads are refused
	rr = httptest.NewRecorder()
	s.authed(http.HandlerFunc(s.uploads.Upload)).ServeHTTP(rr, multipartUpload(t, "a.txt", []byte("a")))
	expectStatus(t, rr, http.StatusUnauthorized)
}

func TestServeUnknownAttachment(t *testing.T) {
	s := newTestServer(t)

	for _, ref := range []string{"0b8e6d2a-4f1c-4d6e-9a51-1f0a1c2b3d4e.png", "..%2F..%2Fetc%2Fpasswd", "x"} {
		req := httptest.NewRequest("GET", "/attachments/x", nil)
		req = mux.SetURLVars(req, map[string]string{"ref": ref})
		rr := httptest.NewRecorder()
		http.HandlerFunc(s.uploads.Serve).ServeHTTP(rr, req)
		expectStatus(t, rr, http.StatusNotFound)
	}
}

func TestImageMessageCarriesURL(t *testing.T) {
	f := newMessageFixture(t)

	rr := f.s.upload(t, f.alice.ID, "cat.jpg", []byte("jpeg bytes"))
	expectStatus(t, rr, http.StatusCreated)
	uploaded := decodeBody[UploadResponse](t, rr)

	rr = f.s.request(t, f.s.messages.PostMessage, "POST", "/rooms/1/messages", f.alice.ID, idVars(f.room.ID),
		MessageRequest{Kind: uploaded.Kind, AttachmentRef: uploaded.Ref})
	expectStatus(t, rr, http.StatusCreated)
	msg := decodeBody[models.Message](t, rr)
	assert.Equal(t, models.KindImage, msg.Kind)
	assert.Equal(t, uploaded.URL, msg.AttachmentURL)

	rr = f.s.request(t, f.s.messages.GetMessages, "GET", "/rooms/1/messages", f.bob.ID, idVars(f.room.ID), nil)
	expectStatus(t, rr, http.StatusOK)
	history := decodeBody[[]models.Message](t, rr)
	require.Len(t, history, 1)
	assert.Equal(t, uploaded.URL, history[0].AttachmentURL)
}
