package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndAuthenticate(t *testing.T) {
	svc := NewUserService(0)

	identity, token := svc.CreateUser("alice")
	assert.Equal(t, "alice", identity.Name)
	assert.NotEmpty(t, identity.ID)
	assert.NotEqual(t, identity.ID, token)

	got, err := svc.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, identity, got)

	_, err = svc.Authenticate("")
	assert.ErrorIs(t, err, ErrTokenNotFound)
	_, err = svc.Authenticate("unknown")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestTokenExpires(t *testing.T) {
	svc := NewUserService(time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	_, token := svc.CreateUser("bob")

	now = now.Add(59 * time.Second)
	_, err := svc.Authenticate(token)
	require.NoError(t, err)

	now = now.Add(time.Second)
	_, err = svc.Authenticate(token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	// Истекший токен удаляется
	_, err = svc.Authenticate(token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestHandler(t *testing.T) {
	svc := NewUserService(time.Hour)
	handler := svc.Handler(nil)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{"name":" carol "}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createUserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "carol", resp.Name)

	identity, err := svc.Authenticate(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.ID, identity.ID)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "token", cookies[0].Name)
	assert.Equal(t, resp.Token, cookies[0].Value)
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	handler := NewUserService(0).Handler(nil)

	for _, body := range []string{`not json`, `{"name":""}`, `{"name":"   "}`} {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}
