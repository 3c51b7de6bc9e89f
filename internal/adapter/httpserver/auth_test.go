package httpserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "argon2id$"))

	assert.True(t, VerifyPassword("hunter2", hash))
	assert.False(t, VerifyPassword("hunter3", hash))
	assert.False(t, VerifyPassword("hunter2", "not-a-hash"))

	other, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salted hashes differ per call")
	assert.True(t, VerifyPassword("hunter2", other))
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()
	ti := NewTokenIssuer("secret", time.Hour)

	token := ti.Issue("u1")
	userID, err := ti.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestTokenExpired(t *testing.T) {
	t.Parallel()
	ti := NewTokenIssuer("secret", -time.Minute)

	_, err := ti.Validate(ti.Issue("u1"))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestTokenBadSignature(t *testing.T) {
	t.Parallel()
	ti := NewTokenIssuer("secret", time.Hour)
	forged := NewTokenIssuer("other-secret", time.Hour).Issue("u1")

	_, err := ti.Validate(forged)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = ti.Validate("garbage")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	ti := NewTokenIssuer("secret", time.Hour)
	var seenUser string
	handler := AuthRequired(ti)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser = UserIDFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	token := ti.Issue("u1")

	t.Run("bearer header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "u1", seenUser)
	})

	t.Run("token query param", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/events/stream?token="+token, nil)
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
		req.Header.Set("Authorization", "Bearer nope")
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

type stubUsers struct {
	user domain.User
}

func (s stubUsers) GetByName(_ context.Context, name string) (domain.User, error) {
	if name != s.user.Name {
		return domain.User{}, domain.ErrNotFound
	}
	return s.user, nil
}

func TestLoginHandler(t *testing.T) {
	t.Parallel()
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	ti := NewTokenIssuer("secret", time.Hour)
	handler := LoginHandler(stubUsers{user: domain.User{ID: "u1", Name: "alice", PasswordHash: hash}}, ti)

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString(body))
		handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("success", func(t *testing.T) {
		rec := post(`{"username":"alice","password":"hunter2"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"user_id":"u1"`)

		var res loginResponse
		require.NoError(t, decodeBody(rec, &res))
		userID, err := ti.Validate(res.Token)
		require.NoError(t, err)
		assert.Equal(t, "u1", userID)
	})

	t.Run("wrong password", func(t *testing.T) {
		rec := post(`{"username":"alice","password":"wrong"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown user matches wrong password", func(t *testing.T) {
		unknown := post(`{"username":"mallory","password":"hunter2"}`)
		wrong := post(`{"username":"alice","password":"wrong"}`)
		assert.Equal(t, wrong.Code, unknown.Code)
		assert.Equal(t, wrong.Body.String(), unknown.Body.String())
	})

	t.Run("missing fields", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, post(`{"username":"alice"}`).Code)
		assert.Equal(t, http.StatusBadRequest, post(`not json`).Code)
	})
}
