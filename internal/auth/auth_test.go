package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testParticipants(t *testing.T) *Participants {
	t.Helper()

	hash := func(secret string) string {
		h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
		require.NoError(t, err)

		return string(h)
	}

	return NewParticipants(map[string]string{
		"alice": hash("alice-secret"),
		"bob":   hash("bob-secret"),
	})
}

// --- tokens ---

func TestParseToken(t *testing.T) {
	id, secret, err := ParseToken("alice:s3cr3t:with:colons")
	require.NoError(t, err)
	assert.Equal(t, "alice", id)
	assert.Equal(t, "s3cr3t:with:colons", secret)

	for _, bad := range []string{"", "alice", "alice:", ":secret"} {
		_, _, err := ParseToken(bad)
		assert.ErrorIs(t, err, chaterrors.ErrInvalidToken, "token %q", bad)
	}
}

func TestVerify(t *testing.T) {
	p := testParticipants(t)

	id, err := p.Verify("alice:alice-secret")
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	// Cached path returns the same answer.
	id, err = p.Verify("alice:alice-secret")
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	_, err = p.Verify("alice:bob-secret")
	assert.ErrorIs(t, err, chaterrors.ErrInvalidToken)

	_, err = p.Verify("mallory:anything")
	assert.ErrorIs(t, err, chaterrors.ErrInvalidToken)
}

func TestParticipants_IDsAndHas(t *testing.T) {
	p := testParticipants(t)

	assert.Equal(t, []string{"alice", "bob"}, p.IDs())
	assert.True(t, p.Has("bob"))
	assert.False(t, p.Has("carol"))
}

func TestHashSecret_RoundTrip(t *testing.T) {
	secret := NewSecret()
	assert.Len(t, secret, secretBytes*2)

	hash, err := HashSecret(secret)
	require.NoError(t, err)

	p := NewParticipants(map[string]string{"carol": hash})

	id, err := p.Verify("carol:" + secret)
	require.NoError(t, err)
	assert.Equal(t, "carol", id)
}

func TestRandomHex_Unique(t *testing.T) {
	assert.NotEqual(t, RandomHex(16), RandomHex(16))
	assert.Len(t, RandomHex(16), 32)
}

// --- Middleware ---

func TestMiddleware_ValidToken(t *testing.T) {
	mw := Middleware(testParticipants(t), testLogger())

	var got string

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestParticipantID(r.Context())
		assert.NotEmpty(t, RequestRemoteIP(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer bob:bob-secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", got)
}

func TestMiddleware_MissingToken(t *testing.T) {
	mw := Middleware(testParticipants(t), testLogger())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest("GET", "/v1/me", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	assert.JSONEq(t, `{"error":"missing bearer token"}`, rec.Body.String())
}

func TestMiddleware_InvalidToken(t *testing.T) {
	mw := Middleware(testParticipants(t), testLogger())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest("GET", "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer alice:wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_RateLimitsRepeatedFailures(t *testing.T) {
	mw := Middleware(testParticipants(t), testLogger())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(token string) int {
		req := httptest.NewRequest("GET", "/v1/me", nil)
		req.RemoteAddr = "203.0.113.9:5555"
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		return rec.Code
	}

	for range rateLimitMaxFail {
		assert.Equal(t, http.StatusUnauthorized, do("alice:wrong"))
	}

	assert.Equal(t, http.StatusTooManyRequests, do("alice:alice-secret"),
		"even a valid token is refused while the IP is limited")
}

func TestWithParticipantID(t *testing.T) {
	ctx := WithParticipantID(context.Background(), "alice")
	assert.Equal(t, "alice", RequestParticipantID(ctx))
	assert.Equal(t, "", RequestParticipantID(context.Background()))
}
