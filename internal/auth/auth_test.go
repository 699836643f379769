package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	return NewService("predmarket-test", []byte("test-secret"), time.Hour)
}

func TestTokenRoundTrip(t *testing.T) {
	svc := newTestService()
	token, err := svc.IssueToken(42)
	require.NoError(t, err)

	userID, err := svc.VerifyToken(token)
	require.NoError(t, err)
	assert.EqualValues(t, 42, userID)
}

func TestVerifyRejectsWrongSecretAndIssuer(t *testing.T) {
	token, err := newTestService().IssueToken(42)
	require.NoError(t, err)

	other := NewService("predmarket-test", []byte("different-secret"), time.Hour)
	_, err = other.VerifyToken(token)
	assert.Error(t, err)

	wrongIssuer := NewService("someone-else", []byte("test-secret"), time.Hour)
	_, err = wrongIssuer.VerifyToken(token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	svc := NewService("predmarket-test", []byte("test-secret"), -time.Minute)
	token, err := svc.IssueToken(42)
	require.NoError(t, err)

	_, err = svc.VerifyToken(token)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	svc := newTestService()
	token, err := svc.IssueToken(7)
	require.NoError(t, err)

	var gotID int64
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := UserID(r)
		require.True(t, ok)
		gotID = id
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 7, gotID)

	// A request without an Authorization header is rejected before the handler runs.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
