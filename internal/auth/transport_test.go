package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	claims := gojwt.MapClaims{"sub": subject}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	tok, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

// tokenServer accepts only the current token and records request bodies.
type tokenServer struct {
	mu     sync.Mutex
	valid  string
	seen   []string
	bodies []string
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, r.Header.Get("Authorization"))
	s.bodies = append(s.bodies, string(body))
	if r.Header.Get("Authorization") != "Bearer "+s.valid {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func TestExpiresAt(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	got, err := ExpiresAt(signed(t, "user-1", exp))
	if err != nil {
		t.Fatalf("ExpiresAt() failed: %v", err)
	}
	assert.True(t, exp.Equal(got), "expected %v, got %v", exp, got)

	got, err = ExpiresAt(signed(t, "user-1", time.Time{}))
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = ExpiresAt("not-a-jwt")
	assert.Error(t, err)
}

func TestTransport_AddsBearer(t *testing.T) {
	token := signed(t, "user-1", time.Now().Add(time.Hour))
	srv := &tokenServer{valid: token}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	refreshed := 0
	client := NewClient(context.Background(), token, func(ctx context.Context) (string, error) {
		refreshed++
		return "", errors.New("unexpected refresh")
	}, nil)

	resp, err := client.Get(ts.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 0, refreshed)
	assert.Equal(t, []string{"Bearer " + token}, srv.seen)
}

func TestTransport_RefreshesExpiredToken(t *testing.T) {
	stale := signed(t, "user-1", time.Now().Add(-time.Minute))
	fresh := signed(t, "user-1", time.Now().Add(time.Hour))
	srv := &tokenServer{valid: fresh}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	refreshed := 0
	client := NewClient(context.Background(), stale, func(ctx context.Context) (string, error) {
		refreshed++
		return fresh, nil
	}, nil)

	for i := 0; i < 2; i++ {
		resp, err := client.Get(ts.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	assert.Equal(t, 1, refreshed, "the refreshed token is reused while valid")
	assert.Len(t, srv.seen, 2)
}

func TestTransport_RetriesOnceAfter401(t *testing.T) {
	revoked := signed(t, "user-1", time.Now().Add(time.Hour))
	fresh := signed(t, "user-2", time.Now().Add(time.Hour))
	srv := &tokenServer{valid: fresh}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(context.Background(), revoked, func(ctx context.Context) (string, error) {
		return fresh, nil
	}, nil)

	resp, err := client.Post(ts.URL, "application/json", bytes.NewReader([]byte(`{"new_events":[]}`)))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{"Bearer " + revoked, "Bearer " + fresh}, srv.seen)
	assert.Equal(t, []string{`{"new_events":[]}`, `{"new_events":[]}`}, srv.bodies, "the body is replayed on retry")
}

func TestTransport_GivesUpAfterSecond401(t *testing.T) {
	srv := &tokenServer{valid: "never"}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(context.Background(), signed(t, "u", time.Time{}), func(ctx context.Context) (string, error) {
		return signed(t, "v", time.Time{}), nil
	}, nil)

	resp, err := client.Get(ts.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Len(t, srv.seen, 2)
}

func TestTransport_RefreshFailure(t *testing.T) {
	srv := &tokenServer{valid: "x"}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(context.Background(), "", func(ctx context.Context) (string, error) {
		return "", errors.New("silent sign-in failed")
	}, nil)

	_, err := client.Get(ts.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionExpired), "got %v", err)
	assert.Empty(t, srv.seen)
}
