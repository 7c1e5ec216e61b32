package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/samogod/tagtrain/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetsUserAgentAndReadsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "nothing here", http.StatusNotFound)
			return
		}
		fmt.Fprint(w, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	var logged []string
	DebugLog = func(format string, args ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, args...))
	}
	defer func() { DebugLog = nil }()

	s, err := New(config.Default())
	require.NoError(t, err)

	resp, err := s.Get(context.Background(), srv.URL+"/ok")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "tagtrain", string(body))

	_, err = s.Get(context.Background(), srv.URL+"/missing")
	assert.ErrorContains(t, err, "unexpected status 404")

	assert.NotEmpty(t, logged)
}

func TestGetHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	s, err := New(config.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Get(ctx, srv.URL)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewNeedsConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
