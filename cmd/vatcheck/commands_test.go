package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, srv *httptest.Server, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--addr", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSubmitReadsStdin(t *testing.T) {
	var got struct {
		Lines []string `json:"lines"`
		Label string   `json:"label"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/batches", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"count":2,"job_id":null,"results":[]}`))
	}))
	defer srv.Close()

	out, err := run(t, srv, "NL123\n\n  BE456  \n", "submit", "--label", "q3")
	require.NoError(t, err)
	assert.Equal(t, []string{"NL123", "BE456"}, got.Lines)
	assert.Equal(t, "q3", got.Label)
	assert.Contains(t, out, `"count": 2`)
}

func TestSubmitArgsWinOverStdin(t *testing.T) {
	var lines []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Lines []string `json:"lines"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		lines = body.Lines
		_, _ = w.Write([]byte(`{"count":1,"job_id":null,"results":[]}`))
	}))
	defer srv.Close()

	_, err := run(t, srv, "ignored\n", "submit", "DE1")
	require.NoError(t, err)
	assert.Equal(t, []string{"DE1"}, lines)
}

func TestSubmitEmpty(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err := run(t, srv, "\n  \n", "submit")
	assert.EqualError(t, err, "no numbers to submit")
}

func TestPollSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs/abc", r.URL.Path)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"INVALID_INPUT","message":"job id must be a UUID"}}`))
	}))
	defer srv.Close()

	_, err := run(t, srv, "", "poll", "abc")
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "INVALID_INPUT", apiErr.Code)
}

func TestExportWritesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs/j1/export.xlsx", r.URL.Path)
		_, _ = w.Write([]byte("xlsx-bytes"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "out", "j1.xlsx")
	out, err := run(t, srv, "", "export", "j1", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "xlsx-bytes", string(data))
}

func TestDBHealth(t *testing.T) {
	t.Setenv("DB_URL", "file:"+filepath.Join(t.TempDir(), "health.db"))
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	out, err := run(t, srv, "", "db-health")
	require.NoError(t, err)
	assert.Contains(t, out, "DB health: OK (sqlite3)")
	assert.Contains(t, out, "queued")
}
