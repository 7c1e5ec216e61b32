package elastic

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCluster answers the info and bulk endpoints. Documents containing
// "reject" come back as mapping failures.
func fakeCluster(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")

		if !strings.HasSuffix(r.URL.Path, "/_bulk") {
			w.Write([]byte(`{"name":"test","cluster_name":"test","version":{"number":"8.13.0","build_flavor":"default"},"tagline":"You Know, for Search"}`))
			return
		}

		type result struct {
			Index  string `json:"_index"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error,omitempty"`
		}
		var items []map[string]result
		hasErrors := false

		scanner := bufio.NewScanner(r.Body)
		action := true
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if action {
				action = false
				continue
			}
			action = true

			res := result{Index: "tagtrain_epochs", Status: 201}
			if strings.Contains(line, "reject") {
				hasErrors = true
				res.Status = 400
				res.Error = &struct {
					Type   string `json:"type"`
					Reason string `json:"reason"`
				}{"mapper_parsing_exception", "bad document"}
			}
			items = append(items, map[string]result{"index": res})
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"took":   1,
			"errors": hasErrors,
			"items":  items,
		})
	}))
}

func TestIndexJSONLinesFile(t *testing.T) {
	srv := fakeCluster(t)
	defer srv.Close()

	c, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, DefaultIndex, c.Index())

	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	lines := `{"epoch":0,"valid_f1":0.1}

{"epoch":1,"valid_f1":0.2}
{"epoch":2,"note":"reject"}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0644))

	stats, err := c.IndexJSONLinesFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Indexed)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestIndexMissingFile(t *testing.T) {
	srv := fakeCluster(t)
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, Index: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", c.Index())

	_, err = c.IndexJSONLinesFile(context.Background(), filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.ErrorContains(t, err, "failed to open jsonl file")
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorContains(t, err, "URL is required")
}
