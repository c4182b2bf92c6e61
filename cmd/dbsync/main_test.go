package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2p-db-sync/dbsync/internal/fullsync"
)

// recorder answers every admin call with a canned body and remembers the
// requests it saw
type recorder struct {
	mu       sync.Mutex
	requests []string
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.requests = append(r.requests, req.Method+" "+req.URL.Path)
	r.mu.Unlock()

	switch {
	case req.URL.Path == "/api/v1/fullsync":
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"session_id":"s-1","direction":"PULL","peer_node_id":"node-b","phase":"PENDING"}`))
	case req.URL.Path == "/api/v1/sessions/missing/cancel":
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"session not found"}`))
	case strings.HasPrefix(req.URL.Path, "/api/v1/sync/"):
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{}`))
	}
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--admin", srv.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestSyncCommands(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	out, err := run(t, srv, "sync", "pause")
	require.NoError(t, err)
	assert.Contains(t, out, "paused")

	_, err = run(t, srv, "sync", "trigger")
	require.NoError(t, err)

	assert.Equal(t, []string{"POST /api/v1/sync/pause", "POST /api/v1/sync/trigger"}, rec.requests)
}

func TestFullSyncStart(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	out, err := run(t, srv, "fullsync", "start", "node-b", "pull")
	require.NoError(t, err)
	assert.Contains(t, out, "Started PULL session s-1 with node-b")

	_, err = run(t, srv, "fullsync", "start", "node-b", "sideways")
	assert.ErrorContains(t, err, "direction must be pull or push")
	assert.Len(t, rec.requests, 1)
}

func TestCancelReportsServerError(t *testing.T) {
	srv := httptest.NewServer(&recorder{})
	defer srv.Close()

	_, err := run(t, srv, "fullsync", "cancel", "missing")
	assert.ErrorContains(t, err, "404")
	assert.ErrorContains(t, err, "session not found")
}

func TestProgressLine(t *testing.T) {
	p := &fullsync.Progress{
		Phase:                     fullsync.StatusTransferring,
		PercentComplete:           42.5,
		BytesTransferred:          1500,
		TotalBytes:                3000,
		EstimatedSecondsRemaining: 90,
		Stuck:                     true,
	}
	line := progressLine(p)
	assert.Contains(t, line, "TRANSFERRING")
	assert.Contains(t, line, "42.5%")
	assert.Contains(t, line, "1.5 kB / 3.0 kB")
	assert.Contains(t, line, "eta 1m30s")
	assert.Contains(t, line, "STUCK")
}
