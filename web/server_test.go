package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jnesss/stack-analyzer/collector"
	"github.com/jnesss/stack-analyzer/database"
	"github.com/jnesss/stack-analyzer/metrics"
	"github.com/jnesss/stack-analyzer/types"
)

func newTestServer(t *testing.T) (*httptest.Server, *database.DB, *metrics.Metrics) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	srv := httptest.NewServer(NewServer(db, reg, "", zaptest.NewLogger(t)).Handler())
	t.Cleanup(srv.Close)
	return srv, db, m
}

func report(name string) collector.Report {
	return collector.Report{
		Collector: name,
		Scale:     types.Scale{Type: "OnCPUTime", Unit: "nanoseconds", Period: 100},
		Time:      time.Now(),
		Items: []types.CountItem{
			{Key: types.StackKey{Pid: 5, Usid: 1, Ksid: 2}, Value: 3},
		},
	}
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestWindows(t *testing.T) {
	srv, db, _ := newTestServer(t)
	require.NoError(t, db.Emit(report("on_cpu")))
	require.NoError(t, db.Emit(report("off_cpu")))

	var windows []database.Window
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/windows", &windows))
	require.Len(t, windows, 2)
	assert.Equal(t, "off_cpu", windows[0].Collector)

	windows = nil
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/windows?collector=on_cpu&limit=5", &windows))
	require.Len(t, windows, 1)

	var detail WindowDetail
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/windows/"+strconv.FormatInt(windows[0].ID, 10)+"/items", &detail))
	assert.Equal(t, windows[0].ID, detail.ID)
	require.Len(t, detail.Items, 1)
	assert.Equal(t, float64(300), detail.Items[0].Value)
}

func TestBadRequests(t *testing.T) {
	srv, _, _ := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/windows?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/matches?limit=-1", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/windows/99/items", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/windows/x/items", nil))

	resp, err := http.Post(srv.URL+"/api/windows", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMatches(t *testing.T) {
	srv, db, _ := newTestServer(t)
	_, err := db.InsertMatch(database.Match{RuleID: "r", RuleName: "rule", Collector: "on_cpu", ProcessID: 5})
	require.NoError(t, err)

	var matches []database.Match
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/matches", &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, "r", matches[0].RuleID)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, m := newTestServer(t)
	require.NoError(t, m.Emit(report("on_cpu")))
	m.CollectorEvicted("io", collector.StageLoad, errors.New("missing object"))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `stack_analyzer_windows_total{collector="on_cpu"} 1`)
	assert.Contains(t, body.String(), `stack_analyzer_evictions_total{collector="io",stage="load"} 1`)
}

type failingStore struct{}

func (failingStore) ListWindows(string, int) ([]database.Window, error) {
	return nil, errors.New("disk full")
}
func (failingStore) WindowItems(int64) ([]database.Item, error) { return nil, errors.New("disk full") }
func (failingStore) ListMatches(int) ([]database.Match, error) {
	return nil, errors.New("disk full")
}

func TestStoreErrors(t *testing.T) {
	srv := httptest.NewServer(NewServer(failingStore{}, nil, "", zaptest.NewLogger(t)).Handler())
	defer srv.Close()

	assert.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/api/windows", nil))
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/api/windows/1/items", nil))
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/api/matches", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/metrics", nil))
}

func TestStartReturnsAfterShutdown(t *testing.T) {
	srv := NewServer(nil, prometheus.NewRegistry(), "127.0.0.1:0", zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan error, 1)
	go func() { result <- srv.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}
