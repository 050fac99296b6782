package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"qalgo-terminal/internal/feed"
	"qalgo-terminal/internal/metrics"
	"qalgo-terminal/internal/resource"
	"qalgo-terminal/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server  *Server
	logs    string
	assist  string
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logs := filepath.Join(dir, "logs")
	assist := filepath.Join(dir, "assistants")
	require.NoError(t, os.MkdirAll(logs, 0o755))
	require.NoError(t, os.MkdirAll(assist, 0o755))

	reg, err := resource.NewRegistry(logs, assist, nil)
	require.NoError(t, err)

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	opts := Options{
		Store:      storage.NewFileStore(""),
		Registry:   reg,
		Metrics:    metrics.NewWrapper(m),
		WriteRPS:   1000,
		WriteBurst: 1000,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &testEnv{server: New(opts), logs: logs, assist: assist, metrics: m}
}

func (e *testEnv) write(t *testing.T, rel, data string) {
	t.Helper()
	path := filepath.Join(e.logs, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func records(n int) string {
	var sb strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, "{\"id\":%d,\"timestamp\":\"T%d\"}\n", i, i)
	}
	return sb.String()
}

func TestRoot(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Q-ALGO API running", rec.Body.String())
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/health_check", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestMissingResourcesAreEmpty(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		path string
		want string
	}{
		{"/api/status", `{}`},
		{"/api/account/summary", `{}`},
		{"/api/capital", `{}`},
		{"/api/system/runtime", `{}`},
		{"/api/chart/spy", `{}`},
		{"/api/mesh/status", `{}`},
		{"/api/mesh/recent", `[]`},
		{"/api/trades/recent", `[]`},
		{"/api/trades/open", `[]`},
		{"/api/logs/trades", `[]`},
		{"/api/gpt/reinforcement", `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, "")
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, tt.want, rec.Body.String())
		})
	}
}

func TestCorruptSnapshotIsEmpty(t *testing.T) {
	env := newTestEnv(t, nil)
	env.write(t, "account_summary.json", `{"currentEquity": 10`)

	rec := env.do(t, http.MethodGet, "/api/account/summary", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())
}

func TestSnapshotPassThrough(t *testing.T) {
	env := newTestEnv(t, nil)
	env.write(t, "capital_tracker.json", `{"start_balance":1000,"current_balance":1100}`)
	env.write(t, "chart_data.json", `[{"price":1},{"price":2}]`)

	assert.JSONEq(t, `{"start_balance":1000,"current_balance":1100}`, env.do(t, http.MethodGet, "/api/capital", "").Body.String())
	assert.JSONEq(t, `[{"price":1},{"price":2}]`, env.do(t, http.MethodGet, "/api/chart/spy", "").Body.String())
}

func TestLatestAndRecent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.write(t, "mesh_logger.jsonl", records(3))

	first := env.do(t, http.MethodGet, "/api/mesh/status", "")
	assert.JSONEq(t, `{"id":3,"timestamp":"T3"}`, first.Body.String())

	second := env.do(t, http.MethodGet, "/api/mesh/status", "")
	assert.Equal(t, first.Body.String(), second.Body.String(), "latest is a pure function of the file")

	recent := env.do(t, http.MethodGet, "/api/mesh/recent", "")
	assert.JSONEq(t, `[{"id":1,"timestamp":"T1"},{"id":2,"timestamp":"T2"},{"id":3,"timestamp":"T3"}]`, recent.Body.String())
}

func TestTrades(t *testing.T) {
	env := newTestEnv(t, nil)
	env.write(t, "open_trades.jsonl", records(15)+"{broken\n")

	var recent []struct{ ID int }
	require.NoError(t, json.Unmarshal(env.do(t, http.MethodGet, "/api/trades/recent", "").Body.Bytes(), &recent))
	require.Len(t, recent, 9, "the malformed line counts toward the window")
	assert.Equal(t, 7, recent[0].ID)
	assert.Equal(t, 15, recent[8].ID)

	var open []struct{ ID int }
	require.NoError(t, json.Unmarshal(env.do(t, http.MethodGet, "/api/trades/open", "").Body.Bytes(), &open))
	assert.Len(t, open, 15)

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.RecordsSkipped))
}

func TestTradeLogLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.write(t, filepath.Join("trade_flow", "trades.jsonl"), records(60))

	count := func(target string) int {
		var out []json.RawMessage
		require.NoError(t, json.Unmarshal(env.do(t, http.MethodGet, target, "").Body.Bytes(), &out))
		return len(out)
	}

	assert.Equal(t, 50, count("/api/logs/trades"))
	assert.Equal(t, 5, count("/api/logs/trades?limit=5"))
	assert.Equal(t, 50, count("/api/logs/trades?limit=nope"))
	assert.Equal(t, 50, count("/api/logs/trades?limit=-3"))
	assert.Equal(t, 60, count("/api/logs/trades?limit=5000"))
}

func TestEntryLatestStampsTime(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.now = func() time.Time { return time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC) }
	env.write(t, "qthink_score_breakdown.jsonl", "{\"score\":0.7,\"timestamp\":\"old\"}\n{\"score\":0.9,\"timestamp\":\"old\"}\n")

	rec := env.do(t, http.MethodGet, "/api/models/entry/latest", "")
	assert.JSONEq(t, `{"score":0.9,"timestamp":"2025-06-02T14:30:00.000Z"}`, rec.Body.String())

	empty := newTestEnv(t, nil)
	empty.server.now = env.server.now
	rec = empty.do(t, http.MethodGet, "/api/models/entry/latest", "")
	assert.JSONEq(t, `{"timestamp":"2025-06-02T14:30:00.000Z"}`, rec.Body.String())
}

func TestReinforcement(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(env.assist, "reinforcement_profile.json"),
		[]byte(`{"Momentum":3,"Fade":11,"Gap fill":7}`), 0o644))

	rec := env.do(t, http.MethodGet, "/api/gpt/reinforcement", "")
	assert.JSONEq(t, `[{"label":"Fade","count":11},{"label":"Gap fill","count":7},{"label":"Momentum","count":3}]`, rec.Body.String())
}

func TestStatusWriteRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/status", `{"killSwitch": true, "capitalAllocation": 42}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/status", "")
	assert.JSONEq(t, `{"killSwitch": true, "capitalAllocation": 42}`, rec.Body.String())

	raw, err := os.ReadFile(filepath.Join(env.logs, "status.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n  \"killSwitch\": true", "written pretty-printed")

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ControlWrites.WithLabelValues(resource.Status)))
}

func TestStatusWriteReplaces(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/status", `{"killSwitch": true, "capitalAllocation": 42}`)
	env.do(t, http.MethodPost, "/api/status", `{"killSwitch": false}`)

	rec := env.do(t, http.MethodGet, "/api/status", "")
	assert.JSONEq(t, `{"killSwitch": false}`, rec.Body.String())
}

func TestStatusWriteRejectsNonObjects(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, body := range []string{`[1,2]`, `"on"`, `null`, `42`, `{"killSwitch":`, ` `} {
		t.Run(body, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/status", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var out map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
			assert.NotEmpty(t, out["error"])
		})
	}

	_, err := os.Stat(filepath.Join(env.logs, "status.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "rejected writes leave no file")
}

func TestStatusWriteTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"pad":"` + strings.Repeat("x", 70<<10) + `"}`

	rec := env.do(t, http.MethodPost, "/api/status", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestCapitalAllocation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.write(t, "status.json", `{"killSwitch": true, "overrideEntry": false}`)

	rec := env.do(t, http.MethodPost, "/api/capital/allocation", `{"capitalAllocation": 30}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/status", "")
	assert.JSONEq(t, `{"killSwitch": true, "overrideEntry": false, "capitalAllocation": 30}`, rec.Body.String())

	for _, body := range []string{`{"capitalAllocation": 101}`, `{"capitalAllocation": -1}`, `{"capitalAllocation": "10"}`, `{}`, `[]`} {
		rec := env.do(t, http.MethodPost, "/api/capital/allocation", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestCapitalAllocationOnCorruptStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.write(t, "status.json", `{"killSwitch": tr`)

	rec := env.do(t, http.MethodPost, "/api/capital/allocation", `{"capitalAllocation": 5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"capitalAllocation": 5}`, env.do(t, http.MethodGet, "/api/status", "").Body.String())
}

func TestWriteRateLimit(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.WriteRPS = 0.001
		o.WriteBurst = 2
	})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/status", `{"a":1}`).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/status", `{"a":2}`).Code)

	rec := env.do(t, http.MethodPost, "/api/status", `{"a":3}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Reads are never limited.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/status", "").Code)
	assert.JSONEq(t, `{"a":2}`, env.do(t, http.MethodGet, "/api/status", "").Body.String())
}

func TestStatusHistory(t *testing.T) {
	journal, err := storage.OpenJournal(t.TempDir())
	require.NoError(t, err)
	defer journal.Close()

	env := newTestEnv(t, func(o *Options) { o.Journal = journal })
	env.do(t, http.MethodPost, "/api/status", `{"killSwitch": true}`)
	env.do(t, http.MethodPost, "/api/capital/allocation", `{"capitalAllocation": 12}`)

	var entries []storage.JournalEntry
	rec := env.do(t, http.MethodGet, "/api/status/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.JSONEq(t, `{"killSwitch":true,"capitalAllocation":12}`, string(entries[0].Body))
	assert.JSONEq(t, `{"killSwitch":true}`, string(entries[1].Body))
	assert.Equal(t, filepath.Join(env.logs, "status.json"), entries[0].Resource)

	rec = env.do(t, http.MethodGet, "/api/status/history?limit=1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)
}

func TestStatusHistoryWithoutJournal(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/status/history", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "journal")
}

type brokenStore struct{ storage.Store }

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func TestStoreErrorsDegradeToEmpty(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Store = brokenStore{} })

	assert.JSONEq(t, `{}`, env.do(t, http.MethodGet, "/api/status", "").Body.String())
	assert.JSONEq(t, `[]`, env.do(t, http.MethodGet, "/api/trades/open", "").Body.String())
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.StoreReadErrors))
}

func TestPanicRecovery(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.router.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) {
		panic("formatter exploded")
	})

	rec := env.do(t, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"something went wrong, please refresh"}`, rec.Body.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ErrorsTotal))

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/health_check", "").Code, "server keeps serving")
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/health_check", "")
	_, err := uuid.Parse(rec.Header().Get(requestIDHeader))
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/health_check", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodOptions, "/api/status", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	rec = env.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/api/status", "")
	env.do(t, http.MethodGet, "/api/status", "")
	env.do(t, http.MethodPost, "/api/status", `[]`)

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.HTTPRequests.WithLabelValues("/api/status", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.HTTPRequests.WithLabelValues("/api/status", "POST", "400")))
}

func TestStaticDir(t *testing.T) {
	web := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(web, "index.html"), []byte("<h1>Q-ALGO</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(web, "app.js"), []byte("console.log('Q-ALGO')"), 0o644))
	env := newTestEnv(t, func(o *Options) { o.WebDir = web })

	rec := env.do(t, http.MethodGet, "/static/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<h1>Q-ALGO</h1>")

	rec = env.do(t, http.MethodGet, "/static/app.js", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Q-ALGO")

	bare := newTestEnv(t, nil)
	assert.Equal(t, http.StatusNotFound, bare.do(t, http.MethodGet, "/static/app.js", "").Code)
}

func TestStatusWriteWithBoltStore(t *testing.T) {
	bolt, err := storage.NewBoltStore(t.TempDir(), storage.NewFileStore(""))
	require.NoError(t, err)
	defer bolt.Close()
	env := newTestEnv(t, func(o *Options) { o.Store = bolt })
	env.write(t, "status.json", `{"killSwitch":false}`)

	rec := env.do(t, http.MethodPost, "/api/status", `{"killSwitch":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	onDisk, err := os.ReadFile(filepath.Join(env.logs, "status.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"killSwitch":true}`, string(onDisk))

	rec = env.do(t, http.MethodPost, "/api/capital/allocation", `{"capitalAllocation":40}`)
	require.Equal(t, http.StatusOK, rec.Code)
	onDisk, err = os.ReadFile(filepath.Join(env.logs, "status.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"killSwitch":true,"capitalAllocation":40}`, string(onDisk))

	// A later rewrite by the trading process is what the API serves.
	env.write(t, "status.json", `{"killSwitch":false,"mode":"live"}`)
	rec = env.do(t, http.MethodGet, "/api/status", "")
	assert.JSONEq(t, `{"killSwitch":false,"mode":"live"}`, rec.Body.String())
}

func TestFeedRoute(t *testing.T) {
	hub := feed.NewHub(0, nil)
	require.NoError(t, hub.Start())
	defer hub.Stop()

	env := newTestEnv(t, func(o *Options) { o.Feed = hub })
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/spy", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.Publish(feed.Tick{Timestamp: 1, Price: 450, VWAP: 449})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":1,"price":450,"vwap":449}`, string(data))

	assert.Equal(t, http.StatusNotFound, newTestEnv(t, nil).do(t, http.MethodGet, "/ws/spy", "").Code)
}

func TestServerStartStop(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.server.Start("127.0.0.1:0"))
	assert.Error(t, env.server.Start("127.0.0.1:0"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.server.Stop(ctx))
	require.NoError(t, env.server.Stop(ctx))
}
