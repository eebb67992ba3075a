package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"beacon/offline/internal/cache"
	"beacon/offline/internal/config"
	"beacon/offline/internal/gateway"
	"beacon/offline/internal/netmon"
	"beacon/offline/internal/store"
	"beacon/offline/internal/syncer"
	"beacon/offline/internal/worker"
)

type fixture struct {
	server  *gateway.Server
	cache   *cache.Manager
	syncer  *syncer.Orchestrator
	monitor *netmon.Monitor
	worker  *worker.Worker
}

func testConfig(upstream string) *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{QuotaReliefDays: 7},
		Cache:   config.CacheConfig{RetentionDays: 30},
		Sync: config.SyncConfig{
			MaxAttempts:     3,
			BaseDelay:       10 * time.Millisecond,
			Multiplier:      2.0,
			MaxDelay:        100 * time.Millisecond,
			Debounce:        30 * time.Millisecond,
			DeadLetterLimit: 10,
		},
		Gateway: config.GatewayConfig{
			Addr:           "127.0.0.1:0",
			Upstream:       upstream,
			AllowedOrigins: []string{"*"},
			RequestTimeout: 2 * time.Second,
		},
		Worker: config.WorkerConfig{
			Version:      2,
			Assets:       []string{"/offline.html"},
			FallbackPage: "/offline.html",
			FlushSpec:    "@every 1m",
			CleanupSpec:  "@daily",
			StatsSpec:    "@every 1m",
		},
		TTL: config.TTLConfig{
			UserProfile:  24 * time.Hour,
			APIResponse:  10 * time.Minute,
			LocationData: 5 * time.Minute,
			Default:      24 * time.Hour,
		},
	}
}

func setupGateway(t *testing.T, upstream string) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	st := store.NewPebbleStore(t.TempDir()+"/gateway-db", 0, logger)
	require.NoError(t, st.Init())
	t.Cleanup(func() { st.Close() })

	cfg := testConfig(upstream)
	mon := netmon.New(cfg.Netmon, logger)
	cm := cache.New(st, cfg, logger)
	orch := syncer.New(st, mon, cfg.Sync, logger)
	w := worker.New(cfg, cm, orch, mon, http.DefaultClient.Do, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Run(ctx))
	t.Cleanup(w.Close)

	srv := gateway.New(cfg.Gateway, cm, orch, mon, w, logger)
	return &fixture{server: srv, cache: cm, syncer: orch, monitor: mon, worker: w}
}

func (f *fixture) do(t *testing.T, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestNetworkSignalEndpoint(t *testing.T) {
	f := setupGateway(t, "http://127.0.0.1:1")

	rec := f.do(t, http.MethodPost, "/offline/network",
		`{"online":false,"kind":"cellular","effectiveType":"2g"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.monitor.IsOnline())
	assert.True(t, f.monitor.IsSlowConnection())

	body := decodeJSON(t, rec)
	assert.Equal(t, false, body["online"])
	assert.Equal(t, "cellular", body["kind"])

	rec = f.do(t, http.MethodPost, "/offline/network", `{broken`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	f := setupGateway(t, "http://127.0.0.1:1")

	_, err := f.syncer.QueueAction("sync-location", "location-update", []byte(`{"lat":1}`))
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/offline/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, float64(1), body["queuedActions"])
	assert.Equal(t, float64(0), body["deadLetters"])
	assert.Equal(t, float64(2), body["workerVersion"])
	network, ok := body["network"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, network["online"])
}

func TestStatsEndpoint(t *testing.T) {
	f := setupGateway(t, "http://127.0.0.1:1")

	require.NoError(t, f.cache.CacheUserProfile(cache.UserProfile{ID: "u1", Name: "Ada"}))

	rec := f.do(t, http.MethodGet, "/offline/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	perStore, ok := body["perStore"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), perStore["users"])
	assert.Equal(t, "pebble", body["backend"])
}

func TestFetchGetServesNetworkThenCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"ada"}`))
	}))
	f := setupGateway(t, srv.URL)

	rec := f.do(t, http.MethodGet, "/fetch/api/users/u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get("X-Offline-Source"))
	assert.JSONEq(t, `{"name":"ada"}`, rec.Body.String())

	srv.Close()
	rec = f.do(t, http.MethodGet, "/fetch/api/users/u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get("X-Offline-Source"))
	assert.Equal(t, "hit", rec.Header().Get("X-Offline-Cache"))
}

func TestFetchWriteForwardsWhenOnline(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"o1"}`))
	}))
	t.Cleanup(srv.Close)
	f := setupGateway(t, srv.URL)

	rec := f.do(t, http.MethodPost, "/fetch/api/orders", `{"qty":1}`,
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"id":"o1"}`, rec.Body.String())
	assert.Equal(t, `{"qty":1}`, gotBody.Load())

	stats, err := f.syncer.RetryStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.QueuedActions)
}

func TestFetchWriteQueuedOfflineThenFlushed(t *testing.T) {
	var mu sync.Mutex
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, r.Method+" "+r.URL.Path+" "+string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	f := setupGateway(t, srv.URL)

	f.monitor.SetOnline(false)
	rec := f.do(t, http.MethodPost, "/fetch/api/orders", `{"qty":1}`, map[string]string{
		"Content-Type": "application/json",
		"X-Sync-Tag":   "order-create",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, true, body["queued"])
	assert.Equal(t, "order-create", body["tag"])

	stats, err := f.syncer.RetryStats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.QueuedActions)

	// Back online, a manual flush replays the captured write verbatim.
	f.monitor.SetOnline(true)
	rec = f.do(t, http.MethodPost, "/offline/flush", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	flushBody := decodeJSON(t, rec)
	assert.Equal(t, float64(1), flushBody["successful"])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, `POST /api/orders {"qty":1}`, received[0])

	stats, err = f.syncer.RetryStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.QueuedActions)
}

func TestSyncEndpoint(t *testing.T) {
	var locations atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/locations" {
			locations.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	f := setupGateway(t, srv.URL)

	rec := f.do(t, http.MethodPost, "/offline/sync/sync-unknown", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, err := f.syncer.QueueAction("sync-location", "location-update", []byte(`{"lat":1}`))
	require.NoError(t, err)

	rec = f.do(t, http.MethodPost, "/offline/sync/sync-location", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), locations.Load())
}

func TestMessageEndpoint(t *testing.T) {
	f := setupGateway(t, "http://127.0.0.1:1")

	rec := f.do(t, http.MethodPost, "/offline/message", `{"command":"CLEAR_CACHE"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/offline/message", `{"command":"REBOOT"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPushAndNotificationLifecycle(t *testing.T) {
	f := setupGateway(t, "http://127.0.0.1:1")

	rec := f.do(t, http.MethodPost, "/offline/push",
		`{"title":"New message","body":"hi","route":"/messages/42"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/offline/notifications", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []cache.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "New message", list[0].Title)

	rec = f.do(t, http.MethodPost, "/offline/notifications/"+list[0].ID+"/click", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/messages/42", decodeJSON(t, rec)["route"])

	rec = f.do(t, http.MethodPost, "/offline/notifications/missing/click", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupEndpoint(t *testing.T) {
	f := setupGateway(t, "http://127.0.0.1:1")

	rec := f.do(t, http.MethodPost, "/offline/cleanup?days=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/offline/cleanup?days=7", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeJSON(t, rec)["removed"])
}

func TestCacheAdminEndpoints(t *testing.T) {
	f := setupGateway(t, "http://127.0.0.1:1")

	require.NoError(t, f.cache.CacheUserProfile(cache.UserProfile{ID: "u1", Name: "Ada"}))
	_, err := f.syncer.QueueAction("sync-location", "location-update", []byte(`{"lat":1}`))
	require.NoError(t, err)

	rec := f.do(t, http.MethodDelete, "/offline/cache/bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/offline/cache/users", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeJSON(t, rec)["cleared"])

	// Full wipe spares the queue; the queue has its own endpoint.
	rec = f.do(t, http.MethodDelete, "/offline/cache", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stats, err := f.syncer.RetryStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.QueuedActions)

	rec = f.do(t, http.MethodDelete, "/offline/queue", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeJSON(t, rec)["cleared"])

	stats, err = f.syncer.RetryStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.QueuedActions)
}

func TestExportEndpoint(t *testing.T) {
	f := setupGateway(t, "http://127.0.0.1:1")

	require.NoError(t, f.cache.CacheUserProfile(cache.UserProfile{ID: "u1", Name: "Ada"}))

	rec := f.do(t, http.MethodGet, "/offline/export", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"users"`)
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupGateway(t, "http://127.0.0.1:1")

	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "offline_sync_queued_actions")
}
