package worker_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/offline/internal/cache"
	"beacon/offline/internal/worker"
)

type captureNotifier struct {
	mu   sync.Mutex
	seen []cache.Notification
}

func (c *captureNotifier) Display(_ context.Context, n cache.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, n)
	return nil
}

func (c *captureNotifier) notifications() []cache.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cache.Notification(nil), c.seen...)
}

func TestInstallPrecachesAssets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/offline.html":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>shell</html>"))
		case "/app.css":
			w.Header().Set("Content-Type", "text/css")
			w.Write([]byte("body{}"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	f := setupWorker(t, srv.URL)

	require.NoError(t, f.worker.Install(context.Background()))

	page, ok, err := f.cache.GetAsset(2, "/offline.html")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("<html>shell</html>"), page.Body)
	assert.Equal(t, "text/html", page.ContentType)

	_, ok, err = f.cache.GetAsset(2, "/app.css")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInstallFailsWhenAssetUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/offline.html" {
			w.Write([]byte("<html>shell</html>"))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	f := setupWorker(t, srv.URL)

	err := f.worker.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestActivatePrunesSupersededAssets(t *testing.T) {
	f := setupWorker(t, deadUpstream(t))

	old := cache.CachedResponse{Status: 200, ContentType: "text/html", Body: []byte("v1")}
	cur := cache.CachedResponse{Status: 200, ContentType: "text/html", Body: []byte("v2")}
	require.NoError(t, f.cache.CacheAsset(1, "/offline.html", old))
	require.NoError(t, f.cache.CacheAsset(2, "/offline.html", cur))

	pruned, err := f.worker.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, ok, err := f.cache.GetAsset(1, "/offline.html")
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := f.cache.GetAsset(2, "/offline.html")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got.Body)
}

func TestHandleSyncDeliversOnlyMatchingTag(t *testing.T) {
	var locations, messages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/locations":
			locations.Add(1)
		case "/api/messages":
			messages.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	f := setupWorker(t, srv.URL)

	_, err := f.syncer.QueueAction("sync-location", "location-update", []byte(`{"lat":1}`))
	require.NoError(t, err)
	_, err = f.syncer.QueueAction("sync-messages", "message-send", []byte(`{"body":"hi"}`))
	require.NoError(t, err)

	// Only the location action may leave the queue.
	require.NoError(t, f.worker.HandleSync(context.Background(), "sync-location"))
	assert.Equal(t, int32(1), locations.Load())
	assert.Equal(t, int32(0), messages.Load())

	stats, err := f.syncer.RetryStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.QueuedActions)

	require.NoError(t, f.worker.HandleSync(context.Background(), "sync-messages"))
	assert.Equal(t, int32(1), messages.Load())

	stats, err = f.syncer.RetryStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.QueuedActions)
}

func TestHandleSyncPropagatesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	f := setupWorker(t, srv.URL)

	_, err := f.syncer.QueueAction("sync-location", "location-update", []byte(`{"lat":1}`))
	require.NoError(t, err)

	err = f.worker.HandleSync(context.Background(), "sync-location")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deliveries failed")

	// The action stays queued with the failure recorded.
	stats, err := f.syncer.RetryStats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.QueuedActions)
	assert.Equal(t, 1, stats.Actions[0].Attempts)
	assert.Contains(t, stats.Actions[0].LastError, "status 500")
}

func TestHandleSyncUnknownTag(t *testing.T) {
	f := setupWorker(t, deadUpstream(t))

	err := f.worker.HandleSync(context.Background(), "sync-unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sync tag")
}

func TestHandlePushStoresAndNotifies(t *testing.T) {
	n := &captureNotifier{}
	f := setupWorker(t, deadUpstream(t), worker.WithNotifier(n))

	payload := []byte(`{"title":"New message","body":"hello","type":"message","route":"/messages/42"}`)
	require.NoError(t, f.worker.HandlePush(context.Background(), payload))

	list, err := f.cache.GetNotifications()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "New message", list[0].Title)
	assert.Equal(t, "/messages/42", list[0].Route)
	assert.False(t, list[0].Read)

	seen := n.notifications()
	require.Len(t, seen, 1)
	assert.Equal(t, list[0].ID, seen[0].ID)
}

func TestHandlePushRejectsGarbage(t *testing.T) {
	f := setupWorker(t, deadUpstream(t))

	err := f.worker.HandlePush(context.Background(), []byte("not-json"))
	require.Error(t, err)

	list, err := f.cache.GetNotifications()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHandleNotificationClick(t *testing.T) {
	n := &captureNotifier{}
	f := setupWorker(t, deadUpstream(t), worker.WithNotifier(n))

	require.NoError(t, f.worker.HandlePush(context.Background(),
		[]byte(`{"title":"New message","route":"/messages/42"}`)))
	seen := n.notifications()
	require.Len(t, seen, 1)

	route, err := f.worker.HandleNotificationClick(seen[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "/messages/42", route)

	list, err := f.cache.GetNotifications()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Read)

	_, err = f.worker.HandleNotificationClick("missing")
	assert.Error(t, err)
}

func TestHandleNotificationClickDefaultsRoute(t *testing.T) {
	n := &captureNotifier{}
	f := setupWorker(t, deadUpstream(t), worker.WithNotifier(n))

	require.NoError(t, f.worker.HandlePush(context.Background(), []byte(`{"title":"Ping"}`)))
	seen := n.notifications()
	require.Len(t, seen, 1)

	route, err := f.worker.HandleNotificationClick(seen[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "/", route)
}

func TestHandleMessageClearCache(t *testing.T) {
	f := setupWorker(t, deadUpstream(t))

	resp := cache.CachedResponse{Status: 200, ContentType: "application/json", Body: []byte(`{}`)}
	require.NoError(t, f.cache.CacheResponse("/api/friends", resp))
	require.NoError(t, f.cache.CacheUserProfile(cache.UserProfile{ID: "u1", Name: "Ada"}))

	require.NoError(t, f.worker.HandleMessage(context.Background(), worker.CmdClearCache))

	_, ok, err := f.cache.GetCachedResponse("/api/friends")
	require.NoError(t, err)
	assert.False(t, ok)

	// Typed records live in their own namespaces and survive.
	_, ok, err = f.cache.GetUserProfile("u1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHandleMessageSkipWaiting(t *testing.T) {
	f := setupWorker(t, deadUpstream(t))

	old := cache.CachedResponse{Status: 200, Body: []byte("v1")}
	require.NoError(t, f.cache.CacheAsset(1, "/offline.html", old))

	require.NoError(t, f.worker.HandleMessage(context.Background(), worker.CmdSkipWaiting))

	_, ok, err := f.cache.GetAsset(1, "/offline.html")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleMessageUnknown(t *testing.T) {
	f := setupWorker(t, deadUpstream(t))

	err := f.worker.HandleMessage(context.Background(), "REBOOT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown control message")
}

func TestQueuedWritesFlushOnReconnect(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/locations" {
			hits.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	f := setupWorker(t, srv.URL)
	f.monitor.SetOnline(false)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.syncer.Start(ctx)
	t.Cleanup(f.syncer.Close)
	require.NoError(t, f.worker.Run(ctx))
	t.Cleanup(f.worker.Close)

	_, err := f.syncer.QueueAction("sync-location", "location-update", []byte(`{"lat":48.85,"lng":2.35}`))
	require.NoError(t, err)

	// Nothing moves while offline.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), hits.Load())

	f.monitor.SetOnline(true)

	assert.Eventually(t, func() bool {
		stats, err := f.syncer.RetryStats()
		return err == nil && stats.QueuedActions == 0 && hits.Load() == 1
	}, 2*time.Second, 20*time.Millisecond, "queued action should flush after reconnect")
}
