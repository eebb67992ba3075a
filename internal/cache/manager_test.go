package cache_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"beacon/offline/internal/cache"
	"beacon/offline/internal/config"
	"beacon/offline/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{QuotaReliefDays: 7},
		Cache:   config.CacheConfig{RetentionDays: 30},
		TTL: config.TTLConfig{
			UserProfile:       24 * time.Hour,
			FriendsList:       6 * time.Hour,
			LocationData:      5 * time.Minute,
			EmergencyContacts: 7 * 24 * time.Hour,
			APIResponse:       10 * time.Minute,
			WeatherData:       30 * time.Minute,
			Notifications:     7 * 24 * time.Hour,
			Default:           24 * time.Hour,
		},
	}
}

func setupManager(t *testing.T, clk *fakeClock, quota int64) (*cache.Manager, *store.PebbleStore) {
	t.Helper()
	dir := t.TempDir()
	logger, _ := zap.NewDevelopment()
	st := store.NewPebbleStore(dir+"/cache-db", quota, logger, store.WithNow(clk.Now))
	require.NoError(t, st.Init())
	t.Cleanup(func() { st.Close() })
	m := cache.New(st, testConfig(), logger, cache.WithNow(clk.Now))
	return m, st
}

func TestUserProfileRoundTrip(t *testing.T) {
	m, _ := setupManager(t, newFakeClock(), 0)

	p := cache.UserProfile{ID: "u1", Name: "Ada", Email: "ada@example.com"}
	require.NoError(t, m.CacheUserProfile(p))

	got, ok, err := m.GetUserProfile("u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, p, got)

	_, ok, err = m.GetUserProfile("nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFriendsListExpiry(t *testing.T) {
	clk := newFakeClock()
	m, _ := setupManager(t, clk, 0)

	friends := []cache.Friend{{ID: "f1", Name: "Grace"}, {ID: "f2", Name: "Edsger"}}
	require.NoError(t, m.CacheFriendsList("u1", friends))

	got, ok, err := m.GetFriendsList("u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, friends, got)

	// FRIENDS_LIST freshness is six hours.
	clk.Advance(6*time.Hour + time.Minute)
	_, ok, err = m.GetFriendsList("u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocationNewerWins(t *testing.T) {
	clk := newFakeClock()
	m, _ := setupManager(t, clk, 0)

	base := clk.Now()
	newer := cache.Location{UserID: "u1", Latitude: 52.0, Longitude: 4.3, Timestamp: base}
	older := cache.Location{UserID: "u1", Latitude: 51.0, Longitude: 4.0, Timestamp: base.Add(-time.Minute)}

	require.NoError(t, m.CacheLocationUpdate(newer))
	require.NoError(t, m.CacheLocationUpdate(older))

	got, ok, err := m.GetLastKnownLocation("u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 52.0, got.Latitude, "an older fix must not overwrite a newer one")
}

func TestLocationEqualTimestampsConverge(t *testing.T) {
	clk := newFakeClock()
	ts := clk.Now()
	a := cache.Location{UserID: "u1", Latitude: 52.0, Longitude: 4.3, Timestamp: ts}
	b := cache.Location{UserID: "u1", Latitude: 48.8, Longitude: 2.3, Timestamp: ts}

	m1, _ := setupManager(t, clk, 0)
	require.NoError(t, m1.CacheLocationUpdate(a))
	require.NoError(t, m1.CacheLocationUpdate(b))
	got1, ok, err := m1.GetLastKnownLocation("u1")
	require.NoError(t, err)
	require.True(t, ok)

	m2, _ := setupManager(t, clk, 0)
	require.NoError(t, m2.CacheLocationUpdate(b))
	require.NoError(t, m2.CacheLocationUpdate(a))
	got2, ok, err := m2.GetLastKnownLocation("u1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, got1, got2, "tie-break must converge regardless of write order")
}

func TestMessagesAppendReplaceSort(t *testing.T) {
	clk := newFakeClock()
	m, _ := setupManager(t, clk, 0)

	base := clk.Now()
	late := cache.Message{ID: "m2", ConversationID: "c1", Sender: "u1", Body: "second", SentAt: base.Add(time.Minute)}
	early := cache.Message{ID: "m1", ConversationID: "c1", Sender: "u2", Body: "first", SentAt: base}

	require.NoError(t, m.CacheMessage(late))
	require.NoError(t, m.CacheMessage(early))

	msgs, ok, err := m.GetConversationMessages("c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID, "messages are ordered by send time")
	assert.Equal(t, "m2", msgs[1].ID)

	// Re-caching an existing ID replaces the copy instead of duplicating it.
	late.Body = "second (edited)"
	require.NoError(t, m.CacheMessage(late))

	msgs, _, err = m.GetConversationMessages("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second (edited)", msgs[1].Body)
}

func TestEmergencyContactsRoundTrip(t *testing.T) {
	m, _ := setupManager(t, newFakeClock(), 0)

	contacts := []cache.EmergencyContact{{ID: "e1", Name: "Mom", Phone: "+3112345678", Relation: "parent"}}
	require.NoError(t, m.CacheEmergencyContacts("u1", contacts))

	got, ok, err := m.GetEmergencyContacts("u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, contacts, got)
}

func TestWeatherSnapshotExpiry(t *testing.T) {
	clk := newFakeClock()
	m, _ := setupManager(t, clk, 0)

	w := cache.WeatherSnapshot{Location: "delft", TempC: 18.5, Summary: "cloudy", FetchedAt: clk.Now()}
	require.NoError(t, m.CacheWeatherSnapshot(w))

	got, ok, err := m.GetWeatherSnapshot("delft")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, w, got)

	clk.Advance(31 * time.Minute)
	_, ok, err = m.GetWeatherSnapshot("delft")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNotificationsMarkRead(t *testing.T) {
	clk := newFakeClock()
	m, _ := setupManager(t, clk, 0)

	require.NoError(t, m.CacheNotification(cache.Notification{ID: "n1", Title: "Nearby", Route: "/friends/f1"}))
	require.NoError(t, m.CacheNotification(cache.Notification{ID: "n2", Title: "Weather alert"}))

	all, err := m.GetNotifications()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "n1", all[0].ID, "notifications keep arrival order")
	assert.False(t, all[0].Read)

	n, err := m.MarkNotificationRead("n1")
	require.NoError(t, err)
	assert.True(t, n.Read)
	assert.Equal(t, "/friends/f1", n.Route)

	_, err = m.MarkNotificationRead("ghost")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestCachedResponseRoundTrip(t *testing.T) {
	clk := newFakeClock()
	m, _ := setupManager(t, clk, 0)

	r := cache.CachedResponse{Status: 200, ContentType: "application/json", Body: []byte(`{"ok":true}`)}
	require.NoError(t, m.CacheResponse("/api/users/u1", r))

	got, ok, err := m.GetCachedResponse("/api/users/u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 200, got.Status)
	assert.Equal(t, []byte(`{"ok":true}`), got.Body)
	assert.Equal(t, clk.Now(), got.CachedAt)

	// API_RESPONSE freshness is ten minutes.
	clk.Advance(11 * time.Minute)
	_, ok, err = m.GetCachedResponse("/api/users/u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAssetVersionPruning(t *testing.T) {
	m, _ := setupManager(t, newFakeClock(), 0)

	page := cache.CachedResponse{Status: 200, ContentType: "text/html", Body: []byte("<html>offline</html>")}
	require.NoError(t, m.CacheAsset(1, "/offline.html", page))
	require.NoError(t, m.CacheAsset(2, "/offline.html", page))
	require.NoError(t, m.CacheResponse("/api/ping", cache.CachedResponse{Status: 200, Body: []byte("pong")}))

	pruned, err := m.PruneAssetVersions(2)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, ok, err := m.GetAsset(1, "/offline.html")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = m.GetAsset(2, "/offline.html")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = m.GetCachedResponse("/api/ping")
	require.NoError(t, err)
	assert.True(t, ok, "untagged cache entries survive asset pruning")
}

func TestQuotaRelief(t *testing.T) {
	clk := newFakeClock()
	m, st := setupManager(t, clk, 1<<10)

	old := bytes.Repeat([]byte("x"), 400)
	require.NoError(t, st.Set(store.Cache, "aged", old, 0))

	// Eight days later the aged entry is eligible for relief cleanup.
	clk.Advance(8 * 24 * time.Hour)

	big := cache.CachedResponse{Status: 200, Body: bytes.Repeat([]byte("y"), 300)}
	require.NoError(t, m.CacheResponse("/api/big", big))

	_, ok, err := st.Get(store.Cache, "aged")
	require.NoError(t, err)
	assert.False(t, ok, "relief cleanup should have evicted the aged entry")

	_, ok, err = m.GetCachedResponse("/api/big")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCleanupCacheDefaultRetention(t *testing.T) {
	clk := newFakeClock()
	m, _ := setupManager(t, clk, 0)

	require.NoError(t, m.CacheUserProfile(cache.UserProfile{ID: "old"}))
	clk.Advance(31 * 24 * time.Hour)
	require.NoError(t, m.CacheUserProfile(cache.UserProfile{ID: "fresh"}))

	n, err := m.CleanupCache(0)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "zero days falls back to the configured retention")
}

func TestClearAllCacheKeepsSyncQueue(t *testing.T) {
	m, st := setupManager(t, newFakeClock(), 0)

	require.NoError(t, m.CacheUserProfile(cache.UserProfile{ID: "u1"}))
	require.NoError(t, m.CacheNotification(cache.Notification{ID: "n1"}))
	require.NoError(t, st.Set(store.SyncQueue, "action/a1", []byte(`{}`), 0))

	n, err := m.ClearAllCache()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err := st.Get(store.SyncQueue, "action/a1")
	require.NoError(t, err)
	assert.True(t, ok, "queued actions are pending work, not cache")
}

func TestGetCacheStats(t *testing.T) {
	m, _ := setupManager(t, newFakeClock(), 1<<20)

	require.NoError(t, m.CacheUserProfile(cache.UserProfile{ID: "u1"}))

	stats, err := m.GetCacheStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PerStore[store.Users])
	assert.Equal(t, "pebble", stats.Backend)
}
