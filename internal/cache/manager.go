// Package cache is the typed access layer over the persistent store. It
// maps domain records to namespaces, applies freshness profiles, and
// mitigates quota pressure so callers only see hard failures.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"beacon/offline/internal/config"
	"beacon/offline/internal/metrics"
	"beacon/offline/internal/store"
)

// ErrNotFound reports a typed lookup for a record that is absent or expired.
var ErrNotFound = errors.New("cache: not found")

// Manager holds no record state of its own; every read and write goes to
// the store. The mutex only serializes read-modify-write flows (messages,
// locations) that span more than one store call.
type Manager struct {
	store         store.Store
	ttl           TTLTable
	reliefDays    int
	retentionDays int
	logger        *zap.Logger
	now           func() time.Time

	mu sync.Mutex
}

// Option customises a Manager.
type Option func(*Manager)

// WithNow overrides the clock, primarily for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a Manager over the given store.
func New(st store.Store, cfg *config.Config, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:         st,
		ttl:           NewTTLTable(cfg.TTL),
		reliefDays:    cfg.Storage.QuotaReliefDays,
		retentionDays: cfg.Cache.RetentionDays,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CacheUserProfile stores a profile under its user ID.
func (m *Manager) CacheUserProfile(p UserProfile) error {
	return m.putJSON(store.Users, p.ID, p, m.ttl.TTL(ProfileUserProfile))
}

// GetUserProfile returns the cached profile, or ok=false on a miss.
func (m *Manager) GetUserProfile(id string) (UserProfile, bool, error) {
	var p UserProfile
	ok, err := m.getJSON(store.Users, id, &p)
	return p, ok, err
}

// CacheFriendsList stores a user's friends snapshot as one record.
func (m *Manager) CacheFriendsList(userID string, friends []Friend) error {
	return m.putJSON(store.Friends, userID, friends, m.ttl.TTL(ProfileFriendsList))
}

// GetFriendsList returns the cached friends snapshot.
func (m *Manager) GetFriendsList(userID string) ([]Friend, bool, error) {
	var friends []Friend
	ok, err := m.getJSON(store.Friends, userID, &friends)
	return friends, ok, err
}

// CacheLocationUpdate records a positional fix. An older fix never
// overwrites a newer one; ties on the timestamp keep whichever encoding
// compares lexicographically greater, so concurrent writers converge.
func (m *Manager) CacheLocationUpdate(loc Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	data, ok, err := m.store.Get(store.Locations, loc.UserID)
	if err != nil {
		return err
	}
	if ok {
		var prev Location
		if err := json.Unmarshal(data, &prev); err == nil {
			if prev.Timestamp.After(loc.Timestamp) {
				m.logger.Debug("Stale location fix ignored",
					zap.String("userId", loc.UserID),
					zap.Time("kept", prev.Timestamp),
					zap.Time("ignored", loc.Timestamp))
				return nil
			}
			if prev.Timestamp.Equal(loc.Timestamp) && string(data) >= string(next) {
				return nil
			}
		}
	}
	return m.setWithRelief(store.Locations, loc.UserID, next, m.ttl.TTL(ProfileLocationData))
}

// GetLastKnownLocation returns the newest cached fix for a user.
func (m *Manager) GetLastKnownLocation(userID string) (Location, bool, error) {
	var loc Location
	ok, err := m.getJSON(store.Locations, userID, &loc)
	return loc, ok, err
}

// CacheMessage appends a message to its conversation, replacing any message
// with the same ID. The conversation is kept sorted by send time.
func (m *Manager) CacheMessage(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var msgs []Message
	data, ok, err := m.store.Get(store.Messages, msg.ConversationID)
	if err != nil {
		return err
	}
	if ok {
		if err := json.Unmarshal(data, &msgs); err != nil {
			msgs = nil
		}
	}
	replaced := false
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		msgs = append(msgs, msg)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })
	return m.putJSON(store.Messages, msg.ConversationID, msgs, DefaultTTL)
}

// GetConversationMessages returns a conversation's cached messages in send
// order.
func (m *Manager) GetConversationMessages(conversationID string) ([]Message, bool, error) {
	var msgs []Message
	ok, err := m.getJSON(store.Messages, conversationID, &msgs)
	return msgs, ok, err
}

// CacheEmergencyContacts stores a user's emergency contacts.
func (m *Manager) CacheEmergencyContacts(userID string, contacts []EmergencyContact) error {
	return m.putJSON(store.Friends, "emergency/"+userID, contacts, m.ttl.TTL(ProfileEmergencyContacts))
}

// GetEmergencyContacts returns a user's cached emergency contacts.
func (m *Manager) GetEmergencyContacts(userID string) ([]EmergencyContact, bool, error) {
	var contacts []EmergencyContact
	ok, err := m.getJSON(store.Friends, "emergency/"+userID, &contacts)
	return contacts, ok, err
}

// CacheWeatherSnapshot stores the latest weather report for a location.
func (m *Manager) CacheWeatherSnapshot(w WeatherSnapshot) error {
	return m.putJSON(store.Settings, "weather/"+w.Location, w, m.ttl.TTL(ProfileWeatherData))
}

// GetWeatherSnapshot returns the cached weather report for a location.
func (m *Manager) GetWeatherSnapshot(location string) (WeatherSnapshot, bool, error) {
	var w WeatherSnapshot
	ok, err := m.getJSON(store.Settings, "weather/"+location, &w)
	return w, ok, err
}

// CacheNotification stores a notification for the in-app tray.
func (m *Manager) CacheNotification(n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.now()
	}
	return m.putJSON(store.Notifications, n.ID, n, m.ttl.TTL(ProfileNotifications))
}

// GetNotifications returns all retained notifications in arrival order.
func (m *Manager) GetNotifications() ([]Notification, error) {
	entries, err := m.store.GetAll(store.Notifications)
	if err != nil {
		return nil, err
	}
	notifications := make([]Notification, 0, len(entries))
	for _, e := range entries {
		var n Notification
		if err := json.Unmarshal(e.Value, &n); err != nil {
			m.logger.Warn("Dropping undecodable notification", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// MarkNotificationRead flips the read flag and returns the updated
// notification, typically to navigate to its route.
func (m *Manager) MarkNotificationRead(id string) (Notification, error) {
	err := m.store.Update(store.Notifications, id, []byte(`{"read":true}`))
	if errors.Is(err, store.ErrNotFound) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		return Notification{}, err
	}
	var n Notification
	ok, err := m.getJSON(store.Notifications, id, &n)
	if err != nil {
		return Notification{}, err
	}
	if !ok {
		return Notification{}, ErrNotFound
	}
	return n, nil
}

// CacheResponse stores a replayable HTTP response under its request path.
func (m *Manager) CacheResponse(key string, r CachedResponse) error {
	if r.CachedAt.IsZero() {
		r.CachedAt = m.now()
	}
	return m.putJSON(store.Cache, key, r, m.ttl.TTL(ProfileAPIResponse))
}

// GetCachedResponse returns the stored response for a request path.
func (m *Manager) GetCachedResponse(key string) (CachedResponse, bool, error) {
	var r CachedResponse
	ok, err := m.getJSON(store.Cache, key, &r)
	return r, ok, err
}

// CacheImage stores an image response without expiry. Retention cleanup
// eventually evicts stale copies.
func (m *Manager) CacheImage(key string, r CachedResponse) error {
	if r.CachedAt.IsZero() {
		r.CachedAt = m.now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", store.Cache, key, err)
	}
	return m.setWithRelief(store.Cache, key, data, 0)
}

// CacheAsset stores a precached shell asset under a version-tagged key.
// Assets never expire; Activate prunes superseded versions.
func (m *Manager) CacheAsset(version int, path string, r CachedResponse) error {
	if r.CachedAt.IsZero() {
		r.CachedAt = m.now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode asset %s: %w", path, err)
	}
	return m.setWithRelief(store.Cache, assetKey(version, path), data, 0)
}

// GetAsset returns a precached asset for the given version.
func (m *Manager) GetAsset(version int, path string) (CachedResponse, bool, error) {
	var r CachedResponse
	ok, err := m.getJSON(store.Cache, assetKey(version, path), &r)
	return r, ok, err
}

// PruneAssetVersions removes version-tagged assets that do not belong to
// the current version. Untagged cache entries are untouched.
func (m *Manager) PruneAssetVersions(current int) (int, error) {
	entries, err := m.store.GetAll(store.Cache)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, e := range entries {
		v, ok := parseAssetVersion(e.Key)
		if !ok || v == current {
			continue
		}
		if err := m.store.Delete(store.Cache, e.Key); err != nil {
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		m.logger.Info("Pruned superseded assets", zap.Int("count", pruned), zap.Int("version", current))
	}
	return pruned, nil
}

// GetCacheStats reports store occupancy.
func (m *Manager) GetCacheStats() (store.Stats, error) {
	return m.store.Stats()
}

// ClearCache empties a single namespace.
func (m *Manager) ClearCache(ns store.Namespace) (int, error) {
	return m.store.Clear(ns)
}

// CleanupCache removes entries older than the given number of days across
// all namespaces. days <= 0 uses the configured retention.
func (m *Manager) CleanupCache(days int) (int, error) {
	if days <= 0 {
		days = m.retentionDays
	}
	return m.store.CleanupOlderThan(days)
}

// PruneExpired removes entries whose TTL has passed.
func (m *Manager) PruneExpired() (int, error) {
	return m.store.CleanExpired()
}

// ClearAllCache empties every namespace except the sync queue; queued
// writes are pending work, not cache.
func (m *Manager) ClearAllCache() (int, error) {
	total := 0
	var errs error
	for _, ns := range store.Namespaces {
		if ns == store.SyncQueue {
			continue
		}
		n, err := m.store.Clear(ns)
		total += n
		errs = multierr.Append(errs, err)
	}
	return total, errs
}

// ExportCacheDebugData snapshots every namespace, expired entries included.
func (m *Manager) ExportCacheDebugData() (map[store.Namespace][]store.Entry, error) {
	return m.store.ExportAll()
}

func (m *Manager) putJSON(ns store.Namespace, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", ns, key, err)
	}
	return m.setWithRelief(ns, key, data, ttl)
}

// setWithRelief frees aged entries once when a write hits the quota, then
// retries. A second rejection surfaces to the caller.
func (m *Manager) setWithRelief(ns store.Namespace, key string, data []byte, ttl time.Duration) error {
	err := m.store.Set(ns, key, data, ttl)
	if !errors.Is(err, store.ErrQuotaExceeded) {
		return err
	}
	freed, cleanupErr := m.store.CleanupOlderThan(m.reliefDays)
	if cleanupErr != nil {
		return multierr.Append(err, cleanupErr)
	}
	m.logger.Warn("Quota exceeded, freed aged entries",
		zap.String("namespace", string(ns)),
		zap.Int("freed", freed),
		zap.Int("reliefDays", m.reliefDays))
	return m.store.Set(ns, key, data, ttl)
}

func (m *Manager) getJSON(ns store.Namespace, key string, out any) (bool, error) {
	data, ok, err := m.store.Get(ns, key)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues(string(ns)).Inc()
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", ns, key, err)
	}
	metrics.CacheHits.WithLabelValues(string(ns)).Inc()
	return true, nil
}

func assetKey(version int, path string) string {
	return "v" + strconv.Itoa(version) + path
}

// parseAssetVersion extracts the version from a "v<n>/..." asset key.
// Request-path keys start with "/" and never match.
func parseAssetVersion(key string) (int, bool) {
	if !strings.HasPrefix(key, "v") {
		return 0, false
	}
	slash := strings.IndexByte(key, '/')
	if slash <= 1 {
		return 0, false
	}
	v, err := strconv.Atoi(key[1:slash])
	if err != nil {
		return 0, false
	}
	return v, true
}
