package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// entryRecord is the SQLite row backing one Entry. Timestamps are managed
// explicitly so the injected clock stays authoritative.
type entryRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Namespace string `gorm:"size:64;not null;uniqueIndex:idx_namespace_key"`
	Key       string `gorm:"size:512;not null;uniqueIndex:idx_namespace_key"`
	Value     []byte
	Seq       uint64     `gorm:"index;not null"`
	CreatedAt time.Time  `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime:false"`
	ExpiresAt *time.Time `gorm:"index"`
}

func (entryRecord) TableName() string { return "entries" }

func (r entryRecord) toEntry() Entry {
	e := Entry{
		Key:       r.Key,
		Value:     r.Value,
		Seq:       r.Seq,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.ExpiresAt != nil {
		e.ExpiresAt = *r.ExpiresAt
	}
	return e
}

func (r entryRecord) expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

func (r entryRecord) size() int64 {
	return int64(len(r.Namespace) + len(r.Key) + len(r.Value))
}

// SQLiteStore is a GORM/SQLite backed Store. SQLite permits a single writer,
// so all mutations share one mutex and run inside a transaction; quota is
// checked against the projected byte total within that transaction.
type SQLiteStore struct {
	db     *gorm.DB
	path   string
	quota  int64
	logger *zap.Logger
	now    func() time.Time

	mu  sync.Mutex
	seq atomic.Uint64
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a SQLiteStore instance (not yet opened).
// quotaBytes <= 0 disables quota enforcement.
func NewSQLiteStore(dbPath string, quotaBytes int64, logger *zap.Logger, opts ...Option) *SQLiteStore {
	o := newOptions(opts)
	return &SQLiteStore{
		path:   dbPath,
		quota:  quotaBytes,
		logger: logger,
		now:    o.now,
	}
}

// Init opens the database, migrates the schema and reseeds the sequence
// counter.
func (s *SQLiteStore) Init() error {
	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("sqlite open %s: %w", s.path, err)
	}
	if err := db.AutoMigrate(&entryRecord{}); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	s.db = db

	var maxSeq sql.NullInt64
	if err := db.Model(&entryRecord{}).Select("MAX(seq)").Scan(&maxSeq).Error; err != nil {
		return fmt.Errorf("sqlite seed seq: %w", err)
	}
	if maxSeq.Valid {
		s.seq.Store(uint64(maxSeq.Int64))
	}

	s.logger.Info("SQLite storage opened",
		zap.String("path", s.path),
		zap.Uint64("seq", s.seq.Load()))
	return nil
}

// Close closes the underlying connection pool.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	return sqlDB.Close()
}

// Get retrieves a value, collecting the entry when it is found expired.
func (s *SQLiteStore) Get(ns Namespace, key string) ([]byte, bool, error) {
	if !ns.Valid() {
		return nil, false, ErrUnknownNamespace
	}
	var rec entryRecord
	err := s.db.Where("namespace = ? AND key = ?", string(ns), key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StorageError{Op: "get", Namespace: ns, Key: key, Err: err}
	}
	if rec.expired(s.now()) {
		if err := s.collectExpired(ns, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// Set writes a value inside a transaction, keeping the sequence of a live
// entry being overwritten.
func (s *SQLiteStore) Set(ns Namespace, key string, value []byte, ttl time.Duration) error {
	if !ns.Valid() {
		return ErrUnknownNamespace
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var rec entryRecord
		err := tx.Where("namespace = ? AND key = ?", string(ns), key).First(&rec).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var oldSize int64
		if found {
			oldSize = rec.size()
		}
		next := entryRecord{
			Namespace: string(ns),
			Key:       key,
			Value:     value,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if ttl > 0 {
			exp := now.Add(ttl)
			next.ExpiresAt = &exp
		}
		if found && !rec.expired(now) {
			next.Seq = rec.Seq
		} else {
			next.Seq = s.seq.Add(1)
		}

		if err := s.checkQuota(tx, next.size()-oldSize); err != nil {
			return err
		}
		if found {
			next.ID = rec.ID
			return tx.Save(&next).Error
		}
		return tx.Create(&next).Error
	})
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			return ErrQuotaExceeded
		}
		return &StorageError{Op: "set", Namespace: ns, Key: key, Err: err}
	}
	return nil
}

// Update merges a top-level JSON object patch into the stored value.
func (s *SQLiteStore) Update(ns Namespace, key string, patch []byte) error {
	if !ns.Valid() {
		return ErrUnknownNamespace
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var rec entryRecord
		err := tx.Where("namespace = ? AND key = ?", string(ns), key).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if rec.expired(now) {
			if err := tx.Delete(&entryRecord{}, rec.ID).Error; err != nil {
				return err
			}
			return ErrNotFound
		}

		merged, err := mergePatch(rec.Value, patch)
		if err != nil {
			return err
		}
		delta := int64(len(merged) - len(rec.Value))
		if err := s.checkQuota(tx, delta); err != nil {
			return err
		}
		rec.Value = merged
		rec.UpdatedAt = now
		return tx.Save(&rec).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrQuotaExceeded) {
			return err
		}
		return &StorageError{Op: "update", Namespace: ns, Key: key, Err: err}
	}
	return nil
}

// Delete removes a key. Deleting an absent key is a no-op.
func (s *SQLiteStore) Delete(ns Namespace, key string) error {
	if !ns.Valid() {
		return ErrUnknownNamespace
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Where("namespace = ? AND key = ?", string(ns), key).Delete(&entryRecord{}).Error
	if err != nil {
		return &StorageError{Op: "delete", Namespace: ns, Key: key, Err: err}
	}
	return nil
}

// GetAll returns the live entries of a namespace in insertion order.
func (s *SQLiteStore) GetAll(ns Namespace) ([]Entry, error) {
	if !ns.Valid() {
		return nil, ErrUnknownNamespace
	}
	var recs []entryRecord
	err := s.db.Where("namespace = ?", string(ns)).
		Where("expires_at IS NULL OR expires_at >= ?", s.now()).
		Order("seq ASC").
		Find(&recs).Error
	if err != nil {
		return nil, &StorageError{Op: "scan", Namespace: ns, Err: err}
	}
	entries := make([]Entry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, r.toEntry())
	}
	return entries, nil
}

// Clear removes every entry of a namespace.
func (s *SQLiteStore) Clear(ns Namespace) (int, error) {
	if !ns.Valid() {
		return 0, ErrUnknownNamespace
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.Where("namespace = ?", string(ns)).Delete(&entryRecord{})
	if res.Error != nil {
		return 0, &StorageError{Op: "clear", Namespace: ns, Err: res.Error}
	}
	if res.RowsAffected > 0 {
		s.logger.Info("Cleared namespace",
			zap.String("namespace", string(ns)),
			zap.Int64("count", res.RowsAffected))
	}
	return int(res.RowsAffected), nil
}

// CleanupOlderThan removes entries created before now minus the given number
// of days.
func (s *SQLiteStore) CleanupOlderThan(days int) (int, error) {
	if days < 0 {
		days = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -days)
	res := s.db.Where("created_at < ?", cutoff).Delete(&entryRecord{})
	if res.Error != nil {
		return 0, &StorageError{Op: "cleanup", Err: res.Error}
	}
	if res.RowsAffected > 0 {
		s.logger.Info("Cleaned old entries",
			zap.Int64("count", res.RowsAffected),
			zap.Int("days", days))
	}
	return int(res.RowsAffected), nil
}

// CleanExpired removes all entries whose expiry has passed.
func (s *SQLiteStore) CleanExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.Where("expires_at IS NOT NULL AND expires_at < ?", s.now()).Delete(&entryRecord{})
	if res.Error != nil {
		return 0, &StorageError{Op: "cleanup", Err: res.Error}
	}
	if res.RowsAffected > 0 {
		s.logger.Info("Cleaned expired entries", zap.Int64("count", res.RowsAffected))
	}
	return int(res.RowsAffected), nil
}

// Stats counts live entries per namespace.
func (s *SQLiteStore) Stats() (Stats, error) {
	per := make(map[Namespace]int, len(Namespaces))
	for _, ns := range Namespaces {
		per[ns] = 0
	}
	var rows []struct {
		Namespace string
		N         int
	}
	err := s.db.Model(&entryRecord{}).
		Select("namespace, COUNT(*) AS n").
		Where("expires_at IS NULL OR expires_at >= ?", s.now()).
		Group("namespace").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, &StorageError{Op: "stats", Err: err}
	}
	for _, row := range rows {
		per[Namespace(row.Namespace)] = row.N
	}
	used, err := s.bytesUsed(s.db)
	if err != nil {
		return Stats{}, &StorageError{Op: "stats", Err: err}
	}
	return Stats{
		PerStore:   per,
		BytesUsed:  used,
		QuotaBytes: s.quota,
		Backend:    "sqlite",
	}, nil
}

// ExportAll snapshots every namespace as stored, expired entries included.
func (s *SQLiteStore) ExportAll() (map[Namespace][]Entry, error) {
	var recs []entryRecord
	if err := s.db.Order("seq ASC").Find(&recs).Error; err != nil {
		return nil, &StorageError{Op: "export", Err: err}
	}
	out := make(map[Namespace][]Entry, len(Namespaces))
	for _, ns := range Namespaces {
		out[ns] = nil
	}
	for _, r := range recs {
		ns := Namespace(r.Namespace)
		out[ns] = append(out[ns], r.toEntry())
	}
	for ns := range out {
		entries := out[ns]
		sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	}
	return out, nil
}

// collectExpired re-checks expiry inside the delete so a concurrent
// overwrite since the unlocked read is not lost.
func (s *SQLiteStore) collectExpired(ns Namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.
		Where("namespace = ? AND key = ?", string(ns), key).
		Where("expires_at IS NOT NULL AND expires_at < ?", s.now()).
		Delete(&entryRecord{}).Error
	if err != nil {
		return &StorageError{Op: "delete", Namespace: ns, Key: key, Err: err}
	}
	return nil
}

// checkQuota rejects a write whose byte delta would push the store past its
// quota. Runs inside the caller's transaction.
func (s *SQLiteStore) checkQuota(tx *gorm.DB, delta int64) error {
	if s.quota <= 0 || delta <= 0 {
		return nil
	}
	used, err := s.bytesUsed(tx)
	if err != nil {
		return err
	}
	if used+delta > s.quota {
		return ErrQuotaExceeded
	}
	return nil
}

func (s *SQLiteStore) bytesUsed(tx *gorm.DB) (int64, error) {
	var used sql.NullInt64
	err := tx.Model(&entryRecord{}).
		Select("COALESCE(SUM(LENGTH(namespace) + LENGTH(key) + LENGTH(value)), 0)").
		Scan(&used).Error
	if err != nil {
		return 0, err
	}
	return used.Int64, nil
}
