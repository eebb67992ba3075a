package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// PebbleStore is a Pebble LSM-tree backed Store. Entries live under
// "<namespace>/<key>" and carry a JSON envelope with sequence and expiry
// metadata. Writes within a namespace are serialized by a per-namespace
// mutex; byte usage and the insertion sequence are tracked atomically and
// reseeded from disk on Init.
type PebbleStore struct {
	db     *pebble.DB
	path   string
	quota  int64
	logger *zap.Logger
	now    func() time.Time

	mu    map[Namespace]*sync.Mutex
	seq   atomic.Uint64
	bytes atomic.Int64
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore creates a PebbleStore instance (not yet opened).
// quotaBytes <= 0 disables quota enforcement.
func NewPebbleStore(dbPath string, quotaBytes int64, logger *zap.Logger, opts ...Option) *PebbleStore {
	o := newOptions(opts)
	mu := make(map[Namespace]*sync.Mutex, len(Namespaces))
	for _, ns := range Namespaces {
		mu[ns] = &sync.Mutex{}
	}
	return &PebbleStore{
		path:   dbPath,
		quota:  quotaBytes,
		logger: logger,
		now:    o.now,
		mu:     mu,
	}
}

// Init opens the Pebble database and reseeds the sequence counter and byte
// usage from the existing entries.
func (p *PebbleStore) Init() error {
	opts := &pebble.Options{
		Logger: &pebbleLogger{p.logger},
	}
	db, err := pebble.Open(p.path, opts)
	if err != nil {
		return fmt.Errorf("pebble open %s: %w", p.path, err)
	}
	p.db = db

	var maxSeq uint64
	var used int64
	iter, err := p.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		used += int64(len(iter.Key()) + len(iter.Value()))
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return fmt.Errorf("pebble iter: %w", err)
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("pebble iter close: %w", err)
	}
	p.seq.Store(maxSeq)
	p.bytes.Store(used)

	p.logger.Info("Pebble storage opened",
		zap.String("path", p.path),
		zap.Int64("bytesUsed", used),
		zap.Uint64("seq", maxSeq))
	return nil
}

// Close flushes and closes the database.
func (p *PebbleStore) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Get retrieves a value. The first reader of an expired entry removes it, so
// callers never observe stale data.
func (p *PebbleStore) Get(ns Namespace, key string) ([]byte, bool, error) {
	if !ns.Valid() {
		return nil, false, ErrUnknownNamespace
	}
	k := storageKey(ns, key)
	data, closer, err := p.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StorageError{Op: "get", Namespace: ns, Key: key, Err: err}
	}
	var e Entry
	decodeErr := json.Unmarshal(data, &e)
	closer.Close()
	if decodeErr != nil {
		return nil, false, &StorageError{Op: "decode", Namespace: ns, Key: key, Err: decodeErr}
	}
	if e.Expired(p.now()) {
		if err := p.collectExpired(ns, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return e.Value, true, nil
}

// Set writes a value. Overwriting a live entry keeps its sequence number;
// writing over an expired or absent key assigns a fresh one.
func (p *PebbleStore) Set(ns Namespace, key string, value []byte, ttl time.Duration) error {
	if !ns.Valid() {
		return ErrUnknownNamespace
	}
	mu := p.mu[ns]
	mu.Lock()
	defer mu.Unlock()

	k := storageKey(ns, key)
	old, oldSize, found, err := p.readRaw(k)
	if err != nil {
		return &StorageError{Op: "get", Namespace: ns, Key: key, Err: err}
	}
	now := p.now()
	e := Entry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	if found && !old.Expired(now) {
		e.Seq = old.Seq
	} else {
		e.Seq = p.seq.Add(1)
	}
	return p.write(ns, k, e, oldSize)
}

// Update merges a top-level JSON object patch into the stored value. The
// entry keeps its sequence, creation time and expiry.
func (p *PebbleStore) Update(ns Namespace, key string, patch []byte) error {
	if !ns.Valid() {
		return ErrUnknownNamespace
	}
	mu := p.mu[ns]
	mu.Lock()
	defer mu.Unlock()

	k := storageKey(ns, key)
	e, oldSize, found, err := p.readRaw(k)
	if err != nil {
		return &StorageError{Op: "get", Namespace: ns, Key: key, Err: err}
	}
	if !found {
		return ErrNotFound
	}
	if e.Expired(p.now()) {
		if err := p.db.Delete(k, pebble.Sync); err != nil {
			return &StorageError{Op: "delete", Namespace: ns, Key: key, Err: err}
		}
		p.bytes.Add(-oldSize)
		return ErrNotFound
	}

	merged, err := mergePatch(e.Value, patch)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", ns, key, err)
	}
	e.Value = merged
	e.UpdatedAt = p.now()
	return p.write(ns, k, e, oldSize)
}

// Delete removes a key. Deleting an absent key is a no-op.
func (p *PebbleStore) Delete(ns Namespace, key string) error {
	if !ns.Valid() {
		return ErrUnknownNamespace
	}
	mu := p.mu[ns]
	mu.Lock()
	defer mu.Unlock()

	k := storageKey(ns, key)
	_, size, found, err := p.readRaw(k)
	if err != nil {
		return &StorageError{Op: "get", Namespace: ns, Key: key, Err: err}
	}
	if !found && size == 0 {
		return nil
	}
	if err := p.db.Delete(k, pebble.Sync); err != nil {
		return &StorageError{Op: "delete", Namespace: ns, Key: key, Err: err}
	}
	p.bytes.Add(-size)
	return nil
}

// GetAll returns the live entries of a namespace in insertion order.
// Expired entries are skipped but left for Get or CleanExpired to collect.
func (p *PebbleStore) GetAll(ns Namespace) ([]Entry, error) {
	if !ns.Valid() {
		return nil, ErrUnknownNamespace
	}
	now := p.now()
	var entries []Entry
	err := p.scan(ns, func(_ []byte, e Entry, _ int64) {
		if e.Expired(now) {
			return
		}
		entries = append(entries, e)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

// Clear removes every entry of a namespace.
func (p *PebbleStore) Clear(ns Namespace) (int, error) {
	if !ns.Valid() {
		return 0, ErrUnknownNamespace
	}
	mu := p.mu[ns]
	mu.Lock()
	defer mu.Unlock()

	var keys [][]byte
	var freed int64
	err := p.scan(ns, func(k []byte, _ Entry, size int64) {
		keys = append(keys, k)
		freed += size
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := p.deleteBatch(ns, keys); err != nil {
		return 0, err
	}
	p.bytes.Add(-freed)
	p.logger.Info("Cleared namespace", zap.String("namespace", string(ns)), zap.Int("count", len(keys)))
	return len(keys), nil
}

// CleanupOlderThan removes entries created before now minus the given number
// of days, across all namespaces.
func (p *PebbleStore) CleanupOlderThan(days int) (int, error) {
	if days < 0 {
		days = 0
	}
	cutoff := p.now().AddDate(0, 0, -days)
	total := 0
	for _, ns := range Namespaces {
		n, err := p.sweep(ns, func(e Entry) bool { return e.CreatedAt.Before(cutoff) })
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		p.logger.Info("Cleaned old entries", zap.Int("count", total), zap.Int("days", days))
	}
	return total, nil
}

// CleanExpired removes all entries whose expiry has passed.
func (p *PebbleStore) CleanExpired() (int, error) {
	now := p.now()
	total := 0
	for _, ns := range Namespaces {
		n, err := p.sweep(ns, func(e Entry) bool { return e.Expired(now) })
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		p.logger.Info("Cleaned expired entries", zap.Int("count", total))
	}
	return total, nil
}

// Stats counts live entries per namespace.
func (p *PebbleStore) Stats() (Stats, error) {
	now := p.now()
	per := make(map[Namespace]int, len(Namespaces))
	for _, ns := range Namespaces {
		count := 0
		err := p.scan(ns, func(_ []byte, e Entry, _ int64) {
			if !e.Expired(now) {
				count++
			}
		})
		if err != nil {
			return Stats{}, err
		}
		per[ns] = count
	}
	return Stats{
		PerStore:   per,
		BytesUsed:  p.bytes.Load(),
		QuotaBytes: p.quota,
		Backend:    "pebble",
	}, nil
}

// ExportAll snapshots every namespace as stored, expired entries included.
func (p *PebbleStore) ExportAll() (map[Namespace][]Entry, error) {
	out := make(map[Namespace][]Entry, len(Namespaces))
	for _, ns := range Namespaces {
		var entries []Entry
		err := p.scan(ns, func(_ []byte, e Entry, _ int64) {
			entries = append(entries, e)
		})
		if err != nil {
			return nil, err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
		out[ns] = entries
	}
	return out, nil
}

// write persists an envelope after checking the byte quota against the
// projected total. Caller holds the namespace mutex.
func (p *PebbleStore) write(ns Namespace, k []byte, e Entry, oldSize int64) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	newSize := int64(len(k) + len(data))
	if p.quota > 0 && p.bytes.Load()-oldSize+newSize > p.quota {
		return ErrQuotaExceeded
	}
	if err := p.db.Set(k, data, pebble.Sync); err != nil {
		return &StorageError{Op: "set", Namespace: ns, Key: e.Key, Err: err}
	}
	p.bytes.Add(newSize - oldSize)
	return nil
}

// collectExpired deletes an entry that a reader found expired. The entry is
// re-read under the namespace lock so a concurrent overwrite is not lost.
func (p *PebbleStore) collectExpired(ns Namespace, key string) error {
	mu := p.mu[ns]
	mu.Lock()
	defer mu.Unlock()

	k := storageKey(ns, key)
	e, size, found, err := p.readRaw(k)
	if err != nil {
		return &StorageError{Op: "get", Namespace: ns, Key: key, Err: err}
	}
	if found && !e.Expired(p.now()) {
		return nil
	}
	if !found && size == 0 {
		return nil
	}
	if err := p.db.Delete(k, pebble.Sync); err != nil {
		return &StorageError{Op: "delete", Namespace: ns, Key: key, Err: err}
	}
	p.bytes.Add(-size)
	return nil
}

// sweep batch-deletes all entries of a namespace matching the predicate.
func (p *PebbleStore) sweep(ns Namespace, match func(Entry) bool) (int, error) {
	mu := p.mu[ns]
	mu.Lock()
	defer mu.Unlock()

	var keys [][]byte
	var freed int64
	err := p.scan(ns, func(k []byte, e Entry, size int64) {
		if match(e) {
			keys = append(keys, k)
			freed += size
		}
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := p.deleteBatch(ns, keys); err != nil {
		return 0, err
	}
	p.bytes.Add(-freed)
	return len(keys), nil
}

func (p *PebbleStore) deleteBatch(ns Namespace, keys [][]byte) error {
	batch := p.db.NewBatch()
	defer batch.Close()
	for _, k := range keys {
		if err := batch.Delete(k, nil); err != nil {
			return &StorageError{Op: "delete", Namespace: ns, Err: err}
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return &StorageError{Op: "delete", Namespace: ns, Err: err}
	}
	return nil
}

// scan iterates a namespace prefix, decoding each envelope. Undecodable
// values are skipped.
func (p *PebbleStore) scan(ns Namespace, fn func(key []byte, e Entry, size int64)) error {
	prefix := nsPrefix(ns)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return &StorageError{Op: "scan", Namespace: ns, Err: err}
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		fn(k, e, int64(len(iter.Key())+len(iter.Value())))
	}
	if err := iter.Error(); err != nil {
		return &StorageError{Op: "scan", Namespace: ns, Err: err}
	}
	return nil
}

// readRaw fetches an envelope by storage key. size reports what is
// physically stored even when the envelope does not decode, so replacements
// account for the freed bytes.
func (p *PebbleStore) readRaw(k []byte) (Entry, int64, bool, error) {
	data, closer, err := p.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return Entry{}, 0, false, nil
	}
	if err != nil {
		return Entry{}, 0, false, err
	}
	size := int64(len(k) + len(data))
	var e Entry
	decodeErr := json.Unmarshal(data, &e)
	closer.Close()
	if decodeErr != nil {
		return Entry{}, size, false, nil
	}
	return e, size, true, nil
}

func storageKey(ns Namespace, key string) []byte {
	return []byte(string(ns) + "/" + key)
}

func nsPrefix(ns Namespace) []byte {
	return []byte(string(ns) + "/")
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// mergePatch applies a top-level JSON object merge of patch onto value.
func mergePatch(value, patch []byte) ([]byte, error) {
	var obj map[string]any
	if err := json.Unmarshal(value, &obj); err != nil {
		return nil, fmt.Errorf("stored value is not a JSON object: %w", err)
	}
	var delta map[string]any
	if err := json.Unmarshal(patch, &delta); err != nil {
		return nil, fmt.Errorf("patch is not a JSON object: %w", err)
	}
	for k, v := range delta {
		obj[k] = v
	}
	merged, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal merged value: %w", err)
	}
	return merged, nil
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Infof(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}
