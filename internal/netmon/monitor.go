// Package netmon tracks connectivity as reported by the host platform and
// fans the transitions out to the sync machinery.
package netmon

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"beacon/offline/internal/config"
)

// Kind classifies the active network interface.
type Kind string

const (
	KindWifi     Kind = "wifi"
	KindCellular Kind = "cellular"
	KindUnknown  Kind = "unknown"
)

// Info is the process-wide connectivity snapshot. Only the signal handler
// mutates it, through Apply; everything else reads.
type Info struct {
	Online        bool          `json:"online"`
	Kind          Kind          `json:"kind"`
	EffectiveType string        `json:"effectiveType,omitempty"`
	DownlinkMbps  float64       `json:"downlinkMbps,omitempty"`
	RTT           time.Duration `json:"rtt,omitempty"`
	SaveData      bool          `json:"saveData"`
	LastChangedAt time.Time     `json:"lastChangedAt"`
}

// ErrWaitTimeout reports that connectivity did not return within the wait
// window.
var ErrWaitTimeout = errors.New("netmon: timed out waiting for connectivity")

// Monitor is the connectivity observer hub. It starts optimistic (online)
// until the first signal says otherwise.
type Monitor struct {
	slowRTT      time.Duration
	slowDownlink float64
	logger       *zap.Logger
	now          func() time.Time

	mu     sync.RWMutex
	info   Info
	nextID int
	subs   map[int]func(online bool)
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithNow overrides the clock, primarily for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a Monitor.
func New(cfg config.NetmonConfig, logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		slowRTT:      cfg.SlowRTT,
		slowDownlink: cfg.SlowDownlink,
		logger:       logger,
		now:          time.Now,
		info:         Info{Online: true, Kind: KindUnknown},
		subs:         make(map[int]func(online bool)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.info.LastChangedAt = m.now()
	return m
}

// Apply ingests a platform connectivity signal. Subscribers are notified
// only when the online flag actually flips, outside the lock.
func (m *Monitor) Apply(info Info) {
	m.mu.Lock()
	flipped := m.info.Online != info.Online
	if flipped {
		info.LastChangedAt = m.now()
	} else {
		info.LastChangedAt = m.info.LastChangedAt
	}
	if info.Kind == "" {
		info.Kind = KindUnknown
	}
	m.info = info
	var subs []func(online bool)
	if flipped {
		subs = make([]func(online bool), 0, len(m.subs))
		for _, cb := range m.subs {
			subs = append(subs, cb)
		}
	}
	m.mu.Unlock()

	if !flipped {
		return
	}
	m.logger.Info("Connectivity changed",
		zap.Bool("online", info.Online),
		zap.String("kind", string(info.Kind)))
	for _, cb := range subs {
		cb(info.Online)
	}
}

// SetOnline flips only the online flag, keeping the rest of the snapshot.
func (m *Monitor) SetOnline(online bool) {
	m.mu.RLock()
	info := m.info
	m.mu.RUnlock()
	info.Online = online
	m.Apply(info)
}

// IsOnline reports the current online flag.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info.Online
}

// NetworkInfo returns a copy of the current snapshot.
func (m *Monitor) NetworkInfo() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

// IsSlowConnection reports whether the link is too poor for heavy traffic:
// a slow effective type, a round-trip above the threshold, or a downlink
// below it.
func (m *Monitor) IsSlowConnection() bool {
	info := m.NetworkInfo()
	if info.EffectiveType == "slow-2g" || info.EffectiveType == "2g" {
		return true
	}
	if m.slowRTT > 0 && info.RTT >= m.slowRTT && info.RTT > 0 {
		return true
	}
	if m.slowDownlink > 0 && info.DownlinkMbps > 0 && info.DownlinkMbps <= m.slowDownlink {
		return true
	}
	return false
}

// ShouldSaveData reports the platform's data-saver preference.
func (m *Monitor) ShouldSaveData() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info.SaveData
}

// Subscribe registers a callback for online-status flips and returns its
// unsubscribe function.
func (m *Monitor) Subscribe(cb func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = cb
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// WaitForOnline blocks until connectivity returns, the timeout elapses, or
// ctx is cancelled. The subscription never leaks.
func (m *Monitor) WaitForOnline(ctx context.Context, timeout time.Duration) error {
	if m.IsOnline() {
		return nil
	}
	ch := make(chan struct{}, 1)
	cancel := m.Subscribe(func(online bool) {
		if online {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	// The flip may have landed between the check and the subscription.
	if m.IsOnline() {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
