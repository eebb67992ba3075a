// Package syncer owns the offline write queue: it decides when to execute
// directly, when to queue, and how queued actions are retried, flushed and
// eventually parked once their retry budget runs out.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"beacon/offline/internal/config"
	"beacon/offline/internal/metrics"
	"beacon/offline/internal/netmon"
	"beacon/offline/internal/store"
)

const (
	actionPrefix = "action/"
	deadPrefix   = "dead/"

	defaultDebounce        = 2 * time.Second
	defaultDeadLetterLimit = 100
)

// Orchestrator coordinates queued writes against connectivity. Flush passes
// are single-flight: concurrent callers join the pass already running and
// share its result.
type Orchestrator struct {
	store   store.Store
	monitor *netmon.Monitor
	cfg     config.SyncConfig
	logger  *zap.Logger
	now     func() time.Time

	group singleflight.Group

	execMu   sync.RWMutex
	executor Executor

	debounceMu sync.Mutex
	debounce   *time.Timer

	unsubscribe func()
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithNow overrides the clock, primarily for testing.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an Orchestrator. Call Start to enable auto-flush on
// reconnect.
func New(st store.Store, mon *netmon.Monitor, cfg config.SyncConfig, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   st,
		monitor: mon,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetExecutor registers the default delivery function used by flushes that
// do not bring their own.
func (o *Orchestrator) SetExecutor(exec Executor) {
	o.execMu.Lock()
	o.executor = exec
	o.execMu.Unlock()
}

// Start subscribes to connectivity flips: a return to online schedules one
// debounced flush, going offline cancels a pending one.
func (o *Orchestrator) Start(ctx context.Context) {
	o.unsubscribe = o.monitor.Subscribe(func(online bool) {
		if online {
			o.scheduleFlush(ctx)
		} else {
			o.cancelScheduledFlush()
		}
	})
	o.logger.Info("Sync orchestrator started",
		zap.Int("maxAttempts", o.cfg.MaxAttempts),
		zap.Duration("debounce", o.debounceDelay()))
}

// Close detaches from the monitor and stops any pending debounced flush.
func (o *Orchestrator) Close() {
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
	o.cancelScheduledFlush()
	o.logger.Info("Sync orchestrator stopped")
}

// QueueAction appends a write to the queue. It always appends; callers
// encode idempotency in tags and payloads.
func (o *Orchestrator) QueueAction(tag, actionType string, payload []byte) (Action, error) {
	a := Action{
		ID:        uuid.NewString(),
		Tag:       tag,
		Type:      actionType,
		Payload:   payload,
		CreatedAt: o.now(),
	}
	data, err := json.Marshal(a)
	if err != nil {
		return Action{}, err
	}
	if err := o.store.Set(store.SyncQueue, actionPrefix+a.ID, data, 0); err != nil {
		return Action{}, err
	}
	o.logger.Info("Action queued",
		zap.String("id", a.ID),
		zap.String("tag", tag),
		zap.String("type", actionType))
	return a, nil
}

// ExecuteOrQueue runs fn immediately when online, queueing the fallback
// action when offline or when fn fails. The execution error itself is
// swallowed; the write is preserved as a queued action. Concurrent calls
// with the same tag join a single execution. Storage failures surface.
func (o *Orchestrator) ExecuteOrQueue(ctx context.Context, tag string, fn func(ctx context.Context) error, fallback func() (actionType string, payload []byte)) (bool, error) {
	if fallback == nil {
		return false, errors.New("syncer: fallback required")
	}
	v, err, _ := o.group.Do("exec/"+tag, func() (any, error) {
		if o.monitor.IsOnline() {
			execErr := fn(ctx)
			if execErr == nil {
				return false, nil
			}
			o.logger.Warn("Execution failed, queueing instead",
				zap.String("tag", tag), zap.Error(execErr))
		}
		actionType, payload := fallback()
		if _, qErr := o.QueueAction(tag, actionType, payload); qErr != nil {
			return false, qErr
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	queued, _ := v.(bool)
	return queued, nil
}

// RetryWithBackoff runs fn until it succeeds or the attempt budget is
// spent, waiting min(maxDelay, base*multiplier^n) between tries. The final
// error is rethrown. Concurrent calls with the same tag join one run.
func (o *Orchestrator) RetryWithBackoff(ctx context.Context, tag string, fn func(ctx context.Context) error, p Policy) error {
	p = o.fillPolicy(p)
	_, err, _ := o.group.Do("retry/"+tag, func() (any, error) {
		return nil, retry.Do(
			func() error { return fn(ctx) },
			retry.Attempts(p.Attempts),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
			retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
				return backoffDelay(p.BaseDelay, p.Multiplier, p.MaxDelay, n)
			}),
			retry.OnRetry(func(n uint, err error) {
				o.logger.Warn("Retrying",
					zap.String("tag", tag),
					zap.Uint("attempt", n+1),
					zap.Error(err))
			}),
		)
	})
	return err
}

// SyncPendingData flushes the queue now, ignoring retry schedules. A nil
// executor uses the registered default. Concurrent callers join the flush
// in progress and receive its result.
func (o *Orchestrator) SyncPendingData(ctx context.Context, exec Executor) (Result, error) {
	v, err, _ := o.group.Do("flush", func() (any, error) {
		return o.flush(ctx, exec, false)
	})
	res, _ := v.(Result)
	return res, err
}

// FlushDue is the scheduled variant: actions whose NextRetryAt lies in the
// future are left for a later pass.
func (o *Orchestrator) FlushDue(ctx context.Context) (Result, error) {
	v, err, _ := o.group.Do("flush", func() (any, error) {
		return o.flush(ctx, nil, true)
	})
	res, _ := v.(Result)
	return res, err
}

// flush walks the queue oldest-first and applies the executor to each due
// action: success deletes, failure reschedules with backoff, an exhausted
// budget parks the action as a dead letter.
func (o *Orchestrator) flush(ctx context.Context, exec Executor, honorSchedule bool) (Result, error) {
	if exec == nil {
		o.execMu.RLock()
		exec = o.executor
		o.execMu.RUnlock()
		if exec == nil {
			return Result{}, ErrNoExecutor
		}
	}
	entries, err := o.store.GetAll(store.SyncQueue)
	if err != nil {
		return Result{}, err
	}

	var res Result
	var errs error
	now := o.now()
	for _, e := range entries {
		if !strings.HasPrefix(e.Key, actionPrefix) {
			continue
		}
		select {
		case <-ctx.Done():
			return res, multierr.Append(errs, ctx.Err())
		default:
		}

		var a Action
		if err := json.Unmarshal(e.Value, &a); err != nil {
			o.logger.Warn("Dropping undecodable action", zap.String("key", e.Key), zap.Error(err))
			errs = multierr.Append(errs, o.store.Delete(store.SyncQueue, e.Key))
			continue
		}
		if honorSchedule && a.NextRetryAt.After(now) {
			res.Remaining++
			continue
		}

		ok, execErr := exec(ctx, a.Type, a.Payload)
		if errors.Is(execErr, ErrSkip) {
			res.Remaining++
			continue
		}
		if ok && execErr == nil {
			if err := o.store.Delete(store.SyncQueue, e.Key); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			res.Successful++
			metrics.SyncActions.WithLabelValues("success").Inc()
			continue
		}

		a.Attempts++
		if execErr != nil {
			a.LastError = execErr.Error()
		} else {
			a.LastError = "delivery rejected"
		}
		res.Failed++
		if a.Attempts >= o.maxAttempts() {
			if err := o.deadLetter(a, e.Key); err != nil {
				errs = multierr.Append(errs, err)
			}
			metrics.SyncActions.WithLabelValues("dead_letter").Inc()
			continue
		}
		a.NextRetryAt = now.Add(backoffDelay(o.cfg.BaseDelay, o.cfg.Multiplier, o.cfg.MaxDelay, uint(a.Attempts-1)))
		data, err := json.Marshal(a)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		// Overwriting keeps the entry's place in the queue.
		if err := o.store.Set(store.SyncQueue, e.Key, data, 0); err != nil {
			errs = multierr.Append(errs, err)
		}
		metrics.SyncActions.WithLabelValues("failure").Inc()
	}

	metrics.SyncFlushes.Inc()
	if res.Successful+res.Failed+res.Remaining > 0 {
		o.logger.Info("Flush completed",
			zap.Int("successful", res.Successful),
			zap.Int("failed", res.Failed),
			zap.Int("remaining", res.Remaining))
	}
	return res, errs
}

// deadLetter moves an exhausted action out of the queue, keeping the dead
// letter set bounded by evicting its oldest members.
func (o *Orchestrator) deadLetter(a Action, queueKey string) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := o.store.Set(store.SyncQueue, deadPrefix+a.ID, data, 0); err != nil {
		return err
	}
	if err := o.store.Delete(store.SyncQueue, queueKey); err != nil {
		return err
	}
	o.logger.Warn("Action exhausted its retry budget",
		zap.String("id", a.ID),
		zap.String("type", a.Type),
		zap.Int("attempts", a.Attempts),
		zap.String("lastError", a.LastError))
	return o.pruneDeadLetters()
}

func (o *Orchestrator) pruneDeadLetters() error {
	limit := o.cfg.DeadLetterLimit
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	entries, err := o.store.GetAll(store.SyncQueue)
	if err != nil {
		return err
	}
	var dead []store.Entry
	for _, e := range entries {
		if strings.HasPrefix(e.Key, deadPrefix) {
			dead = append(dead, e)
		}
	}
	var errs error
	for len(dead) > limit {
		errs = multierr.Append(errs, o.store.Delete(store.SyncQueue, dead[0].Key))
		dead = dead[1:]
	}
	return errs
}

// RetryStats snapshots the queue for the status surface.
func (o *Orchestrator) RetryStats() (RetryStats, error) {
	entries, err := o.store.GetAll(store.SyncQueue)
	if err != nil {
		return RetryStats{}, err
	}
	stats := RetryStats{Actions: []QueuedAction{}}
	for _, e := range entries {
		switch {
		case strings.HasPrefix(e.Key, deadPrefix):
			stats.DeadLetters++
		case strings.HasPrefix(e.Key, actionPrefix):
			var a Action
			if err := json.Unmarshal(e.Value, &a); err != nil {
				continue
			}
			state := StatePending
			if a.Attempts > 0 {
				state = StateRetryScheduled
			}
			stats.Actions = append(stats.Actions, QueuedAction{Action: a, State: state})
		}
	}
	stats.QueuedActions = len(stats.Actions)
	return stats, nil
}

// ClearRetryQueue drops every queued action. Dead letters are kept for
// inspection.
func (o *Orchestrator) ClearRetryQueue() (int, error) {
	entries, err := o.store.GetAll(store.SyncQueue)
	if err != nil {
		return 0, err
	}
	cleared := 0
	var errs error
	for _, e := range entries {
		if !strings.HasPrefix(e.Key, actionPrefix) {
			continue
		}
		if err := o.store.Delete(store.SyncQueue, e.Key); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		cleared++
	}
	if cleared > 0 {
		o.logger.Info("Retry queue cleared", zap.Int("count", cleared))
	}
	return cleared, errs
}

// IsOnline reports current connectivity.
func (o *Orchestrator) IsOnline() bool { return o.monitor.IsOnline() }

// NetworkInfo returns the connectivity snapshot.
func (o *Orchestrator) NetworkInfo() netmon.Info { return o.monitor.NetworkInfo() }

// IsSlowConnection reports whether the link is too poor for heavy traffic.
func (o *Orchestrator) IsSlowConnection() bool { return o.monitor.IsSlowConnection() }

// ShouldSaveData reports the platform's data-saver preference.
func (o *Orchestrator) ShouldSaveData() bool { return o.monitor.ShouldSaveData() }

// OnOnlineStatusChange registers a connectivity callback; the returned
// function unsubscribes it.
func (o *Orchestrator) OnOnlineStatusChange(cb func(online bool)) func() {
	return o.monitor.Subscribe(cb)
}

// WaitForOnline blocks until connectivity returns or the timeout elapses.
func (o *Orchestrator) WaitForOnline(ctx context.Context, timeout time.Duration) error {
	return o.monitor.WaitForOnline(ctx, timeout)
}

// scheduleFlush arms the debounce timer, restarting it when flips arrive in
// bursts so exactly one flush follows a settled reconnect.
func (o *Orchestrator) scheduleFlush(ctx context.Context) {
	o.debounceMu.Lock()
	defer o.debounceMu.Unlock()
	if o.debounce != nil {
		o.debounce.Stop()
	}
	o.debounce = time.AfterFunc(o.debounceDelay(), func() {
		if !o.monitor.IsOnline() {
			return
		}
		res, err := o.SyncPendingData(ctx, nil)
		if err != nil && !errors.Is(err, ErrNoExecutor) {
			o.logger.Warn("Auto flush failed", zap.Error(err))
			return
		}
		if res.Successful+res.Failed > 0 {
			o.logger.Info("Auto flush finished",
				zap.Int("successful", res.Successful),
				zap.Int("failed", res.Failed))
		}
	})
}

func (o *Orchestrator) cancelScheduledFlush() {
	o.debounceMu.Lock()
	defer o.debounceMu.Unlock()
	if o.debounce != nil {
		o.debounce.Stop()
		o.debounce = nil
	}
}

func (o *Orchestrator) debounceDelay() time.Duration {
	if o.cfg.Debounce > 0 {
		return o.cfg.Debounce
	}
	return defaultDebounce
}

func (o *Orchestrator) maxAttempts() int {
	if o.cfg.MaxAttempts > 0 {
		return o.cfg.MaxAttempts
	}
	return 5
}

func (o *Orchestrator) fillPolicy(p Policy) Policy {
	if p.Attempts == 0 {
		p.Attempts = uint(o.maxAttempts())
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = o.cfg.BaseDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = o.cfg.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = o.cfg.MaxDelay
	}
	return p
}

// backoffDelay computes min(maxDelay, base*multiplier^n).
func backoffDelay(base time.Duration, multiplier float64, maxDelay time.Duration, n uint) time.Duration {
	d := time.Duration(float64(base) * math.Pow(multiplier, float64(n)))
	if d <= 0 || (maxDelay > 0 && d > maxDelay) {
		d = maxDelay
	}
	return d
}
