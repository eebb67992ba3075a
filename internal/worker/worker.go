// Package worker drives the engine's background lifecycle: precaching the
// app shell, scheduled flushes and cleanups, platform sync/push events, and
// the fetch strategies behind the gateway proxy.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"beacon/offline/internal/cache"
	"beacon/offline/internal/config"
	"beacon/offline/internal/metrics"
	"beacon/offline/internal/netmon"
	"beacon/offline/internal/store"
	"beacon/offline/internal/syncer"
)

// Control messages accepted by HandleMessage.
const (
	CmdSkipWaiting = "SKIP_WAITING"
	CmdClearCache  = "CLEAR_CACHE"
)

// ActionHTTPRequest marks a queued action as a captured HTTP write, replayed
// verbatim against the upstream instead of a typed endpoint.
const ActionHTTPRequest = "http-request"

// ErrUnknownTag rejects sync tags with no registered action type.
var ErrUnknownTag = errors.New("unknown sync tag")

// ReplayRequest is the payload of an ActionHTTPRequest action.
type ReplayRequest struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// EncodeReplay packages a captured write for queueing.
func EncodeReplay(method, path, contentType string, body []byte) (string, []byte) {
	payload, _ := json.Marshal(ReplayRequest{Method: method, Path: path, ContentType: contentType, Body: body})
	return ActionHTTPRequest, payload
}

// Notifier displays a notification to the user. The engine only caches and
// forwards; rendering belongs to the host.
type Notifier interface {
	Display(ctx context.Context, n cache.Notification) error
}

// LogNotifier is the default Notifier: it only logs.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Display(_ context.Context, n cache.Notification) error {
	l.Logger.Info("Notification",
		zap.String("id", n.ID),
		zap.String("title", n.Title),
		zap.String("body", n.Body))
	return nil
}

// Worker owns the background jobs and the sync-tag registry. Its fetch
// strategies live in strategy.go.
type Worker struct {
	cfg       *config.Config
	cache     *cache.Manager
	syncer    *syncer.Orchestrator
	monitor   *netmon.Monitor
	transport Transport
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time

	version      int
	upstream     string
	assets       []string
	fallbackPage string
	syncTags     map[string]string

	cron *cron.Cron
}

// Option customises a Worker.
type Option func(*Worker)

// WithNow overrides the clock, primarily for testing.
func WithNow(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithNotifier replaces the default logging notifier.
func WithNotifier(n Notifier) Option {
	return func(w *Worker) {
		if n != nil {
			w.notifier = n
		}
	}
}

// WithCron replaces the scheduler, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(w *Worker) {
		if c != nil {
			w.cron = c
		}
	}
}

// New creates a Worker. A nil transport falls back to a plain HTTP client
// bound to the configured request timeout.
func New(cfg *config.Config, cm *cache.Manager, orch *syncer.Orchestrator, mon *netmon.Monitor, transport Transport, logger *zap.Logger, opts ...Option) *Worker {
	w := &Worker{
		cfg:          cfg,
		cache:        cm,
		syncer:       orch,
		monitor:      mon,
		transport:    transport,
		notifier:     LogNotifier{Logger: logger},
		logger:       logger,
		now:          time.Now,
		version:      cfg.Worker.Version,
		upstream:     strings.TrimRight(cfg.Gateway.Upstream, "/"),
		assets:       cfg.Worker.Assets,
		fallbackPage: cfg.Worker.FallbackPage,
		syncTags: map[string]string{
			"sync-location": "location-update",
			"sync-messages": "message-send",
		},
		cron: cron.New(cron.WithLogger(cron.DiscardLogger)),
	}
	if w.transport == nil {
		client := &http.Client{Timeout: cfg.Gateway.RequestTimeout}
		w.transport = client.Do
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Version reports the asset version this worker serves.
func (w *Worker) Version() int { return w.version }

// Install precaches the configured shell assets for the current version.
// Assets are fetched in parallel with per-asset retries; any one failing
// fails the install, so a partial shell is never activated.
func (w *Worker) Install(ctx context.Context) error {
	if len(w.assets) == 0 {
		w.logger.Info("No assets configured, skipping precache")
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, asset := range w.assets {
		g.Go(func() error {
			return w.precache(gctx, asset)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	w.logger.Info("Install complete",
		zap.Int("assets", len(w.assets)),
		zap.Int("version", w.version))
	return nil
}

func (w *Worker) precache(ctx context.Context, path string) error {
	var fetched cache.CachedResponse
	err := w.syncer.RetryWithBackoff(ctx, "precache"+path, func(ctx context.Context) error {
		r, err := w.fetchNetwork(ctx, path, "")
		if err != nil {
			return err
		}
		if r.Status != http.StatusOK {
			return fmt.Errorf("precache %s: status %d", path, r.Status)
		}
		fetched = r
		return nil
	}, syncer.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Second})
	if err != nil {
		return err
	}
	return w.cache.CacheAsset(w.version, path, fetched)
}

// Activate makes the current version authoritative by pruning assets of
// superseded versions.
func (w *Worker) Activate(ctx context.Context) (int, error) {
	_ = ctx
	return w.cache.PruneAssetVersions(w.version)
}

// Run registers the default delivery executor and starts the scheduled
// jobs: due flushes, retention cleanup with an expiry sweep, and metric
// gauge refreshes. The scheduler stops when ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.syncer.SetExecutor(w.deliver)

	if _, err := w.cron.AddFunc(w.cfg.Worker.FlushSpec, func() {
		if !w.monitor.IsOnline() {
			return
		}
		if _, err := w.syncer.FlushDue(ctx); err != nil {
			w.logger.Warn("Scheduled flush failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule flush: %w", err)
	}
	if _, err := w.cron.AddFunc(w.cfg.Worker.CleanupSpec, func() {
		if _, err := w.cache.CleanupCache(0); err != nil {
			w.logger.Warn("Scheduled cleanup failed", zap.Error(err))
		}
		if _, err := w.cache.PruneExpired(); err != nil {
			w.logger.Warn("Expiry sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	if _, err := w.cron.AddFunc(w.cfg.Worker.StatsSpec, w.refreshGauges); err != nil {
		return fmt.Errorf("schedule stats: %w", err)
	}

	w.cron.Start()
	w.refreshGauges()
	w.logger.Info("Background worker running",
		zap.String("flush", w.cfg.Worker.FlushSpec),
		zap.String("cleanup", w.cfg.Worker.CleanupSpec))

	// Catch up on writes queued before this process started.
	if w.monitor.IsOnline() {
		go func() {
			if _, err := w.syncer.FlushDue(ctx); err != nil {
				w.logger.Warn("Startup flush failed", zap.Error(err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		w.cron.Stop()
	}()
	return nil
}

// Close stops the scheduler.
func (w *Worker) Close() {
	w.cron.Stop()
	w.logger.Info("Background worker stopped")
}

// HandleSync services one platform sync event: it delivers only the action
// types registered for the tag, leaving everything else queued. A failed
// delivery propagates so the platform scheduler re-invokes the tag later.
func (w *Worker) HandleSync(ctx context.Context, tag string) error {
	actionType, ok := w.syncTags[tag]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownTag, tag)
	}
	res, err := w.syncer.SyncPendingData(ctx, func(ctx context.Context, typ string, payload []byte) (bool, error) {
		if typ != actionType {
			return false, syncer.ErrSkip
		}
		return w.deliver(ctx, typ, payload)
	})
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("sync %s: %d deliveries failed", tag, res.Failed)
	}
	w.logger.Info("Sync handled",
		zap.String("tag", tag),
		zap.Int("delivered", res.Successful),
		zap.Int("remaining", res.Remaining))
	return nil
}

// HandlePush ingests a push payload: the notification is retained for the
// in-app tray first, then handed to the notifier.
func (w *Worker) HandlePush(ctx context.Context, payload []byte) error {
	var msg struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Type  string `json:"type"`
		Route string `json:"route"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("push payload: %w", err)
	}
	if msg.Title == "" {
		msg.Title = "Notification"
	}
	n := cache.Notification{
		ID:        uuid.NewString(),
		Title:     msg.Title,
		Body:      msg.Body,
		Type:      msg.Type,
		Route:     msg.Route,
		CreatedAt: w.now(),
	}
	if err := w.cache.CacheNotification(n); err != nil {
		return err
	}
	return w.notifier.Display(ctx, n)
}

// HandleNotificationClick marks the notification read and returns the route
// the app should navigate to.
func (w *Worker) HandleNotificationClick(id string) (string, error) {
	n, err := w.cache.MarkNotificationRead(id)
	if err != nil {
		return "", err
	}
	if n.Route == "" {
		return "/", nil
	}
	return n.Route, nil
}

// HandleMessage executes a host control message.
func (w *Worker) HandleMessage(ctx context.Context, cmd string) error {
	switch cmd {
	case CmdSkipWaiting:
		pruned, err := w.Activate(ctx)
		if err != nil {
			return err
		}
		w.logger.Info("Activated immediately", zap.Int("pruned", pruned))
		return nil
	case CmdClearCache:
		n, err := w.cache.ClearCache(store.Cache)
		if err != nil {
			return err
		}
		w.logger.Info("Cache namespace cleared", zap.Int("count", n))
		return nil
	default:
		return fmt.Errorf("unknown control message %q", cmd)
	}
}

// deliver posts one queued action to its upstream endpoint. It is the
// orchestrator's default executor.
func (w *Worker) deliver(ctx context.Context, actionType string, payload []byte) (bool, error) {
	if actionType == ActionHTTPRequest {
		return w.replay(ctx, payload)
	}
	url := w.upstream + endpointFor(actionType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.transport(req)
	if err != nil {
		return false, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}
	return false, fmt.Errorf("deliver %s: status %d", actionType, resp.StatusCode)
}

func endpointFor(actionType string) string {
	switch actionType {
	case "location-update":
		return "/api/locations"
	case "message-send":
		return "/api/messages"
	default:
		return "/api/sync/" + actionType
	}
}

// replay re-issues a captured write exactly as the host app sent it.
func (w *Worker) replay(ctx context.Context, payload []byte) (bool, error) {
	var r ReplayRequest
	if err := json.Unmarshal(payload, &r); err != nil {
		return false, fmt.Errorf("replay payload: %w", err)
	}
	url := w.upstream + r.Path
	req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(r.Body))
	if err != nil {
		return false, err
	}
	if r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}
	resp, err := w.transport(req)
	if err != nil {
		return false, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}
	return false, fmt.Errorf("replay %s %s: status %d", r.Method, r.Path, resp.StatusCode)
}

func (w *Worker) refreshGauges() {
	stats, err := w.cache.GetCacheStats()
	if err != nil {
		w.logger.Warn("Stats refresh failed", zap.Error(err))
		return
	}
	metrics.StoreBytesUsed.Set(float64(stats.BytesUsed))
	for ns, n := range stats.PerStore {
		metrics.StoreEntries.WithLabelValues(string(ns)).Set(float64(n))
	}
	rs, err := w.syncer.RetryStats()
	if err != nil {
		w.logger.Warn("Queue stats refresh failed", zap.Error(err))
		return
	}
	metrics.QueuedActions.Set(float64(rs.QueuedActions))
	metrics.DeadLetters.Set(float64(rs.DeadLetters))
}
