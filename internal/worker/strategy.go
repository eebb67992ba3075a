package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"beacon/offline/internal/cache"
	"beacon/offline/internal/metrics"
)

// Transport performs one HTTP round trip on behalf of the engine.
type Transport func(*http.Request) (*http.Response, error)

// NetworkError wraps a failed upstream round trip so strategies can tell
// transport failures from upstream error statuses.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network %s: %v", e.URL, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// Class buckets a fetch by its handling strategy.
type Class int

const (
	ClassAPI Class = iota
	ClassImage
	ClassNavigation
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassAPI:
		return "api"
	case ClassImage:
		return "image"
	case ClassNavigation:
		return "navigation"
	default:
		return "other"
	}
}

// Answer sources reported in FetchResult and metrics.
const (
	SourceNetwork  = "network"
	SourceCache    = "cache"
	SourceFallback = "fallback"
)

// FetchResult is what the gateway writes back for a proxied read.
type FetchResult struct {
	Status      int
	ContentType string
	Body        []byte
	Source      string
}

// Classify buckets a request by path and Accept header.
func Classify(requestPath, accept string) Class {
	if strings.HasPrefix(requestPath, "/api/") {
		return ClassAPI
	}
	if isImagePath(requestPath) {
		return ClassImage
	}
	if strings.Contains(accept, "text/html") {
		return ClassNavigation
	}
	return ClassOther
}

func isImagePath(requestPath string) bool {
	if strings.HasPrefix(requestPath, "/images/") {
		return true
	}
	switch strings.ToLower(path.Ext(requestPath)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico":
		return true
	default:
		return false
	}
}

// Fetch answers a proxied read using the strategy for its class.
func (w *Worker) Fetch(ctx context.Context, requestPath, accept string) FetchResult {
	class := Classify(requestPath, accept)
	var res FetchResult
	switch class {
	case ClassAPI:
		res = w.fetchAPI(ctx, requestPath)
	case ClassImage:
		res = w.fetchImage(ctx, requestPath)
	case ClassNavigation:
		res = w.fetchNavigation(ctx, requestPath, accept)
	default:
		res = w.fetchOther(ctx, requestPath, accept)
	}
	metrics.FetchServed.WithLabelValues(class.String(), res.Source).Inc()
	return res
}

// Forward relays a mutating request to the upstream unchanged.
func (w *Worker) Forward(ctx context.Context, method, requestPath string, header http.Header, body io.Reader) (*http.Response, error) {
	url := w.upstream + requestPath
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := w.transport(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	return resp, nil
}

// fetchAPI is network-first: fresh 200s refresh the cache, unreachable
// upstreams fall back to the cached copy, then to a structured offline
// response the frontend can recognise.
func (w *Worker) fetchAPI(ctx context.Context, requestPath string) FetchResult {
	r, err := w.fetchNetwork(ctx, requestPath, "application/json")
	if err == nil {
		if r.Status == http.StatusOK {
			if cerr := w.cache.CacheResponse(requestPath, r); cerr != nil {
				w.logger.Warn("Caching response failed", zap.String("path", requestPath), zap.Error(cerr))
			}
		}
		return networkResult(r)
	}
	cached, ok, cerr := w.cache.GetCachedResponse(requestPath)
	if cerr == nil && ok {
		return cachedResult(cached)
	}
	return w.offlineJSON()
}

// fetchImage is cache-first; a miss populates the cache, total failure
// serves a placeholder so layouts do not break offline.
func (w *Worker) fetchImage(ctx context.Context, requestPath string) FetchResult {
	cached, ok, err := w.cache.GetCachedResponse(requestPath)
	if err == nil && ok {
		return cachedResult(cached)
	}
	r, nerr := w.fetchNetwork(ctx, requestPath, "")
	if nerr == nil {
		if r.Status == http.StatusOK {
			if cerr := w.cache.CacheImage(requestPath, r); cerr != nil {
				w.logger.Warn("Caching image failed", zap.String("path", requestPath), zap.Error(cerr))
			}
		}
		return networkResult(r)
	}
	return FetchResult{
		Status:      http.StatusServiceUnavailable,
		ContentType: "image/svg+xml",
		Body:        []byte(placeholderSVG),
		Source:      SourceFallback,
	}
}

// fetchNavigation is network-first with the versioned offline page as the
// fallback shell.
func (w *Worker) fetchNavigation(ctx context.Context, requestPath, accept string) FetchResult {
	r, err := w.fetchNetwork(ctx, requestPath, accept)
	if err == nil {
		return networkResult(r)
	}
	if page, ok, aerr := w.cache.GetAsset(w.version, w.fallbackPage); aerr == nil && ok {
		contentType := page.ContentType
		if contentType == "" {
			contentType = "text/html; charset=utf-8"
		}
		return FetchResult{Status: http.StatusOK, ContentType: contentType, Body: page.Body, Source: SourceFallback}
	}
	return FetchResult{
		Status:      http.StatusServiceUnavailable,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(builtinOfflineHTML),
		Source:      SourceFallback,
	}
}

// fetchOther is network-first with the cached copy as fallback.
func (w *Worker) fetchOther(ctx context.Context, requestPath, accept string) FetchResult {
	r, err := w.fetchNetwork(ctx, requestPath, accept)
	if err == nil {
		if r.Status == http.StatusOK {
			if cerr := w.cache.CacheResponse(requestPath, r); cerr != nil {
				w.logger.Warn("Caching response failed", zap.String("path", requestPath), zap.Error(cerr))
			}
		}
		return networkResult(r)
	}
	cached, ok, cerr := w.cache.GetCachedResponse(requestPath)
	if cerr == nil && ok {
		return cachedResult(cached)
	}
	return w.offlineJSON()
}

// fetchNetwork performs one upstream GET, reading the body eagerly so the
// result can be both served and cached.
func (w *Worker) fetchNetwork(ctx context.Context, requestPath, accept string) (cache.CachedResponse, error) {
	url := w.upstream + requestPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return cache.CachedResponse{}, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := w.transport(req)
	if err != nil {
		return cache.CachedResponse{}, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.CachedResponse{}, &NetworkError{URL: url, Err: err}
	}
	return cache.CachedResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (w *Worker) offlineJSON() FetchResult {
	body, _ := json.Marshal(map[string]any{
		"error":     "offline",
		"message":   "request unavailable while offline",
		"timestamp": w.now().UTC().Format(time.RFC3339),
	})
	return FetchResult{
		Status:      http.StatusServiceUnavailable,
		ContentType: "application/json",
		Body:        body,
		Source:      SourceFallback,
	}
}

func networkResult(r cache.CachedResponse) FetchResult {
	return FetchResult{Status: r.Status, ContentType: r.ContentType, Body: r.Body, Source: SourceNetwork}
}

func cachedResult(r cache.CachedResponse) FetchResult {
	return FetchResult{Status: r.Status, ContentType: r.ContentType, Body: r.Body, Source: SourceCache}
}

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="150" viewBox="0 0 200 150"><rect width="200" height="150" fill="#e2e5e9"/><text x="100" y="80" text-anchor="middle" font-family="sans-serif" font-size="14" fill="#7a8088">offline</text></svg>`

const builtinOfflineHTML = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body style="font-family:sans-serif;text-align:center;padding-top:4rem">
<h1>You&#39;re offline</h1>
<p>This page isn&#39;t cached yet. Reconnect and try again.</p>
</body>
</html>`
