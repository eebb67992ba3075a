package netmon

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"beacon/offline/internal/config"
)

// Prober actively checks reachability of a probe URL and feeds the result
// into the Monitor. It is optional; hosts that push signals through the
// gateway leave probeURL empty.
type Prober struct {
	monitor  *Monitor
	url      string
	interval time.Duration
	do       func(*http.Request) (*http.Response, error)
	logger   *zap.Logger
}

// NewProber creates a Prober. do performs the actual HTTP round trip.
func NewProber(m *Monitor, cfg config.NetmonConfig, do func(*http.Request) (*http.Response, error), logger *zap.Logger) *Prober {
	return &Prober{
		monitor:  m,
		url:      cfg.ProbeURL,
		interval: cfg.ProbeInterval,
		do:       do,
		logger:   logger,
	}
}

// Start launches the probe loop. It stops when ctx is cancelled.
func (p *Prober) Start(ctx context.Context) {
	if p.url == "" {
		return
	}
	if p.interval <= 0 {
		p.interval = 30 * time.Second
	}
	p.logger.Info("Connectivity prober started",
		zap.String("url", p.url),
		zap.Duration("interval", p.interval))
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		p.probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.probe(ctx)
			}
		}
	}()
}

// probe issues one HEAD request; server errors count as unreachable.
func (p *Prober) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Error("Probe request build failed", zap.Error(err))
		return
	}
	resp, err := p.do(req)
	online := err == nil && resp.StatusCode < 500
	if resp != nil {
		resp.Body.Close()
	}
	if online != p.monitor.IsOnline() {
		p.monitor.SetOnline(online)
	}
}
