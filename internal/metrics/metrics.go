// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_hits_total",
		Help: "Cache reads answered from the local store.",
	}, []string{"namespace"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_misses_total",
		Help: "Cache reads that found nothing live.",
	}, []string{"namespace"})

	SyncActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_sync_actions_total",
		Help: "Queued action outcomes during flushes.",
	}, []string{"outcome"})

	SyncFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_sync_flushes_total",
		Help: "Completed flush passes over the sync queue.",
	})

	QueuedActions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_sync_queued_actions",
		Help: "Actions currently waiting in the sync queue.",
	})

	DeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_sync_dead_letters",
		Help: "Actions parked after exhausting their retry budget.",
	})

	FetchServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_fetch_served_total",
		Help: "Gateway fetches by request class and answer source.",
	}, []string{"class", "source"})

	StoreBytesUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_store_bytes_used",
		Help: "Bytes currently occupied in the persistent store.",
	})

	StoreEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offline_store_entries",
		Help: "Live entries per namespace.",
	}, []string{"namespace"})
)
