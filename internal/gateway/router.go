// Package gateway provides the Gin-based HTTP surface the host app talks to:
// the /fetch proxy implementing the offline strategies and the /offline
// control plane.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"beacon/offline/internal/cache"
	"beacon/offline/internal/config"
	"beacon/offline/internal/netmon"
	"beacon/offline/internal/store"
	"beacon/offline/internal/syncer"
	"beacon/offline/internal/worker"
)

// Server is the HTTP gateway between the host app and the engine.
type Server struct {
	engine  *gin.Engine
	srv     *http.Server
	cache   *cache.Manager
	syncer  *syncer.Orchestrator
	monitor *netmon.Monitor
	worker  *worker.Worker
	logger  *zap.Logger
}

// New creates a gateway Server.
func New(cfg config.GatewayConfig, cm *cache.Manager, orch *syncer.Orchestrator, mon *netmon.Monitor, w *worker.Worker, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "X-Sync-Tag"},
		MaxAge:       12 * time.Hour,
	}))

	s := &Server{
		engine:  engine,
		cache:   cm,
		syncer:  orch,
		monitor: mon,
		worker:  w,
		logger:  logger,
	}
	s.registerRoutes()
	s.srv = &http.Server{Addr: cfg.Addr, Handler: engine}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Gateway listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the route tree, primarily for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// registerRoutes sets up the /offline control plane and the /fetch proxy.
func (s *Server) registerRoutes() {
	offline := s.engine.Group("/offline")
	{
		offline.POST("/network", s.applyNetworkSignal)
		offline.GET("/status", s.status)
		offline.GET("/stats", s.stats)
		offline.GET("/export", s.export)
		offline.POST("/sync/:tag", s.sync)
		offline.POST("/flush", s.flush)
		offline.POST("/push", s.push)
		offline.POST("/message", s.message)
		offline.POST("/cleanup", s.cleanup)
		offline.GET("/notifications", s.notifications)
		offline.POST("/notifications/:id/click", s.notificationClick)
		offline.DELETE("/cache/:namespace", s.clearNamespace)
		offline.DELETE("/cache", s.clearAll)
		offline.DELETE("/queue", s.clearQueue)

		// Swagger UI
		offline.GET("/swagger-ui/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.Any("/fetch/*path", s.fetch)
}

// --- Control plane handlers ---

// @Summary Ingest a platform connectivity signal
// @Tags offline
// @Accept json
// @Produce json
// @Param signal body netmon.Info true "Connectivity snapshot"
// @Success 200 {object} netmon.Info
// @Router /offline/network [post]
func (s *Server) applyNetworkSignal(c *gin.Context) {
	var info netmon.Info
	if err := c.ShouldBindJSON(&info); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.monitor.Apply(info)
	c.JSON(http.StatusOK, s.monitor.NetworkInfo())
}

func (s *Server) status(c *gin.Context) {
	rs, err := s.syncer.RetryStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"network":       s.monitor.NetworkInfo(),
		"slow":          s.monitor.IsSlowConnection(),
		"saveData":      s.monitor.ShouldSaveData(),
		"queuedActions": rs.QueuedActions,
		"deadLetters":   rs.DeadLetters,
		"workerVersion": s.worker.Version(),
	})
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.cache.GetCacheStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) export(c *gin.Context) {
	dump, err := s.cache.ExportCacheDebugData()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dump)
}

func (s *Server) sync(c *gin.Context) {
	tag := c.Param("tag")
	if err := s.worker.HandleSync(c.Request.Context(), tag); err != nil {
		if errors.Is(err, worker.ErrUnknownTag) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": true, "tag": tag})
}

func (s *Server) flush(c *gin.Context) {
	res, err := s.syncer.SyncPendingData(c.Request.Context(), nil)
	if err != nil {
		if errors.Is(err, syncer.ErrNoExecutor) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) push(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.worker.HandlePush(c.Request.Context(), payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": true})
}

func (s *Server) message(c *gin.Context) {
	var body struct {
		Command string `json:"command"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.worker.HandleMessage(c.Request.Context(), body.Command); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": body.Command})
}

func (s *Server) cleanup(c *gin.Context) {
	days := 0
	if raw := c.Query("days"); raw != "" {
		var err error
		days, err = strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	removed, err := s.cache.CleanupCache(days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) notifications(c *gin.Context) {
	list, err := s.cache.GetNotifications()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) notificationClick(c *gin.Context) {
	route, err := s.worker.HandleNotificationClick(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"route": route})
}

func (s *Server) clearNamespace(c *gin.Context) {
	ns := store.Namespace(c.Param("namespace"))
	if !ns.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": store.ErrUnknownNamespace.Error()})
		return
	}
	cleared, err := s.cache.ClearCache(ns)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (s *Server) clearAll(c *gin.Context) {
	cleared, err := s.cache.ClearAllCache()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (s *Server) clearQueue(c *gin.Context) {
	cleared, err := s.syncer.ClearRetryQueue()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

// --- Fetch proxy ---

// fetch intercepts app traffic. Reads are answered by the class strategies;
// writes run through the outbox: executed now when online, captured for
// replay otherwise.
func (s *Server) fetch(c *gin.Context) {
	requestPath := c.Param("path")

	if c.Request.Method == http.MethodGet {
		res := s.worker.Fetch(c.Request.Context(), requestPath, c.GetHeader("Accept"))
		c.Header("X-Offline-Source", res.Source)
		if res.Source == worker.SourceCache {
			c.Header("X-Offline-Cache", "hit")
		}
		contentType := res.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Data(res.Status, contentType, res.Body)
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	method := c.Request.Method
	contentType := c.GetHeader("Content-Type")
	tag := c.GetHeader("X-Sync-Tag")
	if tag == "" {
		tag = strings.ToLower(method) + ":" + requestPath
	}

	var relayed struct {
		status      int
		contentType string
		body        []byte
	}
	queued, err := s.syncer.ExecuteOrQueue(c.Request.Context(), tag, func(ctx context.Context) error {
		header := http.Header{}
		if contentType != "" {
			header.Set("Content-Type", contentType)
		}
		resp, ferr := s.worker.Forward(ctx, method, requestPath, header, bytes.NewReader(payload))
		if ferr != nil {
			return ferr
		}
		defer resp.Body.Close()
		body, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return rerr
		}
		// 5xx means the upstream may recover; capture the write instead.
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		relayed.status = resp.StatusCode
		relayed.contentType = resp.Header.Get("Content-Type")
		relayed.body = body
		return nil
	}, func() (string, []byte) {
		return worker.EncodeReplay(method, requestPath, contentType, payload)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if queued {
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "tag": tag})
		return
	}
	if relayed.status == 0 {
		// A concurrent call with the same tag carried the write.
		c.JSON(http.StatusOK, gin.H{"queued": false, "tag": tag})
		return
	}
	ct := relayed.contentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	c.Data(relayed.status, ct, relayed.body)
}
