// Package server provides the TalonPulse Gin-based REST API.
// Routes are split into two groups:
//   - Control-plane (port 6677): dashboard reads, optional JWT protection.
//   - Data-plane   (port 1616): Bearer-token-protected; receives agent reports.
package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vesaa/talonpulse/internal/engine"
	"github.com/vesaa/talonpulse/internal/models"
	"github.com/vesaa/talonpulse/internal/store"
)

// maxBodyBytes caps ingest payloads.
const maxBodyBytes = 1 << 20

// Options carries everything a Server needs.
type Options struct {
	Query    *engine.QueryService
	Pipeline *engine.Pipeline
	// Store is optional; without it overview routes answer 503 and alerts
	// come from memory.
	Store *store.Store
	// Writer takes last-seen updates off the ingest goroutine. Without it
	// ingests do not touch the inventory.
	Writer *store.Writer
	Hub    *Hub
	Logger *zap.Logger

	JWTSecret   string
	AgentToken  string
	AdminUser   string
	AdminPass   string
	ControlAuth bool
}

// Server holds the handlers for both planes.
type Server struct {
	query    *engine.QueryService
	pipeline *engine.Pipeline
	store    *store.Store
	writer   *store.Writer
	hub      *Hub
	logger   *zap.Logger

	jwtSecret   []byte
	agentToken  string
	adminUser   string
	adminPass   string
	controlAuth bool

	now func() time.Time
}

// New builds a Server and subscribes its stream hub to the pipeline.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	s := &Server{
		query:       opts.Query,
		pipeline:    opts.Pipeline,
		store:       opts.Store,
		writer:      opts.Writer,
		hub:         hub,
		logger:      logger,
		jwtSecret:   []byte(opts.JWTSecret),
		agentToken:  opts.AgentToken,
		adminUser:   opts.AdminUser,
		adminPass:   opts.AdminPass,
		controlAuth: opts.ControlAuth,
		now:         time.Now,
	}
	if s.pipeline != nil {
		s.pipeline.Subscribe(s.onIngest)
	}
	return s
}

// Hub returns the live stream hub.
func (s *Server) Hub() *Hub { return s.hub }

// RegisterControlRoutes wires up the control-plane API on the given engine.
// Call this on the engine bound to port 6677.
//
//	Public:   POST /api/login, GET /api/health
//	Optionally JWT-protected: everything else
func (s *Server) RegisterControlRoutes(r *gin.Engine) {
	api := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	api.POST("/login", s.handleLogin)
	api.GET("/health", s.handleHealth)

	// ── Read endpoints ───────────────────────────────────────────────────────
	read := api.Group("/")
	gpu := r.Group("/")
	stream := api.Group("/")
	if s.controlAuth {
		read.Use(s.JWTMiddleware())
		gpu.Use(s.JWTMiddleware())
		// Browsers cannot set headers on a WebSocket upgrade.
		stream.Use(s.jwtMiddleware(true))
	}
	{
		read.GET("/metrics", s.handleMetrics)
		read.GET("/metrics/:id", s.handleMetricsOne)
		read.GET("/history/:id", s.handleHistory)
		read.GET("/alerts", s.handleAlerts)
		read.GET("/overview", s.handleOverviews)
		read.GET("/overview/:id", s.handleOverviewOne)
		read.GET("/stats", s.handleStats)
	}
	stream.GET("/stream", s.hub.handleStream)
	gpu.GET("/gpu", s.handleGPU)
}

// RegisterDataRoutes wires up the data-plane API on the given engine.
// Call this on the engine bound to port 1616.
// All /api routes require a valid Bearer agent token.
func (s *Server) RegisterDataRoutes(r *gin.Engine) {
	api := r.Group("/api", s.AgentTokenMiddleware())
	{
		api.POST("/metrics", s.handleIngest)
		api.POST("/overview", s.handleOverviewUpsert)
	}

	// Data-plane health (no auth, used by load-balancers / k8s probes)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// errorStatus maps engine and store errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound),
		errors.Is(err, engine.ErrUnknownChannel),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrMalformedSnapshot):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// handleLogin accepts username + password and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "admin" }
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	if body.Username != s.adminUser || body.Password != s.adminPass {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.GenerateJWT(body.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(tokenTTL.Seconds()),
		"type":       "Bearer",
	})
}

// handleHealth evaluates every agent on each call.
//
//	GET /api/health
func (s *Server) handleHealth(c *gin.Context) {
	hs := s.query.Health()
	c.JSON(http.StatusOK, gin.H{
		"status":            hs.Status,
		"devices_reporting": hs.DevicesReporting,
		"total_alerts":      hs.TotalAlerts,
		"server_time":       float64(s.now().UnixNano()) / 1e9,
		"alerts":            hs.Alerts,
		"agents":            hs.Agents,
	})
}

// metricsView is a latest snapshot with its registry metadata. The snapshot's
// own fields are inlined so the payload matches what the agent posted.
type metricsView struct {
	*models.Snapshot
	LastSeen float64 `json:"last_seen"`
}

func viewOf(cur engine.Current) metricsView {
	snap := cur.Snapshot
	snap.AgentID = cur.AgentID
	if snap.Device == "" {
		snap.Device = cur.Device
	}
	return metricsView{Snapshot: snap, LastSeen: float64(cur.LastSeen.UnixNano()) / 1e9}
}

// handleMetrics returns every agent's latest snapshot, ordered by agent id.
//
//	GET /api/metrics
func (s *Server) handleMetrics(c *gin.Context) {
	all := s.query.CurrentAll()
	out := make([]metricsView, 0, len(all))
	for _, cur := range all {
		out = append(out, viewOf(cur))
	}
	c.JSON(http.StatusOK, out)
}

// handleMetricsOne returns one agent's latest snapshot.
//
//	GET /api/metrics/:id
func (s *Server) handleMetricsOne(c *gin.Context) {
	cur, err := s.query.CurrentOne(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(cur))
}

type series struct {
	Values     []float64 `json:"values"`
	Timestamps []int64   `json:"timestamps"`
}

// handleHistory returns windowed samples per channel, most recent last.
//
//	GET /api/history/:id?channels=cpu_total,mem_percent&window=120&samples=24
func (s *Server) handleHistory(c *gin.Context) {
	var names []string
	if raw := c.Query("channels"); raw != "" {
		names = strings.Split(raw, ",")
		for i := range names {
			names[i] = strings.TrimSpace(names[i])
		}
	}
	channels, err := engine.ParseChannels(names)
	if err != nil {
		fail(c, err)
		return
	}
	window, ok := queryInt(c, "window", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "samples", 0)
	if !ok {
		return
	}

	h, err := s.query.History(c.Param("id"), channels, time.Duration(window)*time.Second)
	if err != nil {
		fail(c, err)
		return
	}

	out := make(map[string]series, len(h.Channels))
	for name, samples := range h.Channels {
		if limit > 0 && len(samples) > limit {
			samples = samples[len(samples)-limit:]
		}
		out[name] = series{Values: engine.Values(samples), Timestamps: engine.Timestamps(samples)}
	}
	resp := gin.H{
		"agent_id":     h.AgentID,
		"interval_sec": h.IntervalSec,
		"window_sec":   h.WindowSec,
		"channels":     out,
	}
	if cpu, ok := out[engine.ChannelCPUTotal]; ok {
		resp["cpu"] = cpu.Values
	}
	if mem, ok := out[engine.ChannelMemPercent]; ok {
		resp["mem"] = mem.Values
	}
	c.JSON(http.StatusOK, resp)
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + key})
		return 0, false
	}
	return n, true
}

// handleAlerts returns recent alert transitions, newest first.
//
//	GET /api/alerts?limit=20
func (s *Server) handleAlerts(c *gin.Context) {
	limit, ok := queryInt(c, "limit", engine.DefaultRecentAlerts)
	if !ok {
		return
	}
	if s.store != nil {
		events, err := s.store.RecentAlerts(limit)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, events)
		return
	}
	events := s.pipeline.RecentAlerts(limit)
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	c.JSON(http.StatusOK, events)
}

// handleOverviews returns every inventory row.
//
//	GET /api/overview
func (s *Server) handleOverviews(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	devices, err := s.store.Devices()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, devices)
}

// handleOverviewOne returns one agent's inventory row.
//
//	GET /api/overview/:id
func (s *Server) handleOverviewOne(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	dev, err := s.store.Device(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dev)
}

// handleStats reports ingest counters.
//
//	GET /api/stats
func (s *Server) handleStats(c *gin.Context) {
	st := s.pipeline.Stats()
	c.JSON(http.StatusOK, gin.H{
		"accepted":       st.Accepted,
		"rejected":       st.Rejected,
		"agents":         s.query.Agents(),
		"stream_clients": s.hub.Clients(),
	})
}

// handleGPU flattens GPU readings across agents.
//
//	GET /gpu
func (s *Server) handleGPU(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"gpus": s.query.GPUs()})
}

// handleIngest accepts a raw snapshot from an agent (data-plane only).
//
//	POST /api/metrics
func (s *Server) handleIngest(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	st, err := s.pipeline.IngestJSON(body)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "agent_id": st.AgentID, "seq": st.Seq})
}

// handleOverviewUpsert stores the agent's static description (data-plane only).
//
//	POST /api/overview
func (s *Server) handleOverviewUpsert(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	var ov models.Overview
	if err := c.ShouldBindJSON(&ov); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dev, err := s.store.UpsertDevice(ov)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": dev.ID, "agent_id": dev.AgentID})
}

func (s *Server) requireStore(c *gin.Context) bool {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "inventory disabled"})
		return false
	}
	return true
}

// onIngest queues the inventory last-seen update and pushes the new health
// verdict to dashboards. It runs on the ingest goroutine and never blocks.
func (s *Server) onIngest(st *engine.AgentState) {
	if s.writer != nil {
		if err := s.writer.Touch(st.AgentID); err != nil {
			s.logger.Warn("Dropped device touch", zap.String("agent_id", st.AgentID), zap.Error(err))
		}
	}
	if s.hub.Clients() == 0 {
		return
	}
	sev, alerts := engine.EvaluateAgent(st, s.query.Thresholds())
	s.hub.Broadcast(gin.H{
		"type":      "ingest",
		"agent_id":  st.AgentID,
		"device":    st.Device,
		"seq":       st.Seq,
		"last_seen": st.LastSeen.Unix(),
		"health":    sev,
		"alerts":    alerts,
	})
}
