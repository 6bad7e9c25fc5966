// Package debug serves live engine statistics to development tooling
// over websockets. The server is optional and never runs in release
// configurations.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/engine/memory"
	"github.com/Faultbox/terrastream/internal/engine/quadtree"
	"github.com/Faultbox/terrastream/internal/engine/renderer"
	"github.com/Faultbox/terrastream/internal/engine/terrain"
	"github.com/Faultbox/terrastream/internal/logger"
)

var ErrServerClosed = errors.New("debug: server closed")

// Config controls the stats server.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns the development defaults. The server stays
// disabled unless configuration turns it on.
func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		Addr:     "127.0.0.1:9090",
		Interval: 500 * time.Millisecond,
	}
}

// Snapshot is one broadcast frame of engine statistics.
type Snapshot struct {
	Timestamp time.Time            `json:"timestamp"`
	Frame     uint32               `json:"frame"`
	Render    RenderStats          `json:"render"`
	Quadtree  quadtree.Stats       `json:"quadtree"`
	Tiles     terrain.ManagerStats `json:"tiles"`
	Memory    MemorySummary        `json:"memory"`
}

// RenderStats flattens the renderer's frame report into JSON-stable
// fields, with durations in milliseconds.
type RenderStats struct {
	TilesRendered     uint32  `json:"tilesRendered"`
	TilesCulled       uint32  `json:"tilesCulled"`
	TilesLoading      uint32  `json:"tilesLoading"`
	TrianglesRendered uint64  `json:"trianglesRendered"`
	DrawCalls         uint32  `json:"drawCalls"`
	FrameTimeMs       float64 `json:"frameTimeMs"`
	CullingTimeMs     float64 `json:"cullingTimeMs"`
	RenderTimeMs      float64 `json:"renderTimeMs"`
	MemoryUsage       uint64  `json:"memoryUsage"`
	GPUMemoryUsage    uint64  `json:"gpuMemoryUsage"`
}

// MemorySummary condenses allocator stats for the overlay.
type MemorySummary struct {
	TotalAllocated    uint64  `json:"totalAllocated"`
	TotalUsed         uint64  `json:"totalUsed"`
	TotalFree         uint64  `json:"totalFree"`
	ActiveAllocations uint32  `json:"activeAllocations"`
	PoolCount         uint32  `json:"poolCount"`
	UsageRatio        float64 `json:"usageRatio"`
}

// Collect builds a snapshot from the live engine objects.
func Collect(r *renderer.Renderer, alloc *memory.Allocator) Snapshot {
	fs := r.Stats()
	ms := alloc.Stats()
	return Snapshot{
		Timestamp: time.Now(),
		Frame:     r.FrameIndex(),
		Render: RenderStats{
			TilesRendered:     fs.TilesRendered,
			TilesCulled:       fs.TilesCulled,
			TilesLoading:      fs.TilesLoading,
			TrianglesRendered: fs.TrianglesRendered,
			DrawCalls:         fs.DrawCalls,
			FrameTimeMs:       float64(fs.FrameTime) / float64(time.Millisecond),
			CullingTimeMs:     float64(fs.CullingTime) / float64(time.Millisecond),
			RenderTimeMs:      float64(fs.RenderTime) / float64(time.Millisecond),
			MemoryUsage:       fs.MemoryUsage,
			GPUMemoryUsage:    fs.GPUMemoryUsage,
		},
		Quadtree: r.Quadtree().Stats(),
		Tiles:    r.Manager().Stats(),
		Memory: MemorySummary{
			TotalAllocated:    ms.TotalAllocated,
			TotalUsed:         ms.TotalUsed,
			TotalFree:         ms.TotalFree,
			ActiveAllocations: ms.ActiveAllocations,
			PoolCount:         ms.PoolCount,
			UsageRatio:        alloc.UsageRatio(),
		},
	}
}

// Server broadcasts snapshots to every connected websocket client at
// a fixed interval and answers one-shot GETs on /stats.
type Server struct {
	cfg     Config
	collect func() Snapshot
	log     *zap.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex
	closed  bool

	httpSrv *http.Server
	ln      net.Listener
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewServer builds a stats server around a snapshot source.
func NewServer(cfg Config, collect func() Snapshot) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Server{
		cfg:     cfg,
		collect: collect,
		log:     logger.Named("debug"),
		upgrader: websocket.Upgrader{
			// Development tool, local traffic only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
		done:    make(chan struct{}),
	}
}

// Handler returns the HTTP mux, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

// Start listens on the configured address and launches the broadcast
// loop. Returns immediately; errors from the listener are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.httpSrv = &http.Server{Handler: s.Handler()}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve failed", zap.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		s.broadcastLoop()
	}()

	s.log.Info("stats server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.collect()); err != nil {
		s.log.Warn("stats encode failed", zap.Error(err))
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	connMu := &sync.Mutex{}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.clients[conn] = connMu
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	// Push the current state immediately so clients don't wait a full
	// interval for their first frame.
	connMu.Lock()
	err = conn.WriteJSON(s.collect())
	connMu.Unlock()
	if err != nil {
		return
	}

	// Drain incoming messages until the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.broadcast()
		}
	}
}

func (s *Server) broadcast() {
	s.mu.Lock()
	if len(s.clients) == 0 {
		s.mu.Unlock()
		return
	}
	conns := make(map[*websocket.Conn]*sync.Mutex, len(s.clients))
	for c, m := range s.clients {
		conns[c] = m
	}
	s.mu.Unlock()

	snap := s.collect()
	for conn, connMu := range conns {
		connMu.Lock()
		err := conn.WriteJSON(snap)
		connMu.Unlock()
		if err != nil {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}
	}
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close stops broadcasting and shuts the listener down.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]*sync.Mutex)
	s.mu.Unlock()

	close(s.done)
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}
