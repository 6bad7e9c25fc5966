package terrain

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/pkg/math"
)

// LoadResult reports one completed streaming job. Err is nil when the
// tile reached Loaded; the render thread owns the GPU upload.
type LoadResult struct {
	Coord TileCoordinate
	State TileState
	Err   error
}

// StreamerConfig sizes the worker pool and its queues.
type StreamerConfig struct {
	Workers      int `yaml:"workers"`
	QueueDepth   int `yaml:"queue_depth"`
	MaxPerUpdate int `yaml:"max_per_update"`
}

// DefaultStreamerConfig returns the standard streaming pool sizing.
func DefaultStreamerConfig() StreamerConfig {
	return StreamerConfig{Workers: 4, QueueDepth: 256, MaxPerUpdate: 16}
}

// Streamer runs tile CPU loading off the render thread: Update (called
// by the coordinator each frame) refills the job queue from the
// manager's priority queue, a fixed worker pool drains it, and
// completions land on a results channel the render thread polls.
// Workers stop at Loaded; uploading to the GPU stays on the render
// thread so upload bandwidth is bounded per frame.
//
// In-flight tiles are deduplicated through the pending set, and a tile
// that leaves view while loading is allowed to finish; it simply
// becomes an eviction candidate afterward.
type Streamer struct {
	manager *Manager
	source  Source
	cfg     StreamerConfig
	log     *zap.Logger

	jobs    chan TileCoordinate
	results chan LoadResult

	// pendingMu also guards closed: senders enqueue while holding it,
	// so once Close marks closed no goroutine can be mid-send when the
	// jobs channel closes.
	pendingMu sync.Mutex
	pending   map[TileCoordinate]struct{}
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewStreamer creates the streamer and starts its worker pool.
func NewStreamer(manager *Manager, source Source, cfg StreamerConfig) *Streamer {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultStreamerConfig().Workers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultStreamerConfig().QueueDepth
	}
	if cfg.MaxPerUpdate <= 0 {
		cfg.MaxPerUpdate = DefaultStreamerConfig().MaxPerUpdate
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Streamer{
		manager: manager,
		source:  source,
		cfg:     cfg,
		log:     logger.Named("streamer"),
		jobs:    make(chan TileCoordinate, cfg.QueueDepth),
		results: make(chan LoadResult, cfg.QueueDepth),
		pending: make(map[TileCoordinate]struct{}),
		cancel:  cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.log.Info("streamer started",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_depth", cfg.QueueDepth))
	return s
}

// Update refreshes priorities for the camera and enqueues the top
// pending loads. Non-blocking: when the job queue is full, leftover
// coordinates wait for a later update.
func (s *Streamer) Update(cameraPos math.Vec3, deltaTime float32) int {
	s.manager.UpdatePriorities(cameraPos, deltaTime)

	queued := 0
	for _, coord := range s.manager.HighPriorityLoadingQueue(s.cfg.MaxPerUpdate) {
		if s.enqueue(coord) {
			queued++
		}
	}
	return queued
}

// Request enqueues one coordinate directly, bypassing the priority
// queue. Returns false when the tile is already in flight, the queue
// is full, or the streamer has been closed.
func (s *Streamer) Request(coord TileCoordinate) bool {
	return s.enqueue(coord)
}

// enqueue marks coord pending and hands it to the workers. The send
// happens under pendingMu so it cannot race a concurrent Close.
func (s *Streamer) enqueue(coord TileCoordinate) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.pending[coord]; ok {
		return false
	}
	select {
	case s.jobs <- coord:
		s.pending[coord] = struct{}{}
		return true
	default:
		return false
	}
}

// PollResults drains up to max completed loads without blocking.
func (s *Streamer) PollResults(max int) []LoadResult {
	var results []LoadResult
	for max <= 0 || len(results) < max {
		select {
		case r := <-s.results:
			results = append(results, r)
		default:
			return results
		}
	}
	return results
}

// InFlight returns the number of tiles currently queued or loading.
func (s *Streamer) InFlight() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// Close stops the workers and waits for in-flight loads to finish.
// Request and Update become no-ops afterward.
func (s *Streamer) Close() {
	s.closeOnce.Do(func() {
		s.pendingMu.Lock()
		s.closed = true
		s.pendingMu.Unlock()
		s.cancel()
		close(s.jobs)
		s.wg.Wait()
		s.log.Info("streamer stopped")
	})
}

func (s *Streamer) worker(ctx context.Context) {
	defer s.wg.Done()
	for coord := range s.jobs {
		if ctx.Err() != nil {
			s.clearPending(coord)
			continue
		}

		tile := s.manager.CreateTile(coord)
		err := tile.LoadData(ctx, s.source)
		s.clearPending(coord)

		result := LoadResult{Coord: coord, State: tile.State(), Err: err}
		select {
		case s.results <- result:
		default:
			// Results channel full; the state lives on the tile, so
			// dropping the notification loses nothing durable.
		}
		if err != nil && ctx.Err() == nil {
			s.log.Warn("tile load failed",
				zap.String("tile", coord.String()),
				zap.Error(err))
		}
	}
}

func (s *Streamer) clearPending(coord TileCoordinate) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, coord)
}
