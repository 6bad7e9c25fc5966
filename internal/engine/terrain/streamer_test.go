package terrain

import (
	"context"
	"testing"
	"time"

	"github.com/Faultbox/terrastream/pkg/math"
)

func TestStreamerLoadsQueuedTiles(t *testing.T) {
	m := testManager(t)
	s := NewStreamer(m, NewProceduralSource(32), StreamerConfig{Workers: 2, QueueDepth: 16, MaxPerUpdate: 8})
	defer s.Close()

	coords := []TileCoordinate{
		{X: 0, Y: 0, Level: 0, DatasetID: "test"},
		{X: 1, Y: 0, Level: 0, DatasetID: "test"},
		{X: 0, Y: 1, Level: 0, DatasetID: "test"},
	}
	for _, c := range coords {
		m.CreateTile(c)
	}

	queued := s.Update(math.Vec3{}, 0.016)
	if queued != len(coords) {
		t.Fatalf("queued = %d, want %d", queued, len(coords))
	}

	deadline := time.Now().Add(5 * time.Second)
	loaded := make(map[TileCoordinate]bool)
	for len(loaded) < len(coords) && time.Now().Before(deadline) {
		for _, r := range s.PollResults(0) {
			if r.Err != nil {
				t.Fatalf("load %v failed: %v", r.Coord, r.Err)
			}
			if r.State != StateLoaded {
				t.Fatalf("load %v finished in %v, want Loaded", r.Coord, r.State)
			}
			loaded[r.Coord] = true
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(loaded) != len(coords) {
		t.Fatalf("only %d of %d tiles completed", len(loaded), len(coords))
	}

	for _, c := range coords {
		if got := m.GetTile(c).State(); got != StateLoaded {
			t.Errorf("tile %v state = %v, want Loaded", c, got)
		}
	}
}

type slowSource struct {
	inner Source
	delay time.Duration
}

func (s slowSource) Load(ctx context.Context, coord TileCoordinate) (*TileData, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.inner.Load(ctx, coord)
}

func TestStreamerDeduplicatesRequests(t *testing.T) {
	m := testManager(t)
	// A slow source keeps the first job in flight long enough to observe
	// the duplicate rejection.
	s := NewStreamer(m, slowSource{NewProceduralSource(32), 200 * time.Millisecond}, StreamerConfig{Workers: 1, QueueDepth: 16, MaxPerUpdate: 8})
	defer s.Close()

	coord := TileCoordinate{X: 0, Y: 0, Level: 0, DatasetID: "test"}
	m.CreateTile(coord)

	first := s.Request(coord)
	second := s.Request(coord)
	if !first {
		t.Fatal("first request rejected")
	}
	if second {
		t.Error("duplicate request accepted while first still pending")
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.InFlight() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.GetTile(coord).State(); got != StateLoaded {
		t.Fatalf("tile state = %v, want Loaded", got)
	}

	// Once complete, the coordinate may be requested again (e.g. after
	// eviction).
	m.GetTile(coord).EvictFromMemory(m.Allocator())
	if !s.Request(coord) {
		t.Error("request after completion rejected")
	}
}

func TestStreamerRejectsRequestsAfterClose(t *testing.T) {
	m := testManager(t)
	s := NewStreamer(m, NewProceduralSource(32), StreamerConfig{Workers: 1, QueueDepth: 4, MaxPerUpdate: 4})
	s.Close()

	coord := TileCoordinate{X: 0, Y: 0, Level: 0, DatasetID: "test"}
	m.CreateTile(coord)

	if s.Request(coord) {
		t.Error("request accepted after close")
	}
	if queued := s.Update(math.Vec3{}, 0.016); queued != 0 {
		t.Errorf("update after close queued %d, want 0", queued)
	}
	s.Close()
}

func TestStreamerUpdateSkipsLoadedTiles(t *testing.T) {
	m := testManager(t)
	s := NewStreamer(m, NewProceduralSource(32), StreamerConfig{Workers: 1, QueueDepth: 16, MaxPerUpdate: 8})
	defer s.Close()

	coord := TileCoordinate{X: 0, Y: 0, Level: 0, DatasetID: "test"}
	m.CreateTile(coord)

	if queued := s.Update(math.Vec3{}, 0.016); queued != 1 {
		t.Fatalf("first update queued %d, want 1", queued)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.InFlight() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if queued := s.Update(math.Vec3{}, 0.016); queued != 0 {
		t.Errorf("update after completion queued %d, want 0", queued)
	}
}
