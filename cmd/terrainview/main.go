// Package main is the entry point for the terrain viewer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cogentcore/webgpu/wgpu"
	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/config"
	"github.com/Faultbox/terrastream/internal/debug"
	"github.com/Faultbox/terrastream/internal/engine/gpu"
	"github.com/Faultbox/terrastream/internal/engine/memory"
	"github.com/Faultbox/terrastream/internal/engine/renderer"
	"github.com/Faultbox/terrastream/internal/engine/terrain"
	"github.com/Faultbox/terrastream/internal/logger"
)

func main() {
	// Parse CLI flags first
	config.ParseFlags()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("=== TerraStream Viewer ===")
	logger.Sugar.Debugf("Config: %+v", cfg)

	if err := run(cfg); err != nil {
		logger.Error("viewer error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("viewer closed normally")
}

func run(cfg *config.Config) error {
	dev, release := acquireDevice()
	defer release()

	alloc := memory.NewAllocator(dev, cfg.Memory)
	defer alloc.Close()

	r, err := renderer.New(alloc, cfg.Renderer)
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}
	defer r.Close()

	if err := loadDatasets(r, cfg); err != nil {
		return err
	}

	if cfg.Debug.Enabled {
		srv := debug.NewServer(cfg.Debug, func() debug.Snapshot {
			return debug.Collect(r, alloc)
		})
		if err := srv.Start(); err != nil {
			return fmt.Errorf("stats server: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Close(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return frameLoop(ctx, r, dev, cfg)
}

// acquireDevice opens the default GPU, falling back to the headless
// device when no adapter is available.
func acquireDevice() (gpu.Device, func()) {
	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		logger.Info("no GPU adapter, running headless", zap.Error(err))
		dev := gpu.NewHeadlessDevice()
		return dev, dev.Release
	}
	wdev, err := adapter.RequestDevice(nil)
	if err != nil {
		logger.Info("device request failed, running headless", zap.Error(err))
		dev := gpu.NewHeadlessDevice()
		return dev, dev.Release
	}
	dev := gpu.NewWGPUDevice(wdev)
	return dev, func() {
		dev.Release()
		adapter.Release()
		instance.Release()
	}
}

func loadDatasets(r *renderer.Renderer, cfg *config.Config) error {
	for id, ds := range cfg.Data.Datasets {
		var source terrain.Source
		if ds.Path == "" {
			source = terrain.NewProceduralSource(ds.TileSize)
		} else {
			source = terrain.NewRawSource(ds.Path, ds.TileSize)
		}
		if err := r.LoadDataset(id, source, ds.HeightScale); err != nil {
			return fmt.Errorf("load dataset %s: %w", id, err)
		}
	}
	if cfg.Data.Active != "" {
		if err := r.SetActiveDataset(cfg.Data.Active); err != nil {
			return err
		}
	}
	return nil
}

// frameLoop drives the renderer until the context is cancelled. A
// window/surface integration would swap the pass for the swapchain's;
// the loop itself is identical.
func frameLoop(ctx context.Context, r *renderer.Renderer, dev gpu.Device, cfg *config.Config) error {
	cam := renderer.DefaultCamera()
	if cfg.Graphics.Height > 0 {
		cam.Aspect = float32(cfg.Graphics.Width) / float32(cfg.Graphics.Height)
	}

	interval := time.Second / 60
	if cfg.Graphics.FPSLimit > 0 {
		interval = time.Second / time.Duration(cfg.Graphics.FPSLimit)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now

			pass, err := dev.BeginRenderPass(gpu.RenderPassDescriptor{Label: "terrain"})
			if err != nil {
				return fmt.Errorf("begin pass: %w", err)
			}
			if err := r.RenderFrame(ctx, cam, pass, dt); err != nil {
				return fmt.Errorf("frame %d: %w", r.FrameIndex(), err)
			}
			if err := pass.End(); err != nil {
				return fmt.Errorf("end pass: %w", err)
			}
		}
	}
}
