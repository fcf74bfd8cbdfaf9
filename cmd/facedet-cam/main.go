// Command facedet-cam runs the face detection pipeline on a local camera.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"FaceDetServer/annotate"
	"FaceDetServer/config"
	"FaceDetServer/engine"
	"FaceDetServer/frame"
	"FaceDetServer/frame/gocvview"
	iface "FaceDetServer/interface"
	"FaceDetServer/logger"
	"FaceDetServer/monitor"
	"FaceDetServer/pipeline"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	device := flag.Int("device", -1, "camera device id, overrides camera.device")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if *device >= 0 {
		cfg.Camera.Device = *device
	}
	if err := logger.Init(cfg.LogMode, cfg.LogLevel); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Named("cam")

	if err := run(cfg, log); err != nil {
		log.Error("camera loop failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	model, err := cfg.ModelDescription()
	if err != nil {
		return err
	}
	pc, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}
	mon := monitor.New()
	p, err := pipeline.New(pc, model, engine.NewOnnxBackend(), pipeline.WithObserver(mon))
	if err != nil {
		return err
	}
	defer p.Close()
	if cfg.Model.Warmup {
		if err := p.Warmup(); err != nil {
			log.Warn("warmup failed", zap.Error(err))
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	stopMetrics := startMetrics(ctx, cfg.MetricsPort, mon)
	defer stopMetrics()

	capture, err := gocv.OpenVideoCapture(cfg.Camera.Device)
	if err != nil {
		return fmt.Errorf("open video capture: %w", err)
	}
	defer capture.Close()
	if cfg.Camera.Width > 0 && cfg.Camera.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Camera.Width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Camera.Height))
	}
	if cfg.Camera.FPS > 0 {
		capture.Set(gocv.VideoCaptureFPS, float64(cfg.Camera.FPS))
	}

	worker := p.NewWorker(4)
	var latest atomic.Pointer[[]iface.BoundingBox]
	done := make(chan struct{})
	go func() {
		defer close(done)
		consume(worker.Results(), &latest, cfg.Camera.SaveDir, log)
	}()
	defer func() {
		worker.Close()
		<-done
		st := worker.Stats()
		log.Info("camera stopped",
			zap.Uint64("submitted", st.Submitted),
			zap.Uint64("processed", st.Processed),
			zap.Uint64("dropped", st.Dropped))
	}()

	var window *gocv.Window
	if cfg.Camera.Window {
		window = gocv.NewWindow("facedet")
		defer window.Close()
	}

	mat := gocv.NewMat()
	defer mat.Close()
	start := time.Now()
	log.Info("capturing", zap.Int("device", cfg.Camera.Device))
	for ctx.Err() == nil {
		if !capture.Read(&mat) || mat.Empty() {
			continue
		}
		view, err := gocvview.New(mat)
		if err != nil {
			log.Warn("unreadable frame", zap.Error(err))
			continue
		}
		if err := worker.Submit(iface.Frame{Image: view, Timestamp: time.Since(start)}); err != nil {
			log.Warn("submit failed", zap.Error(err))
		}
		if window != nil {
			if boxes := latest.Load(); boxes != nil {
				gocvview.DrawBoxes(&mat, *boxes)
			}
			window.IMShow(mat)
			if window.WaitKey(1) == 27 {
				break
			}
		}
	}
	return nil
}

// startMetrics serves mon on port until stop is called or ctx is done. stop
// does not wait for ctx, so leaving the capture loop early still returns.
func startMetrics(ctx context.Context, port int, mon *monitor.Monitor) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	if port <= 0 {
		close(done)
	} else {
		go func() {
			defer close(done)
			mon.StartMon(ctx, port, nil)
		}()
	}
	return func() {
		cancel()
		<-done
	}
}

// consume publishes the newest boxes for the preview and optionally saves
// annotated frames that contain faces.
func consume(results <-chan pipeline.Result, latest *atomic.Pointer[[]iface.BoundingBox], saveDir string, log *zap.Logger) {
	for r := range results {
		if r.Err != nil {
			continue
		}
		boxes := r.Boxes
		latest.Store(&boxes)
		if saveDir == "" || len(boxes) == 0 {
			continue
		}
		img, err := frame.ToNRGBA(r.Frame)
		if err != nil {
			log.Warn("convert frame", zap.Error(err))
			continue
		}
		name := filepath.Join(saveDir, fmt.Sprintf("frame-%d.jpg", r.Timestamp.Milliseconds()))
		if err := annotate.SaveJPG(name, annotate.Draw(img, boxes, annotate.DefaultStyle()), 90); err != nil {
			log.Warn("save frame", zap.String("file", name), zap.Error(err))
		}
	}
}
