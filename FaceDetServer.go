package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"

	adhoc "FaceDetServer/Adhoc"
	"FaceDetServer/config"
	"FaceDetServer/engine"
	backend "FaceDetServer/gRPC"
	"FaceDetServer/logger"
	"FaceDetServer/monitor"
	"FaceDetServer/pipeline"
	"FaceDetServer/web"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	fmt.Println(strings.Repeat("#", 64))
	CPUNum := runtime.NumCPU()
	runtime.GOMAXPROCS(CPUNum)
	fmt.Printf("CPU Cores: %d\n", CPUNum)
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println(err)
		return
	}
	if err := logger.Init(cfg.LogMode, cfg.LogLevel); err != nil {
		fmt.Println("Failed to init logger:", err)
		return
	}
	defer logger.Sync()
	fmt.Println(" gRPC    Port:", cfg.RPCPort)
	fmt.Println(" HTTP    Port:", cfg.HTTPPort)
	fmt.Println(" Metrics Port:", cfg.MetricsPort)
	fmt.Println(" Model:", cfg.Model.Path, "preset:", cfg.Model.Preset)
	fmt.Println(strings.Repeat("#", 64))

	if err := serve(cfg); err != nil {
		logger.Log().Error("server failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	fmt.Println("Safely exited")
}

func serve(cfg config.Config) error {
	log := logger.Named("main")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runServers(ctx, cfg, p, mon)
}

// runServers 通过 metrics、HTTP 和 gRPC 提供服务，直到 ctx 结束或客户端请求关闭。
// 任一服务启动失败会停止其他服务并返回该错误
func runServers(ctx context.Context, cfg config.Config, p *pipeline.Pipeline, mon *monitor.Monitor) error {
	log := logger.Named("main")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	clock := pipeline.NewClock()

	health := func() (any, bool) {
		st := p.Status()
		s := p.State()
		return st, s != pipeline.Failed && s != pipeline.Closed
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.StartMon(ctx, cfg.MetricsPort, health)
	}()

	webServer := web.NewServer(p, web.Options{Counter: mon, Clock: clock})
	httpErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webServer.Start(ctx, cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	rpc := backend.NewServer(p, mon, clock)
	grpcServer, err := backend.StartGRPCServer(cfg.RPCPort, rpc)
	if err != nil {
		cancel()
		wg.Wait()
		return err
	}

	if cfg.UseRegServer {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			log.Warn("failed to get outbound IP, registering loopback", zap.Error(err))
			ip = "127.0.0.1"
		}
		reg := adhoc.NewRegistrar(cfg.RegAddress(), ip, cfg.RPCPort, adhoc.InstanceClassOf(cfg.InstanceClass), cfg.RegInterval)
		reg.HTTPPort = cfg.HTTPPort
		reg.State = func() string { return p.State().String() }
		wg.Add(1)
		go reg.SendAliveMessage(ctx, &wg)
	} else {
		log.Info("UseRegServer is set to false, skipping registration")
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case <-rpc.CloseChannel():
		log.Warn("shutdown requested over gRPC")
	case runErr = <-httpErr:
		log.Error("http server failed", zap.Error(runErr))
	}
	cancel()
	grpcServer.GracefulStop()
	wg.Wait()
	return runErr
}
