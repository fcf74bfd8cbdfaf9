package Adhoc

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"FaceDetServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DmlInstance    = 0x2001
	CpuInstance    = 0x2002
	CudaInstance   = 0x2003
	RocmInstance   = 0x2004
	TimeOutSeconds = 5
)

const ServiceName = "facedet"

type RegisterRequest struct {
	Id            string `json:"id"`
	Service       string `json:"service"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	HTTPPort      int    `json:"httpPort,omitempty"`
	InstanceClass int    `json:"instanceClass"`
	State         string `json:"state,omitempty"`
	TimeStamp     int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// InstanceClassOf 把配置中的名称（Dml, Cpu, Cuda, Rocm）映射为实例代码，
// 未知名称按 Cpu 上报
func InstanceClassOf(name string) int {
	switch name {
	case "Dml":
		return DmlInstance
	case "Cuda":
		return CudaInstance
	case "Rocm":
		return RocmInstance
	}
	return CpuInstance
}

// GetOutboundIP 返回访问外网时使用的本机地址。UDP dial 只选择路由，不发送数据包
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

type Registrar struct {
	Id            string
	IP            string
	Port          int
	HTTPPort      int
	InstanceClass int
	Interval      time.Duration
	// State 不为空时随每次心跳上报
	State func() string

	url    string
	client *resty.Client
	log    *zap.Logger
}

// NewRegistrar heartbeats to http://regAddr/api/register under a fresh id.
func NewRegistrar(regAddr, ip string, port int, instanceClass int, interval time.Duration) *Registrar {
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	return &Registrar{
		Id:            uuid.NewString(),
		IP:            ip,
		Port:          port,
		InstanceClass: instanceClass,
		Interval:      interval,
		url:           fmt.Sprintf("http://%s/api/register", regAddr),
		client:        resty.New().SetTimeout(TimeOutSeconds * time.Second),
		log:           logger.Named("adhoc"),
	}
}

// SendAlive 发送一次心跳
func (r *Registrar) SendAlive(ctx context.Context) (*RegisterResponse, error) {
	var respBody RegisterResponse
	reqBody := RegisterRequest{
		Id:            r.Id,
		Service:       ServiceName,
		IP:            r.IP,
		Port:          r.Port,
		HTTPPort:      r.HTTPPort,
		InstanceClass: r.InstanceClass,
		TimeStamp:     time.Now().Unix(),
	}
	if r.State != nil {
		reqBody.State = r.State()
	}
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&respBody).
		Post(r.url)
	if err != nil {
		return nil, fmt.Errorf("request error: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	return &respBody, nil
}

// SendAliveMessage 持续发送心跳直到 ctx 结束，单次请求 panic 只记录日志
func (r *Registrar) SendAliveMessage(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	safeDoRequest := func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("SendAliveMessage panic recovered", zap.Any("panic", rec))
			}
		}()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		resp, err := r.SendAlive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Error("heartbeat failed", zap.String("url", r.url), zap.Error(err))
			}
			return
		}
		if !resp.Success {
			r.log.Warn("registry refused heartbeat", zap.String("id", resp.Id))
		}
	}
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
