package proto

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"FaceDetServer/frame"
	iface "FaceDetServer/interface"
	"FaceDetServer/logger"
	"FaceDetServer/pipeline"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Detector 是传输层需要的 *pipeline.Pipeline 接口
type Detector interface {
	ProcessFrame(ctx context.Context, f iface.Frame) ([]iface.BoundingBox, error)
	Status() pipeline.Status
	Reload() error
}

type RequestCounter interface {
	CountRequest(transport string)
}

// InferenceRequest is the JSON shape of the Inference request struct. Either
// image (encoded JPEG/PNG) or pixels with width, height and format is set.
// Byte fields travel as base64 strings. A timestamped frame is ordered only
// against frames of the same source, which defaults to the connection.
type InferenceRequest struct {
	Image       []byte   `json:"image,omitempty"`
	Pixels      []byte   `json:"pixels,omitempty"`
	Width       int      `json:"width,omitempty"`
	Height      int      `json:"height,omitempty"`
	Stride      int      `json:"stride,omitempty"`
	Format      string   `json:"format,omitempty"`
	TimestampMs *float64 `json:"timestamp_ms,omitempty"`
	Source      string   `json:"source,omitempty"`
}

type InferenceResponse struct {
	Success     bool                `json:"success"`
	TimestampMs float64             `json:"timestamp_ms"`
	Faces       []iface.BoundingBox `json:"faces"`
}

// Server 基于一个 pipeline 实现 DetectServiceServer
type Server struct {
	detector  Detector
	counter   RequestCounter
	clock     *pipeline.Clock
	log       *zap.Logger
	closeOnce sync.Once
	closed    chan struct{}
}

// NewServer serves detector. clock stamps frames sent without a timestamp; pass
// the one the web server uses, or nil for a private one.
func NewServer(detector Detector, counter RequestCounter, clock *pipeline.Clock) *Server {
	if clock == nil {
		clock = pipeline.NewClock()
	}
	return &Server{
		detector: detector,
		counter:  counter,
		clock:    clock,
		log:      logger.Named("grpc"),
		closed:   make(chan struct{}),
	}
}

// CloseChannel 在客户端请求关闭服务时被关闭
func (s *Server) CloseChannel() <-chan struct{} { return s.closed }

func (s *Server) Inference(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in InferenceRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	view, err := in.view()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	f := iface.Frame{Image: view, Timestamp: s.clock.Now()}
	if in.TimestampMs != nil {
		f.Timestamp = time.Duration(*in.TimestampMs * float64(time.Millisecond))
		f.Source = "grpc/" + cmp.Or(in.Source, peerAddr(ctx))
	}
	ts := f.Timestamp

	boxes, err := s.detector.ProcessFrame(ctx, f)
	if err != nil {
		return nil, statusFor(err)
	}
	s.log.Debug("inference done", zap.Duration("timestamp", ts), zap.Int("faces", len(boxes)))
	return toStruct(InferenceResponse{
		Success:     true,
		TimestampMs: float64(ts) / float64(time.Millisecond),
		Faces:       boxes,
	})
}

func (s *Server) CheckPipeline(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.detector.Status())
}

// Reload 重新加载模型并清除 pipeline 的失败状态
func (s *Server) Reload(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.detector.Reload(); err != nil {
		s.log.Error("reload failed", zap.Error(err))
		return nil, statusFor(err)
	}
	s.log.Info("pipeline reloaded")
	return toStruct(s.detector.Status())
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

// Shutdown 只通知 CloseChannel，由调用方停止 grpc.Server
func (s *Server) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.closeOnce.Do(func() {
		s.log.Warn("shutdown requested")
		close(s.closed)
	})
	return &emptypb.Empty{}, nil
}

func (in InferenceRequest) view() (iface.ImageView, error) {
	switch {
	case len(in.Image) > 0:
		return frame.Decode(in.Image)
	case len(in.Pixels) > 0:
		format := iface.ParsePixelFormat(in.Format)
		stride := in.Stride
		if stride == 0 {
			stride = in.Width * format.BytesPerPixel()
		}
		return frame.NewPacked(in.Pixels, in.Width, in.Height, stride, format), nil
	}
	return nil, errors.New("request carries neither image nor pixels")
}

// statusFor maps pipeline errors onto gRPC codes.
func statusFor(err error) error {
	code := codes.Internal
	switch pipeline.OutcomeOf(err) {
	case pipeline.OutcomeInputError:
		code = codes.InvalidArgument
	case pipeline.OutcomeBusy, pipeline.OutcomeDropped:
		code = codes.ResourceExhausted
	case pipeline.OutcomeStale:
		code = codes.FailedPrecondition
	case pipeline.OutcomeFailed:
		code = codes.Unavailable
	case pipeline.OutcomeCanceled:
		code = codes.Canceled
		if errors.Is(err, context.DeadlineExceeded) {
			code = codes.DeadlineExceeded
		}
	}
	return status.Error(code, err.Error())
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// unaryInterceptor counts requests and turns handler panics into Internal errors.
func (s *Server) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	if s.counter != nil {
		s.counter.CountRequest("grpc")
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic recovered",
				zap.String("method", info.FullMethod),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = status.Errorf(codes.Internal, "panic: %v", r)
		}
	}()
	return handler(ctx, req)
}

// NewGRPCServer returns a grpc.Server with s registered. opts are appended
// after the server's own interceptor.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.unaryInterceptor)}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterDetectServiceServer(gs, s)
	return gs
}

// StartGRPCServer 监听 port 并在后台提供服务
func StartGRPCServer(port int, s *Server) (*grpc.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	gs := NewGRPCServer(s)
	go func() {
		s.log.Info("server listening", zap.String("addr", lis.Addr().String()))
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("failed to serve gRPC server", zap.Error(err))
		}
	}()
	return gs, nil
}
