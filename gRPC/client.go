package proto

import (
	"context"
	"time"

	iface "FaceDetServer/interface"
	"FaceDetServer/pipeline"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
)

// Client wraps DetectServiceClient with typed requests.
type Client struct {
	conn *grpc.ClientConn
	rpc  DetectServiceClient
}

func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, rpc: NewDetectServiceClient(conn)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Detect sends one encoded image captured at ts.
func (c *Client) Detect(ctx context.Context, image []byte, ts time.Duration) ([]iface.BoundingBox, error) {
	ms := float64(ts) / float64(time.Millisecond)
	return c.Infer(ctx, InferenceRequest{Image: image, TimestampMs: &ms})
}

func (c *Client) Infer(ctx context.Context, req InferenceRequest) ([]iface.BoundingBox, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	out, err := c.rpc.Inference(ctx, in)
	if err != nil {
		return nil, err
	}
	var resp InferenceResponse
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	if resp.Faces == nil {
		resp.Faces = []iface.BoundingBox{}
	}
	return resp.Faces, nil
}

func (c *Client) CheckPipeline(ctx context.Context) (pipeline.Status, error) {
	out, err := c.rpc.CheckPipeline(ctx, &emptypb.Empty{})
	if err != nil {
		return pipeline.Status{}, err
	}
	var st pipeline.Status
	err = fromStruct(out, &st)
	return st, err
}

// Reload asks the server to load its model again and returns the new status.
func (c *Client) Reload(ctx context.Context) (pipeline.Status, error) {
	out, err := c.rpc.Reload(ctx, &emptypb.Empty{})
	if err != nil {
		return pipeline.Status{}, err
	}
	var st pipeline.Status
	err = fromStruct(out, &st)
	return st, err
}

func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.rpc.Shutdown(ctx, &emptypb.Empty{})
	return err
}
