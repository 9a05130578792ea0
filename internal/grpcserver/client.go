package grpcserver

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxMessageSize bounds a GetRun reply carrying a full series.
const maxMessageSize = 64 * 1024 * 1024

// Dial connects to a Verifier service. Without useTLS the connection is
// plaintext.
func Dial(addr string, useTLS bool) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption
	if useTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMessageSize)),
	)
	return grpc.NewClient(addr, opts...)
}

// Client calls the Verifier service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) call(ctx context.Context, method string, in map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// ListRuns returns up to limit recent runs.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]map[string]any, error) {
	out, err := c.call(ctx, MethodListRuns, map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	raw, _ := out["runs"].([]any)
	runs := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			runs = append(runs, m)
		}
	}
	return runs, nil
}

// GetRun fetches a run, optionally with its series.
func (c *Client) GetRun(ctx context.Context, id string, withSeries bool) (map[string]any, error) {
	return c.call(ctx, MethodGetRun, map[string]any{"id": id, "series": withSeries})
}

// Analyze starts an analysis and calls onEvent for every streamed event. The
// last event has type "result".
func (c *Client) Analyze(ctx context.Context, req map[string]any, onEvent func(map[string]any)) error {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return err
	}
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], MethodAnalyze)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		ev := new(structpb.Struct)
		err := stream.RecvMsg(ev)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		onEvent(ev.AsMap())
	}
}
