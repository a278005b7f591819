// Package client talks to a running daemon over its unix socket.
package client

import (
	"context"
	"fmt"

	"github.com/matheus3301/conversa/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's unix domain socket. The connection is lazy: an
// absent daemon surfaces on the first call.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Call invokes a unary control method.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Events is an open WatchEvents stream.
type Events struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event envelope.
func (e *Events) Recv() (map[string]any, error) {
	out := new(structpb.Struct)
	if err := e.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Watch opens a WatchEvents stream. Empty namespaces selects the daemon's
// defaults. Cancel ctx to close it.
func (c *Client) Watch(ctx context.Context, namespaces ...string) (*Events, error) {
	req := map[string]any{}
	if len(namespaces) > 0 {
		ns := make([]any, 0, len(namespaces))
		for _, n := range namespaces {
			ns = append(ns, n)
		}
		req["namespaces"] = ns
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}

	stream, err := c.conn.NewStream(ctx, &api.ControlServiceDesc.Streams[0], api.FullMethod(api.MethodWatchEvents))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Events{stream: stream}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
