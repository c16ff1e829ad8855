package rpc

import (
	"context"
	"fmt"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls junctiond.JunctionService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's unix socket.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	abs, err := filepath.Abs(socketPath)
	if err != nil {
		return nil, err
	}
	return NewClient("unix://"+abs, opts...)
}

// NewClient connects to target. The JSON content subtype and insecure
// transport credentials are always applied.
func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to junctiond at %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Spawn(ctx context.Context, req *FunctionData) (*StatusReply, error) {
	out := new(StatusReply)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Spawn", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Remove(ctx context.Context, name string) (*StatusReply, error) {
	out := new(StatusReply)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Remove", &FunctionName{Name: name}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) List(ctx context.Context) (*FunctionList, error) {
	out := new(FunctionList)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/List", &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
