package server

import (
	"context"
	"errors"
	"io"

	"github.com/hyperjump/cgrcompute/internal/models"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Client calls a running server over gRPC.
type Client struct {
	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, health: grpc_health_v1.NewHealthClient(conn)}, nil
}

// Recommend calls CourseRecommendation/Recommend.
func (c *Client) Recommend(ctx context.Context, req *models.RecommendationRequest) (*models.RecommendationResponse, error) {
	resp := new(models.RecommendationResponse)
	if err := c.conn.Invoke(ctx, RecommendMethod, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

// Check returns the serving status of service.
func (c *Client) Check(ctx context.Context, service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Watch calls fn with every status the server streams for service until fn
// returns false, the stream ends or ctx is done.
func (c *Client) Watch(ctx context.Context, service string, fn func(grpc_health_v1.HealthCheckResponse_ServingStatus) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := c.health.Watch(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return err
	}
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !fn(resp.GetStatus()) {
			return nil
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
