package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ErrUnknownService is returned when the supervisor does not know the
// namespace, which means it is not running for that name.
var ErrUnknownService = errors.New("supervisor does not serve this namespace")

// Client queries one namespace's health.
type Client struct {
	service string
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
}

// Dial prepares a client. No connection is made until the first call.
func Dial(addr Addr, service string) (*Client, error) {
	conn, err := grpc.NewClient("passthrough:///"+addr.String(),
		grpc.WithContextDialer(addr.dial),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	return &Client{service: service, conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Check returns the current status once.
func (c *Client) Check(ctx context.Context) (*healthpb.HealthCheckResponse, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: c.service})
	if status.Code(err) == codes.NotFound {
		return nil, ErrUnknownService
	}
	if err != nil {
		return nil, fmt.Errorf("health check for %s failed: %w", c.service, err)
	}
	return resp, nil
}

// WaitReady blocks until the namespace reports SERVING. It tolerates the
// supervisor not listening yet and gives up after timeout.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		err := c.Watch(ctx, func(s healthpb.HealthCheckResponse_ServingStatus) bool {
			return s != healthpb.HealthCheckResponse_SERVING
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("namespace %s not ready within %s: %w", c.service, timeout, err)
		}
		// Stream ended without SERVING; the supervisor restarted or shut
		// down. Wait for it to come back.
		select {
		case <-ctx.Done():
			return fmt.Errorf("namespace %s not ready within %s: %w", c.service, timeout, err)
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Watch streams status changes to fn until fn returns false, in which case
// Watch returns nil. The stream ending for any other reason is an error.
func (c *Client) Watch(ctx context.Context, fn func(healthpb.HealthCheckResponse_ServingStatus) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.health.Watch(ctx, &healthpb.HealthCheckRequest{Service: c.service}, grpc.WaitForReady(true))
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", c.service, err)
	}
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return errors.New("health stream closed by supervisor")
		}
		if err != nil {
			return fmt.Errorf("health stream for %s: %w", c.service, err)
		}
		if !fn(resp.GetStatus()) {
			return nil
		}
	}
}
