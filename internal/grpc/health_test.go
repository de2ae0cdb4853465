package grpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/autolib/services/lending/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

type stubPinger struct{ err error }

func (p *stubPinger) Ping() error { return p.err }

type stubPublisher struct{ healthy bool }

func (p *stubPublisher) IsHealthy() bool { return p.healthy }

func setupHealthServer(t *testing.T, pinger *stubPinger, publisher *stubPublisher) grpc_health_v1.HealthClient {
	t.Helper()
	log := logger.NewLogger("test", "error", "json")

	lis := bufconn.Listen(bufSize)
	s := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(log)))
	grpc_health_v1.RegisterHealthServer(s, NewHealthServer(pinger, publisher, log))

	go func() {
		_ = s.Serve(lis)
	}()
	t.Cleanup(s.Stop)

	bufDialer := func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(bufDialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return grpc_health_v1.NewHealthClient(conn)
}

func TestHealthCheckServing(t *testing.T) {
	client := setupHealthServer(t, &stubPinger{}, &stubPublisher{healthy: true})

	resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}

func TestHealthCheckDatabaseDown(t *testing.T) {
	client := setupHealthServer(t, &stubPinger{err: errors.New("connection refused")}, &stubPublisher{healthy: true})

	resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestHealthWatchPublisherDown(t *testing.T) {
	client := setupHealthServer(t, &stubPinger{}, &stubPublisher{healthy: false})

	stream, err := client.Watch(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)

	resp, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestHealthyReason(t *testing.T) {
	h := NewHealthServer(&stubPinger{}, &stubPublisher{healthy: false}, logger.NewLogger("test", "error", "json"))

	ok, reason := h.Healthy()
	assert.False(t, ok)
	assert.Equal(t, "rabbitmq connection failed", reason)
}
