package server

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeBreeder struct{ running atomic.Bool }

func (f *fakeBreeder) Running() bool { return f.running.Load() }

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthFollowsBreeder(t *testing.T) {
	b := &fakeBreeder{}
	b.running.Store(true)

	s := NewServer("127.0.0.1:0", b, time.Hour)
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	conn, err := grpc.NewClient(s.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, BreederService))

	b.running.Store(false)
	s.Refresh()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, BreederService))
}

func TestWatchLoopRefreshes(t *testing.T) {
	b := &fakeBreeder{}
	s := NewServer("127.0.0.1:0", b, 5*time.Millisecond)
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	conn, err := grpc.NewClient(s.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, BreederService))
	b.running.Store(true)
	assert.Eventually(t, func() bool {
		return check(t, client, BreederService) == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, time.Hour)
	require.NoError(t, s.Start())
	s.Stop(context.Background())
	s.Stop(context.Background())
}

func TestStartFailsOnBadAddress(t *testing.T) {
	s := NewServer("256.0.0.1:bad", nil, time.Hour)
	assert.Error(t, s.Start())
}
