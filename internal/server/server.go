// ============================================================================
// tileseed gRPC server - health and reflection
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: expose breeder liveness through the standard gRPC health service
//
// Services:
//   grpc.health.v1.Health  ""                  overall status
//                          "tileseed.Breeder"  SERVING while the breeder runs
//   reflection
//
// The watch loop polls the breeder every RefreshInterval and flips the
// status; Stop marks everything NOT_SERVING before the graceful stop so
// watchers see the change.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

var log = slog.Default()

// BreederService is the health service name reporting breeder liveness.
const BreederService = "tileseed.Breeder"

// Liveness reports whether the component behind a health service is up.
type Liveness interface {
	Running() bool
}

// Server serves gRPC health checks.
type Server struct {
	addr     string
	live     Liveness
	interval time.Duration

	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer builds a server for addr. interval <= 0 defaults to one second.
func NewServer(addr string, live Liveness, interval time.Duration) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	return &Server{
		addr:       addr,
		live:       live,
		interval:   interval,
		grpcServer: gs,
		health:     hs,
		stopCh:     make(chan struct{}),
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = lis
	s.Refresh()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("gRPC server error", "error", err)
		}
	}()
	go s.watchLoop()

	log.Info("gRPC health server listening", "addr", lis.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Refresh sets the serving status from the breeder's liveness.
func (s *Server) Refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.live != nil && s.live.Running() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(BreederService, status)
}

func (s *Server) watchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}

// Stop reports NOT_SERVING and stops gracefully, forcing the stop when ctx
// ends first.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.health.Shutdown()

		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			log.Warn("Graceful stop timed out, forcing")
			s.grpcServer.Stop()
			<-done
		}
		s.wg.Wait()
	})
}
