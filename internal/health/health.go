// Package health publishes service health over the standard gRPC health
// protocol. The overall status follows the durable store; the cache is
// reported separately because the engine keeps working without it.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// QuizService is the per-service name reported for the quiz engine.
	QuizService = "brainbolt.Quiz"
	// CacheService is the per-service name reported for the cache.
	CacheService = "brainbolt.Cache"

	pingTimeout = 2 * time.Second
)

// Pinger verifies connectivity to a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor keeps a gRPC health server in sync with dependency pings.
type Monitor struct {
	hs    *health.Server
	db    Pinger
	cache Pinger
}

// NewMonitor creates a monitor. Everything reports NOT_SERVING until the
// first Check.
func NewMonitor(db, cache Pinger) *Monitor {
	hs := health.NewServer()
	for _, svc := range []string{"", QuizService, CacheService} {
		hs.SetServingStatus(svc, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	return &Monitor{hs: hs, db: db, cache: cache}
}

// Server returns the underlying health server.
func (m *Monitor) Server() *health.Server {
	return m.hs
}

// Check pings every dependency once and updates the published statuses.
// It returns the durable store error, if any.
func (m *Monitor) Check(ctx context.Context) error {
	dbErr := ping(ctx, m.db)
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if dbErr != nil {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		slog.Warn("Health check: database unreachable", "error", dbErr)
	}
	m.hs.SetServingStatus("", status)
	m.hs.SetServingStatus(QuizService, status)

	cacheStatus := grpc_health_v1.HealthCheckResponse_SERVING
	if err := ping(ctx, m.cache); err != nil {
		cacheStatus = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		slog.Warn("Health check: cache unreachable", "error", err)
	}
	m.hs.SetServingStatus(CacheService, cacheStatus)

	return dbErr
}

func ping(ctx context.Context, p Pinger) error {
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return p.Ping(ctx)
}

// Run checks immediately and then every interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	_ = m.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = m.Check(ctx)
		case <-ctx.Done():
			m.hs.Shutdown()
			return
		}
	}
}

// Serve exposes the monitor's health service on addr until ctx is canceled.
func Serve(ctx context.Context, addr string, m *Monitor) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, m.hs)

	slog.Info("gRPC health server listening", "addr", listener.Addr().String())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		m.hs.Shutdown()
		grpcServer.GracefulStop()
		err = <-serveErr
	case err = <-serveErr:
	}
	if err == nil || errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return fmt.Errorf("serve gRPC health: %w", err)
}
