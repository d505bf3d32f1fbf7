// Package server exposes the battle engine over HTTP/JSON and gRPC.
package server

import (
	"CaseBattle/internal/battle"
	"CaseBattle/internal/observability"
	"CaseBattle/internal/pricing"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// FairValuer prices a single item.
type FairValuer interface {
	FairValue(ctx context.Context, itemID string) (pricing.Result, error)
}

// Deps holds everything the handlers call into.
type Deps struct {
	Orchestrator  *battle.Orchestrator
	Settler       battle.Settler
	Prices        FairValuer
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// Server wraps the gRPC server (health and reflection) and the HTTP
// gateway mux serving the battle API.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	handler      http.Handler
	logger       zerolog.Logger
}

func New(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	grpcServer := grpc.NewServer()

	// Health follows readiness; NOT_SERVING until the process is up.
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if deps.HealthChecker != nil {
		deps.HealthChecker.OnChange(func(ready bool) {
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if ready {
				status = healthpb.HealthCheckResponse_SERVING
			}
			healthServer.SetServingStatus("", status)
		})
		if deps.HealthChecker.IsReady() {
			healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		}
	}

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	mux := runtime.NewServeMux()
	api := &api{
		orch:     deps.Orchestrator,
		settler:  deps.Settler,
		prices:   deps.Prices,
		validate: newValidator(),
		logger:   deps.Logger,
	}
	if err := api.register(mux); err != nil {
		return nil, fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		handler:      httpMux,
		logger:       deps.Logger,
	}, nil
}

// Handler is the HTTP handler, including health endpoints.
func (s *Server) Handler() http.Handler { return s.handler }

// StartGRPC listens on the configured address and serves until ctx is done.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on lis (blocking).
func (s *Server) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the JSON API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
