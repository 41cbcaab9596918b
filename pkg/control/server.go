// Package control is the subtask's optional external control surface: an
// HTTP liveness/readiness/metrics endpoint and a gRPC health service, so a
// coordinator or orchestrator can observe a subtask process without going
// through the Control API's in-process method calls (spec §6). Ported from
// the teacher's pkg/api.HealthServer (HTTP) and pkg/api.Server (gRPC+mTLS),
// generalized from cluster-wide Raft/manager checks to single-subtask
// lifecycle state.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/shengquan-ni/flink-exp/pkg/logging"
	"github.com/shengquan-ni/flink-exp/pkg/metrics"
)

// StatusProvider reports whether the owning subtask is ready to accept
// external signals, and the reason if not. Implemented by pkg/subtask.
type StatusProvider interface {
	Ready() (ready bool, reason string)
}

// Server hosts the HTTP health/metrics endpoint and, optionally, a TLS gRPC
// health service alongside it.
type Server struct {
	status StatusProvider
	logger zerolog.Logger

	httpSrv *http.Server
	grpcSrv *grpc.Server
	health  *health.Server
}

// NewServer builds a control Server backed by status.
func NewServer(status StatusProvider) *Server {
	return &Server{
		status: status,
		logger: logging.WithComponent("control"),
		health: health.NewServer(),
	}
}

// StartHTTP starts the HTTP liveness/readiness/metrics listener on addr. It
// blocks until the listener is closed; call it from its own goroutine.
func (s *Server) StartHTTP(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", metrics.Handler())

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("control HTTP listener starting")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// StartGRPC starts the gRPC health listener on addr. If ca is non-nil, the
// listener requires TLS with a certificate issued from ca; otherwise it
// serves plaintext (suitable for a loopback-only control surface).
func (s *Server) StartGRPC(addr string, ca *CertAuthority) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listening on %s: %w", addr, err)
	}

	var opts []grpc.ServerOption
	if ca != nil {
		cert, err := ca.IssueServerCertificate([]string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
		if err != nil {
			return fmt.Errorf("control: issuing server certificate: %w", err)
		}
		creds := credentials.NewServerTLSFromCert(cert)
		opts = append(opts, grpc.Creds(creds))
	}

	s.grpcSrv = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpcSrv, s.health)
	s.SetServingStatus(healthpb.HealthCheckResponse_SERVING)

	s.logger.Info().Str("addr", addr).Msg("control gRPC health listener starting")
	return s.grpcSrv.Serve(lis)
}

// SetServingStatus updates the gRPC health service's overall status.
func (s *Server) SetServingStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
}

// Stop gracefully shuts down both listeners. Safe to call even if one or
// both were never started.
func (s *Server) Stop(ctx context.Context) {
	if s.grpcSrv != nil {
		s.SetServingStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		s.grpcSrv.GracefulStop()
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type readyResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "healthy", Timestamp: time.Now()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ready, reason := s.status.Ready()
	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(readyResponse{Status: status, Timestamp: time.Now(), Reason: reason})
}
