package control

import (
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server publishes the readiness of one namespace. The health service name
// is the namespace name; it reports SERVING only while the supervisor is
// Ready.
type Server struct {
	service string
	log     *slog.Logger
	grpc    *grpc.Server
	health  *health.Server
	// stopGrace bounds how long Stop waits for open RPCs.
	stopGrace time.Duration
}

const defaultStopGrace = 2 * time.Second

// NewServer registers the health service with service starting NOT_SERVING.
func NewServer(service string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{service: service, log: log, grpc: gs, health: hs, stopGrace: defaultStopGrace}
}

// SetServing flips the namespace status. Watchers see every change.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.log.Debug("health status changed", "service", s.service, "status", status.String())
	s.health.SetServingStatus(s.service, status)
}

// Serve blocks until Stop is called or l fails.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info("control endpoint listening", "address", l.Addr().String(), "service", s.service)
	return s.grpc.Serve(l)
}

// Stop marks every service NOT_SERVING, so watchers learn the namespace is
// going away, then stops the server. Health watch streams never end on their
// own, so after stopGrace the remaining RPCs are cut and their clients see
// the stream close.
func (s *Server) Stop() {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	timer := time.NewTimer(s.stopGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Warn("closing health watchers still attached", "service", s.service)
		s.grpc.Stop()
		<-done
	}
}
