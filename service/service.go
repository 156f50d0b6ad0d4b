package service

import (
	"context"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/ethereum-optimism/infra/op-conform/metrics"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = "8080"
)

// Config selects which servers run. An empty address disables a server.
type Config struct {
	HealthzAddr string
	MetricsAddr string
}

// DefaultHealthzAddr is where liveness probes are answered by default
func DefaultHealthzAddr() string {
	return net.JoinHostPort(HealthzHost, HealthzPort)
}

type Service struct {
	cfg     Config
	Healthz *HealthzServer
	Metrics *MetricsServer
}

func New(cfg Config) *Service {
	return &Service{
		cfg:     cfg,
		Healthz: &HealthzServer{},
		Metrics: &MetricsServer{},
	}
}

// Start brings up the configured servers. A server that cannot listen is
// logged and recorded, but does not prevent the run.
func (s *Service) Start(ctx context.Context) {
	log.Info("service starting")

	if s.cfg.HealthzAddr != "" {
		if err := s.Healthz.Start(ctx, s.cfg.HealthzAddr); err != nil {
			log.Error("error starting healthz server", "err", err)
			metrics.RecordErrorDetails("healthz_start", err)
		} else {
			log.Info("started healthz server", "addr", s.Healthz.Addr())
		}
	}

	if s.cfg.MetricsAddr != "" {
		if err := s.Metrics.Start(ctx, s.cfg.MetricsAddr); err != nil {
			log.Error("error starting metrics server", "err", err)
			metrics.RecordErrorDetails("metrics_start", err)
		} else {
			log.Info("started metrics server", "addr", s.Metrics.Addr())
		}
	}

	log.Info("service started")
}

func (s *Service) Shutdown(ctx context.Context) {
	log.Info("service shutting down")

	if err := s.Healthz.Shutdown(ctx); err != nil {
		log.Warn("healthz shutdown failed", "err", err)
	}
	log.Info("healthz stopped")

	if err := s.Metrics.Shutdown(ctx); err != nil {
		log.Warn("metrics shutdown failed", "err", err)
	}
	log.Info("metrics stopped")

	log.Info("service stopped")
}

func listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return ln, nil
}

func serve(server *http.Server, ln net.Listener, name string) {
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server stopped unexpectedly", "server", name, "err", err)
		metrics.RecordErrorDetails(name+"_serve", err)
	}
}
