// Package service runs the optional healthz and metrics endpoints while a
// run is in progress.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ethereum-optimism/infra/op-quarantine/metrics"
	"github.com/ethereum/go-ethereum/log"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = "8080"

	MetricsHost = "0.0.0.0"
	MetricsPort = "7300"

	shutdownTimeout = 5 * time.Second
)

// Config configures the service endpoints. Empty addresses use the defaults.
type Config struct {
	HealthzAddr string
	MetricsAddr string
	Log         log.Logger
}

type Service struct {
	Healthz *HealthzServer
	Metrics *MetricsServer

	healthzAddr string
	metricsAddr string
	log         log.Logger
}

func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.HealthzAddr == "" {
		cfg.HealthzAddr = net.JoinHostPort(HealthzHost, HealthzPort)
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = net.JoinHostPort(MetricsHost, MetricsPort)
	}
	logger := cfg.Log.New("component", "service")
	return &Service{
		Healthz:     NewHealthzServer(cfg.HealthzAddr, logger),
		Metrics:     NewMetricsServer(cfg.MetricsAddr),
		healthzAddr: cfg.HealthzAddr,
		metricsAddr: cfg.MetricsAddr,
		log:         logger,
	}
}

func (s *Service) Start() {
	s.log.Info("service starting")

	go func() {
		s.log.Info("starting healthz server", "addr", s.healthzAddr)
		if err := s.Healthz.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("error starting healthz server", "err", err)
			metrics.RecordErrorDetails("healthz_server", err)
		}
	}()

	go func() {
		s.log.Info("starting metrics server", "addr", s.metricsAddr)
		if err := s.Metrics.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("error starting metrics server", "err", err)
			metrics.RecordErrorDetails("metrics_server", err)
		}
	}()

	s.log.Info("service started")
}

func (s *Service) Shutdown(ctx context.Context) {
	s.log.Info("service shutting down")
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	_ = s.Healthz.Shutdown(ctx)
	s.log.Info("healthz stopped")

	_ = s.Metrics.Shutdown(ctx)
	s.log.Info("metrics stopped")

	s.log.Info("service stopped")
}
