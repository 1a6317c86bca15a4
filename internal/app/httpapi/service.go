// Package httpapi exposes the coordinator's read API and the admin
// mutations it gates behind a shared key.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	app "github.com/modelcoordinator/coordinator/internal/app"
	"github.com/modelcoordinator/coordinator/internal/app/metrics"
	"github.com/modelcoordinator/coordinator/internal/app/system"
	"github.com/modelcoordinator/coordinator/pkg/config"
	"github.com/modelcoordinator/coordinator/pkg/logger"
)

// Service serves the HTTP read/admin API and fits into the system manager
// lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// NewService builds the routed, auth-wrapped, metrics-instrumented handler
// for application.
func NewService(application *app.Application, cfg *config.Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}

	addr := strings.TrimSpace(cfg.Server.Host)
	if addr == "" {
		addr = "0.0.0.0"
	}
	if cfg.Server.Port != 0 {
		addr = addr + ":" + itoa(cfg.Server.Port)
	} else {
		addr = addr + ":8080"
	}

	h := newHandler(application)
	var handler http.Handler = h
	handler = wrapWithAuth(handler, cfg.API)
	handler = metrics.InstrumentHandler(handler)

	return &Service{addr: addr, handler: handler, log: log}
}

var _ system.Service = (*Service)(nil)

// Name identifies the service for the lifecycle manager.
func (s *Service) Name() string { return "http-api" }

// Addr returns the listen address the service was configured with.
func (s *Service) Addr() string { return s.addr }

// Start begins serving HTTP traffic in the background.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server exited")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
