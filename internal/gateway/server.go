package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/octopusgw/octopus/internal/admin"
	"github.com/octopusgw/octopus/internal/config"
	"github.com/octopusgw/octopus/internal/logging"
)

// Server runs the gateway listener, the admin listener and the config
// watcher, and coordinates graceful shutdown.
type Server struct {
	gateway     *Gateway
	config      *config.Config
	configPath  string
	httpServer  *http.Server
	adminServer *http.Server
	watcher     *config.Watcher
}

// NewServer creates the server around a configured gateway.
// configPath enables live reload; empty disables watching.
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		config:     cfg,
		configPath: configPath,
		httpServer: &http.Server{
			Addr:              cfg.Server.Address,
			Handler:           gw,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		},
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      admin.New(gw.Router(), gw.Registry(), gw.Metrics()),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Run serves until a SIGINT/SIGTERM arrives or a listener fails, then
// drains in-flight requests within the configured drain timeout.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.configPath != "" {
		if err := s.startWatcher(); err != nil {
			return err
		}
		defer s.watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("gateway listening", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.adminServer != nil {
		g.Go(func() error {
			logging.Info("admin listening", zap.String("address", s.adminServer.Addr))
			if err := s.adminServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	err := g.Wait()
	s.gateway.Close()
	return err
}

// shutdown drains both listeners within the drain timeout.
func (s *Server) shutdown() error {
	timeout := s.config.Server.DrainTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	logging.Info("shutting down", zap.Duration("drain_timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// startWatcher reloads configuration on file change. A bad config is
// logged and dropped; the running config keeps serving.
func (s *Server) startWatcher() error {
	w, err := config.NewWatcher(s.configPath)
	if err != nil {
		return err
	}
	w.OnChange(func(cfg *config.Config) {
		if err := s.gateway.Apply(cfg); err != nil {
			logging.Error("config reload rejected", zap.Error(err))
			return
		}
		s.config = cfg
		logging.Info("config reloaded",
			zap.Int("routes", len(cfg.Routes)),
			zap.Int("clusters", len(cfg.Clusters)))
	})
	if err := w.Start(); err != nil {
		return err
	}
	s.watcher = w
	return nil
}
