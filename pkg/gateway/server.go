package gateway

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/relayd/pkg/config"
)

// Server pairs the gateway with its HTTP listeners and drives their
// lifecycle.
type Server struct {
	cfg        config.Config
	gw         *Gateway
	httpSrv    *http.Server
	metricsSrv *http.Server
}

func NewServer(cfg config.Config, opts Options) (*Server, error) {
	gw, err := New(cfg, opts)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg: cfg,
		gw:  gw,
		httpSrv: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if cfg.MetricsAddr != "" && opts.Metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", opts.Metrics.Handler())
		s.metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

func (s *Server) Gateway() *Gateway {
	if s == nil {
		return nil
	}
	return s.gw
}

// Run serves until ctx is cancelled or an interrupt arrives, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.gw == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	s.gw.Start(srvCtx)

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownBase := context.WithoutCancel(ctx)
		shutdownCtx, cancel := context.WithTimeout(shutdownBase, 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		if s.metricsSrv != nil {
			if err := s.metricsSrv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("metrics server shutdown error")
			}
		}
		if err := s.gw.Close(); err != nil {
			log.Error().Err(err).Msg("gateway close error")
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting relayd server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	if s.metricsSrv != nil {
		eg.Go(func() error {
			log.Info().Str("addr", s.metricsSrv.Addr).Msg("starting metrics server")
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics listen error")
				return err
			}
			return nil
		})
	}

	return eg.Wait()
}
