// Package runtime runs the reflections application behind an HTTP server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	app "github.com/civic-os/reflections/internal/app"
	"github.com/civic-os/reflections/internal/app/httpapi"
	"github.com/civic-os/reflections/internal/config"
	"github.com/civic-os/reflections/internal/logging"
)

const readHeaderTimeout = 10 * time.Second

// Server owns the application and the HTTP listener in front of it.
type Server struct {
	cfg        *config.Config
	log        *logging.Logger
	app        *app.Application
	httpServer *http.Server
}

// NewServer builds the application from cfg and prepares the HTTP server.
func NewServer(ctx context.Context, cfg *config.Config, deps app.Dependencies, log *logging.Logger) (*Server, error) {
	application, err := app.New(ctx, cfg, deps, log)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}
	return &Server{
		cfg: cfg,
		log: application.Logger().Named("server"),
		app: application,
		httpServer: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           httpapi.NewHandler(application),
			ReadHeaderTimeout: readHeaderTimeout,
			// no WriteTimeout: live state streams stay open
			IdleTimeout: 2 * time.Minute,
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
	}, nil
}

// Application exposes the wrapped application.
func (s *Server) Application() *app.Application { return s.app }

// Handler exposes the HTTP surface.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run starts the application and serves on ln (or the configured address
// when ln is nil) until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	if err := s.app.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Server.Addr)
		if err != nil {
			return errors.Join(fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err), s.stopApp())
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("http server listening")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return errors.Join(err, s.stopApp())
	}
}

// Shutdown stops accepting requests, closes live streams and drains
// pending award notifications within the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.log.Info("shutting down")
	// streams hold requests open, so close them before waiting on the server
	streamErr := s.app.Hub.Shutdown(shutdownCtx)
	httpErr := s.httpServer.Shutdown(shutdownCtx)
	appErr := s.app.Stop(shutdownCtx)
	return errors.Join(streamErr, httpErr, appErr)
}

func (s *Server) stopApp() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.app.Stop(ctx)
}
