package server

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

	"github.com/livedesk/handoff/pkg/bus"
	"github.com/livedesk/handoff/pkg/persistence/chatstore"
)

// Options wires the server's collaborators. Bus and Store are required.
type Options struct {
	Addr        string
	Bus         *bus.Bus
	Store       chatstore.Store
	IdleTimeout time.Duration
}

type Server struct {
	httpSrv *http.Server
	hub     *Hub
	store   chatstore.Store
	idem    *idempotencyCache
}

func New(opts Options) (*Server, error) {
	if opts.Bus == nil {
		return nil, errors.New("server: bus is nil")
	}
	if opts.Store == nil {
		return nil, errors.New("server: store is nil")
	}
	addr := opts.Addr
	if addr == "" {
		addr = ":8088"
	}
	s := &Server{
		hub:   NewHub(opts.Bus, opts.IdleTimeout),
		store: opts.Store,
		idem:  newIdempotencyCache(defaultIdempotencyTTL),
	}
	mux := http.NewServeMux()
	s.registerHandlers(mux)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the mux for httptest-style embedding.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run serves until ctx is cancelled or an interrupt arrives, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			log.Info().Str("component", "server").Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("component", "server").Msg("server shutdown error")
			return err
		}
		s.hub.Close()
		if err := s.store.Close(); err != nil {
			log.Error().Err(err).Str("component", "server").Msg("store close error")
		}
		log.Info().Str("component", "server").Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("component", "server").Str("addr", s.httpSrv.Addr).Msg("starting handoff server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("component", "server").Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}
