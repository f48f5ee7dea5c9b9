package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/remoteserver/internal/core/admin"
	"github.com/zeusync/remoteserver/internal/core/maintenance"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
	"github.com/zeusync/remoteserver/internal/core/protocol/middlewares"
	pws "github.com/zeusync/remoteserver/internal/core/protocol/websocket"
	"github.com/zeusync/remoteserver/internal/core/registry"
	"github.com/zeusync/remoteserver/internal/core/serialization"
)

const shutdownTimeout = 10 * time.Second

// Server represents a remote connection server
type Server struct {
	// Core components
	gate       serialization.Gate
	registry   *registry.Registry[*ClientSession]
	reaper     *maintenance.Reaper
	admin      *admin.Admin
	dispatcher *Dispatcher
	metrics    *middlewares.MetricsMiddleware
	info       admin.ServerInformation

	// Server state
	running atomic.Bool
	closed  atomic.Bool

	// Configuration and logging
	config Config
	logger log.Log

	// Listeners, valid while running
	mu             sync.Mutex
	clientListener net.Listener
	adminListener  net.Listener
	cancel         context.CancelFunc
	stopChan       chan struct{}
	done           chan struct{}
	runErr         error
}

func NewServer(
	config Config,
	logger log.Log,
	gate serialization.Gate,
	sessions *registry.Registry[*ClientSession],
	reaper *maintenance.Reaper,
	adm *admin.Admin,
	dispatcher *Dispatcher,
	metrics *middlewares.MetricsMiddleware,
	info admin.ServerInformation,
) *Server {
	server := &Server{
		gate:       gate,
		registry:   sessions,
		reaper:     reaper,
		admin:      adm,
		dispatcher: dispatcher,
		metrics:    metrics,
		info:       info,
		config:     config,
		logger:     logger.With(log.String("component", "server")),
	}

	server.logger.Info("Server created",
		log.String("server_id", info.ID.String()),
		log.String("listen_addr", config.ListenAddr),
		log.Int("connection_limit", config.ConnectionLimit))

	return server
}

// Start opens the listeners and starts serving in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	s.logger.Info("Starting server")

	var lc net.ListenConfig
	clientListener, err := lc.Listen(ctx, "tcp", s.config.ListenAddr)
	if err != nil {
		s.running.Store(false)
		s.logger.Error("Failed to create listener", log.Error(err))
		return err
	}
	var adminListener net.Listener
	if s.config.AdminAddr != "" {
		if adminListener, err = lc.Listen(ctx, "tcp", s.config.AdminAddr); err != nil {
			_ = clientListener.Close()
			s.running.Store(false)
			s.logger.Error("Failed to create admin listener", log.Error(err))
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopChan := make(chan struct{})
	done := make(chan struct{})

	mux := http.NewServeMux()
	mux.Handle(ConnectPath, &clientChannel{
		registry:   s.registry,
		dispatcher: s.dispatcher,
		serverID:   s.info.ID.String(),
		config: pws.Config{
			WriteTimeout:   s.config.WriteTimeout,
			MaxMessageSize: s.config.MaxMessageSize,
		},
		logger: s.logger.With(log.String("channel", "client")),
	})
	servers := []*http.Server{{Handler: mux, ReadHeaderTimeout: 10 * time.Second}}
	listeners := []net.Listener{clientListener}
	if adminListener != nil {
		servers = append(servers, &http.Server{
			Handler:           newAdminChannel(s.admin, s.metrics, s.config, stopChan, s.logger),
			ReadHeaderTimeout: 10 * time.Second,
		})
		listeners = append(listeners, adminListener)
	}

	g, gctx := errgroup.WithContext(runCtx)
	for i, srv := range servers {
		ln := listeners[i]
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		return s.reaper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		close(stopChan)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errList []error
		for _, srv := range servers {
			errList = append(errList, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errList...)
	})

	s.mu.Lock()
	s.clientListener, s.adminListener = clientListener, adminListener
	s.cancel, s.stopChan, s.done = cancel, stopChan, done
	s.mu.Unlock()

	go func() {
		s.runErr = g.Wait()
		close(done)
	}()

	fields := []log.Field{log.String("addr", clientListener.Addr().String())}
	if adminListener != nil {
		fields = append(fields, log.String("admin_addr", adminListener.Addr().String()))
	}
	s.logger.Info("Server listening", fields...)

	return nil
}

// Stop stops serving, disconnects every client, closes the login proxies
// and flushes the serialization gate. A stopped server cannot be restarted.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrServerNotRunning
	}
	s.closed.Store(true)

	s.logger.Info("Stopping server")

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	errList := []error{s.runErr, s.registry.Close(ctx)}
	if closer, ok := s.gate.(io.Closer); ok {
		errList = append(errList, closer.Close())
	}
	err := errors.Join(errList...)
	if err != nil {
		s.logger.Error("Server stopped with errors", log.Error(err))
	} else {
		s.logger.Info("Server stopped")
	}
	_ = s.logger.Sync()
	return err
}

// Run starts the server and blocks until ctx is done or serving fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-done:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil && !errors.Is(err, ErrServerNotRunning) {
		return err
	}
	return nil
}

// Addr is the client listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientListener == nil {
		return nil
	}
	return s.clientListener.Addr()
}

// AdminAddr is the admin listener address, nil when administration is off.
func (s *Server) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminListener == nil {
		return nil
	}
	return s.adminListener.Addr()
}

func (s *Server) Information() admin.ServerInformation {
	return s.info
}

func (s *Server) Admin() *admin.Admin {
	return s.admin
}

func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}
