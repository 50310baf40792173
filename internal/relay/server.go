// Package relay implements the server side of the streaming protocol:
// it accepts websocket connections, bridges each one to a desktop
// session on the configured backend, forwards input events down and
// streams screen updates back up.
package relay

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"vncrelay_go/internal/backend"
	"vncrelay_go/internal/shared/logger"
	"vncrelay_go/internal/shared/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts client connections and bridges each to one Session.
type Server struct {
	cfg     *types.Config
	backend backend.SessionBackend

	conns sync.Map // connection id -> *Connection

	listener   net.Listener
	httpServer *http.Server
	waitGroup  sync.WaitGroup
	stopOnce   sync.Once
	done       chan struct{}
}

// New creates a Server bound to the given backend. Run starts it.
func New(cfg *types.Config, b backend.SessionBackend) *Server {
	return &Server{
		cfg:     cfg,
		backend: b,
		done:    make(chan struct{}),
	}
}

// Handler returns the HTTP handler serving the /vnc upgrade endpoint and
// /metrics. Exposed so tests can mount it on an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/vnc", s.handleVNC)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run listens on the configured port and serves until Stop is called.
func (s *Server) Run() error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.RelayConf.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay failed to listen on %s: %w", addr, err)
	}
	if s.cfg.CommonConf.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.cfg.CommonConf.MaxConnections)
	}
	if s.cfg.RelayConf.ProxyProtocol {
		listener = &proxyproto.Listener{Listener: listener}
	}
	s.listener = listener

	logger.Info().Str("listen_addr", listener.Addr().String()).Msg(">>> Relay is listening.")

	s.startIdleSweep()

	s.httpServer = &http.Server{Handler: s.Handler()}
	if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop cancels all per-connection producers, closes every socket and
// shuts the listener down. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.conns.Range(func(_, value any) bool {
			value.(*Connection).Close()
			return true
		})
		if s.httpServer != nil {
			s.httpServer.Close()
		}
		s.waitGroup.Wait()
		logger.Info().Msg("Relay fully stopped.")
	})
}

// handleVNC upgrades the request and runs the connection's read loop.
func (s *Server) handleVNC(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	conn := newConnection(s, ws)
	s.conns.Store(conn.id, conn)
	metricActiveConnections.Inc()
	logger.Info().Str("conn_id", conn.id).Str("remote_addr", r.RemoteAddr).Msg("Client connected")

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error().Str("conn_id", conn.id).Msgf("Panic recovered in connection handler: %v", rec)
			}
			conn.Close()
		}()
		conn.run()
	}()
}

func (s *Server) removeConnection(id string) {
	if _, loaded := s.conns.LoadAndDelete(id); loaded {
		metricActiveConnections.Dec()
	}
}

// startIdleSweep launches the sweep goroutine when an idle timeout is
// configured.
func (s *Server) startIdleSweep() {
	if s.cfg.RelayConf.IdleTimeoutSec <= 0 {
		return
	}
	s.waitGroup.Add(1)
	go s.idleSweepLoop(time.Duration(s.cfg.RelayConf.IdleTimeoutSec) * time.Second)
}

// idleSweepLoop closes connections whose last activity is older than the
// configured idle timeout.
func (s *Server) idleSweepLoop(timeout time.Duration) {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-timeout)
			s.conns.Range(func(_, value any) bool {
				conn := value.(*Connection)
				if conn.lastActivity().Before(cutoff) {
					logger.Info().Str("conn_id", conn.id).Msg("Closing idle connection")
					conn.Close()
				}
				return true
			})
		}
	}
}

// isClosedConnError reports whether err is the shutdown-path error of a
// listener or socket being closed underneath us.
func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
