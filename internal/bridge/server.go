package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultPort is the well-known loopback port the bridge listens on.
const DefaultPort = 19222

// shutdownGrace is how long the server_shutdown notice gets to flush
// before the listener is torn down.
const shutdownGrace = 100 * time.Millisecond

// Server accepts WebSocket connections from the companion extension and
// from CLI clients and brokers commands between them.
type Server struct {
	reg      *Registry
	log      *slog.Logger
	audit    *commandAuditLogger
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
	port     int
}

func NewServer(port int, reg *Registry) *Server {
	s := &Server{
		reg:   reg,
		log:   slog.Default().With("component", "bridge"),
		audit: newCommandAuditLogger(),
		port:  port,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"))
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.server = &http.Server{Handler: mux}
	return s
}

// Start binds the loopback listener and begins serving. The bound port is
// written to the port marker file for discovery.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	if err := WritePortFile(s.port); err != nil {
		s.log.Warn("could not write port file", "err", err)
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("bridge server error", "err", err)
		}
	}()

	s.log.Info("bridge listening", "port", s.port, "version", ProtocolVersion)
	return nil
}

// Port returns the bound port. Valid after Start.
func (s *Server) Port() int {
	return s.port
}

// Shutdown notifies the extension, waits briefly for the notice to flush,
// then closes the listener and all connections.
func (s *Server) Shutdown(ctx context.Context) error {
	notice, _ := json.Marshal(serverNotice{Type: "server_shutdown", Reason: "bridge stopping"})
	if err := s.reg.SendToExtension(notice); err == nil {
		time.Sleep(shutdownGrace)
	}
	if ext := s.reg.TakeExtension(); ext != nil {
		ext.close()
	}
	s.reg.FailAllPending(ErrExtensionDisconnected)
	return s.server.Shutdown(ctx)
}

// handleWS upgrades a connection and hands it to the role-specific loop
// once the handshake succeeds.
func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	// The listener is loopback-bound, but verify the peer anyway in case
	// the socket was forwarded.
	remoteIP := req.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}
	if !isLoopbackIP(remoteIP) {
		s.log.Warn("rejected non-loopback connection", "remote", req.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error (bad origin included).
		s.log.Debug("upgrade failed", "remote", req.RemoteAddr, "err", err)
		return
	}

	s.serveConn(conn)
}

func (s *Server) serveConn(conn *websocket.Conn) {
	role, ok := s.completeHandshake(conn)
	if !ok {
		conn.Close()
		return
	}

	switch role {
	case RoleExtension:
		s.runExtension(conn)
	case RoleCLI:
		s.runCLI(conn)
	}
}
