package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// handshakeTimeout bounds how long a fresh connection may sit silent
// before we give up on its hello frame.
const handshakeTimeout = 5 * time.Second

// completeHandshake reads and validates the hello frame on a new
// connection. It returns the negotiated role, or ok=false after writing
// any applicable hello_error (malformed input gets a silent close).
func (s *Server) completeHandshake(conn *websocket.Conn) (role string, ok bool) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}
	conn.SetReadDeadline(time.Time{})

	var hello helloMessage
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != "hello" {
		// Not a hello. Whatever this is, it gets no diagnostic that could
		// help a prober fingerprint the bridge.
		s.log.Debug("handshake rejected: malformed first frame")
		return "", false
	}

	// Version before token: an outdated extension should learn it needs an
	// update, not chase an auth failure caused by a rotated token format.
	if !versionSupported(hello.Version) {
		s.log.Warn("handshake rejected: version mismatch",
			"client_version", hello.Version, "required", MinExtensionVersion)
		s.writeJSON(conn, helloError{
			Type:            "hello_error",
			Error:           "version_mismatch",
			Message:         fmt.Sprintf("protocol version %s is not supported", hello.Version),
			RequiredVersion: MinExtensionVersion,
		})
		return "", false
	}

	if !s.reg.CheckToken(hello.Token) {
		s.log.Warn("handshake rejected: invalid token", "role", hello.Role)
		s.writeJSON(conn, helloError{
			Type:    "hello_error",
			Error:   "invalid_token",
			Message: "session token rejected",
		})
		return "", false
	}

	if err := s.writeJSON(conn, helloAck{Type: "hello_ack", Version: ProtocolVersion}); err != nil {
		return "", false
	}
	s.reg.Touch()

	// Authentication succeeded, so the client gets its ack; a role we do
	// not serve is dropped at dispatch rather than mid-handshake.
	if hello.Role != RoleExtension && hello.Role != RoleCLI {
		s.log.Warn("dropping connection with unknown role", "role", hello.Role)
		return "", false
	}

	return hello.Role, true
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(v)
}
