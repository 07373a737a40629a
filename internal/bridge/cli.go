package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// commandTimeout bounds how long a forwarded command may wait for the
// extension's response. A var so tests can shrink the wait.
var commandTimeout = 30 * time.Second

// runCLI serves one CLI connection: a single command, a single response.
// The CLI opens a fresh socket per command, so there is no read loop.
func (s *Server) runCLI(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	conn.SetReadDeadline(time.Time{})

	var req cliRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
		s.log.Debug("dropping malformed cli request")
		return
	}
	// Absent id defaults to 0, matching what callers that omit it expect
	// to see echoed back.
	if len(req.ID) == 0 {
		req.ID = json.RawMessage("0")
	}
	s.reg.Touch()

	level, allowed := classifyMethod(req.Method)
	if !allowed {
		s.log.Warn("method denied", "method", req.Method)
		s.writeRaw(conn, errorResponse(req.ID, codeMethodDenied, "Method not allowed: "+req.Method))
		return
	}

	pr := newPendingRequest()
	bridgeID := s.reg.Register(pr)
	s.audit.logCommand(req.Method, level, bridgeID)

	cmd, err := json.Marshal(extensionCommand{
		ID:        bridgeID,
		Method:    req.Method,
		Params:    req.Params,
		RiskLevel: level.String(),
	})
	if err != nil {
		s.reg.Remove(bridgeID)
		s.writeRaw(conn, errorResponse(req.ID, codeBridgeError, fmt.Sprintf("encode command: %v", err)))
		return
	}

	if err := s.reg.SendToExtension(cmd); err != nil {
		s.reg.Remove(bridgeID)
		s.writeRaw(conn, errorResponse(req.ID, codeBridgeError, err.Error()))
		return
	}

	timer := time.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case out := <-pr.done:
		if out.err != nil {
			s.writeRaw(conn, errorResponse(req.ID, codeBridgeError, out.err.Error()))
			return
		}
		s.writeRaw(conn, rewriteResponseID(out.payload, req.ID))
	case <-timer.C:
		s.reg.Remove(bridgeID)
		s.writeRaw(conn, errorResponse(req.ID, codeBridgeError, ErrCommandTimeout.Error()))
	}
}

// rewriteResponseID swaps the bridge-internal id in an extension response
// for the caller's original id before forwarding it.
func rewriteResponseID(payload json.RawMessage, callerID json.RawMessage) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return errorResponse(callerID, codeBridgeError, "malformed extension response")
	}
	fields["id"] = callerID
	data, err := json.Marshal(fields)
	if err != nil {
		return errorResponse(callerID, codeBridgeError, "malformed extension response")
	}
	return data
}

func (s *Server) writeRaw(conn *websocket.Conn, data []byte) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Debug("cli response write failed", "err", err)
	}
}
