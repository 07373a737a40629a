package bridge

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// runExtension owns an authenticated extension socket until it drops.
// Writes go through a dedicated writer goroutine draining the outbound
// queue; this goroutine only reads.
func (s *Server) runExtension(conn *websocket.Conn) {
	ec := newExtensionConn(uuid.NewString())

	if old := s.reg.InstallExtension(ec); old != nil {
		// Newest connection wins; shut the previous writer down.
		s.log.Info("extension replaced", "old_conn", truncateID(old.id), "conn", truncateID(ec.id))
		old.close()
	} else {
		s.log.Info("extension connected", "conn", truncateID(ec.id))
	}

	go s.extensionWriter(conn, ec)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.reg.Touch()
		s.handleExtensionFrame(data)
	}

	// Only the connection that still holds the slot drains pending
	// requests. A replaced connection tearing down later must not fail
	// requests that belong to its successor.
	if s.reg.ClearExtension(ec.id) {
		if failed := s.reg.FailAllPending(ErrExtensionDisconnected); failed > 0 {
			s.log.Warn("extension disconnected with requests in flight",
				"conn", truncateID(ec.id), "failed", failed)
		} else {
			s.log.Info("extension disconnected", "conn", truncateID(ec.id))
		}
	}
	ec.close()
	conn.Close()
}

// extensionWriter forwards queued frames until the connection is torn
// down, then sends a normal close-frame.
func (s *Server) extensionWriter(conn *websocket.Conn, ec *extensionConn) {
	for {
		select {
		case data := <-ec.out:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				conn.Close()
				return
			}
		case <-ec.stop:
			deadline := time.Now().Add(time.Second)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), deadline)
			conn.Close()
			return
		}
	}
}

// handleExtensionFrame routes one inbound extension frame. Frames carrying
// a numeric id are responses to forwarded commands; anything else is an
// unsolicited event.
func (s *Server) handleExtensionFrame(data []byte) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		s.log.Debug("dropping unparseable extension frame", "bytes", len(data))
		return
	}

	var id uint64
	if len(probe.ID) == 0 || json.Unmarshal(probe.ID, &id) != nil {
		s.log.Debug("extension event", "bytes", len(data))
		return
	}

	if !s.reg.Resolve(id, data) {
		// Late or duplicate response; its waiter already timed out.
		s.log.Warn("no pending request for extension response", "request_id", id)
	}
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
