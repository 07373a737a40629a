// Package client is the CLI side of the bridge protocol: dial, handshake,
// send one command, read one response.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabwire/tabwire/internal/bridge"
)

// responseTimeout is slightly longer than the bridge's own 30s command
// timeout so the bridge's error arrives before we give up locally.
const responseTimeout = 35 * time.Second

// BridgeError is an error response from the bridge or extension.
type BridgeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge error %d: %s", e.Code, e.Message)
}

type helloFrame struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Token   string `json:"token,omitempty"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type commandFrame struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type responseFrame struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *BridgeError    `json:"error,omitempty"`
}

// Send connects to the bridge on port, runs the handshake with the
// persisted session token, forwards one command, and returns its result.
func Send(ctx context.Context, port int, method string, params any) (json.RawMessage, error) {
	token, err := bridge.ReadTokenFile()
	if err != nil {
		return nil, fmt.Errorf("no bridge session token (is the bridge running?): %w", err)
	}

	url := fmt.Sprintf("ws://127.0.0.1:%d/", port)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot reach bridge on port %d: %w", port, err)
	}
	defer conn.Close()

	if err := handshake(conn, token); err != nil {
		return nil, err
	}

	if err := writeJSON(conn, commandFrame{ID: 1, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(responseTimeout))
	var resp responseFrame
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Ping round-trips an internal ping through the bridge and extension and
// returns the latency.
func Ping(ctx context.Context, port int) (time.Duration, error) {
	start := time.Now()
	if _, err := Send(ctx, port, "Extension.ping", map[string]any{}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func handshake(conn *websocket.Conn, token string) error {
	hello := helloFrame{
		Type:    "hello",
		Role:    "cli",
		Token:   token,
		Version: bridge.ProtocolVersion,
	}
	if err := writeJSON(conn, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack helloFrame
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch ack.Type {
	case "hello_ack":
		return nil
	case "hello_error":
		if ack.Message != "" {
			return fmt.Errorf("bridge refused handshake: %s (%s)", ack.Error, ack.Message)
		}
		return fmt.Errorf("bridge refused handshake: %s", ack.Error)
	default:
		return fmt.Errorf("unexpected handshake reply %q", ack.Type)
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(v)
}
