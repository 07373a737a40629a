package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is the bridge protocol version this build speaks.
const ProtocolVersion = "0.2.0"

// MinExtensionVersion is the oldest extension protocol version the bridge
// accepts during the handshake.
const MinExtensionVersion = "0.2.0"

// Handshake roles.
const (
	RoleExtension = "extension"
	RoleCLI       = "cli"
)

// JSON-RPC style error codes used on the CLI side of the bridge.
const (
	// codeMethodDenied is returned when a command is not in the allowed
	// method table.
	codeMethodDenied = -32601

	// codeBridgeError covers availability failures: extension missing,
	// disconnects, timeouts, and expired sessions.
	codeBridgeError = -32000
)

// helloMessage is the first frame every client must send after connecting.
type helloMessage struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Token   string `json:"token"`
	Version string `json:"version"`
}

type helloAck struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

type helloError struct {
	Type            string `json:"type"`
	Error           string `json:"error"`
	Message         string `json:"message,omitempty"`
	RequiredVersion string `json:"required_version,omitempty"`
}

// cliRequest is a command from a CLI client. The caller's id may be any
// JSON value; it is echoed back verbatim on the response.
type cliRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// extensionCommand is the frame forwarded to the extension. The id here is
// bridge-assigned so that concurrent CLI clients never collide.
type extensionCommand struct {
	ID        uint64          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	RiskLevel string          `json:"risk_level"`
}

type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cliResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *responseError  `json:"error,omitempty"`
}

type serverNotice struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func errorResponse(id json.RawMessage, code int, message string) []byte {
	data, _ := json.Marshal(cliResponse{
		ID:    id,
		Error: &responseError{Code: code, Message: message},
	})
	return data
}

// versionSupported reports whether a client's protocol version satisfies
// the bridge minimum. Pre-release and build suffixes are ignored.
func versionSupported(version string) bool {
	return compareVersions(version, MinExtensionVersion) >= 0
}

func compareVersions(a, b string) int {
	aMaj, aMin, aPatch := splitVersion(a)
	bMaj, bMin, bPatch := splitVersion(b)

	if aMaj != bMaj {
		return aMaj - bMaj
	}
	if aMin != bMin {
		return aMin - bMin
	}
	return aPatch - bPatch
}

func splitVersion(v string) (major, minor, patch int) {
	v = strings.TrimPrefix(v, "v")
	if idx := strings.IndexAny(v, "-+"); idx >= 0 {
		v = v[:idx]
	}
	fmt.Sscanf(v, "%d.%d.%d", &major, &minor, &patch)
	return
}
