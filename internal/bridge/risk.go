package bridge

import "log/slog"

// RiskLevel classifies how much damage a browser command can do.
type RiskLevel int

const (
	// RiskRead covers read-only inspection of page state.
	RiskRead RiskLevel = iota + 1
	// RiskInteract covers commands that change page state or simulate input.
	RiskInteract
	// RiskSensitive covers commands that touch cookies, storage, or downloads.
	RiskSensitive
)

func (l RiskLevel) String() string {
	switch l {
	case RiskRead:
		return "L1"
	case RiskInteract:
		return "L2"
	case RiskSensitive:
		return "L3"
	}
	return "unknown"
}

// internalPrefix marks bridge-internal housekeeping methods (ping, status).
// These never reach the page, so they are always read-level.
const internalPrefix = "Extension."

// methodRisk is the full allowlist. A method absent from this table is
// refused outright.
var methodRisk = map[string]RiskLevel{
	// Read-only
	"Page.captureScreenshot": RiskRead,
	"DOM.getDocument":        RiskRead,
	"DOM.querySelector":      RiskRead,
	"DOM.querySelectorAll":   RiskRead,
	"DOM.getOuterHTML":       RiskRead,
	"Network.getCookies":     RiskRead,

	// Page interaction
	"Runtime.evaluate":                   RiskInteract,
	"Page.navigate":                      RiskInteract,
	"Page.reload":                        RiskInteract,
	"Input.dispatchMouseEvent":           RiskInteract,
	"Input.dispatchKeyEvent":             RiskInteract,
	"Emulation.setDeviceMetricsOverride": RiskInteract,
	"Page.printToPDF":                    RiskInteract,

	// Sensitive state
	"Network.setCookie":           RiskSensitive,
	"Network.deleteCookies":       RiskSensitive,
	"Network.clearBrowserCookies": RiskSensitive,
	"Page.setDownloadBehavior":    RiskSensitive,
	"Storage.clearDataForOrigin":  RiskSensitive,
}

// classifyMethod returns the risk level for a command, or ok=false when the
// method is not allowed over the bridge.
func classifyMethod(method string) (RiskLevel, bool) {
	if len(method) > len(internalPrefix) && method[:len(internalPrefix)] == internalPrefix {
		return RiskRead, true
	}
	level, ok := methodRisk[method]
	return level, ok
}

type commandAuditLogger struct {
	logger *slog.Logger
}

func newCommandAuditLogger() *commandAuditLogger {
	return &commandAuditLogger{
		logger: slog.Default().With("component", "bridge"),
	}
}

// logCommand records every forwarded command. Interaction and sensitive
// commands are logged at elevated severity so they stand out in an audit.
func (l *commandAuditLogger) logCommand(method string, level RiskLevel, requestID uint64) {
	if l == nil {
		return
	}

	attrs := []any{
		"method", method,
		"risk", level.String(),
		"request_id", requestID,
	}

	switch level {
	case RiskSensitive:
		l.logger.Warn("bridge_sensitive_command", attrs...)
	case RiskInteract:
		l.logger.Info("bridge_interact_command", attrs...)
	default:
		l.logger.Debug("bridge_command", attrs...)
	}
}
