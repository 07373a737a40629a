package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

const (
	// watchdogInterval is how often idle time is checked.
	watchdogInterval = time.Minute
	// idleTimeout is how long the bridge may sit with no authenticated
	// traffic before the session token is rotated.
	idleTimeout = 30 * time.Minute
)

// Watchdog rotates the session token after a period of inactivity,
// bounding the exposure window of a leaked token.
type Watchdog struct {
	reg      *Registry
	log      *slog.Logger
	interval time.Duration
	idle     time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

func NewWatchdog(reg *Registry) *Watchdog {
	return &Watchdog{
		reg:      reg,
		log:      slog.Default().With("component", "watchdog"),
		interval: watchdogInterval,
		idle:     idleTimeout,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the watchdog loop.
func (w *Watchdog) Start(ctx context.Context) {
	if w.running {
		return
	}
	w.running = true
	go w.run(ctx)
}

// Stop gracefully stops the watchdog.
func (w *Watchdog) Stop() {
	if !w.running {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.running = false
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick checks idle time and rotates the token when the session has gone
// stale. The connected extension is told why it is being dropped; CLI
// waiters fail immediately rather than running out their timeouts.
func (w *Watchdog) tick() {
	idle := time.Since(w.reg.LastActivity())
	if idle < w.idle {
		return
	}

	token, err := NewToken()
	if err != nil {
		w.log.Error("token rotation failed", "err", err)
		return
	}

	w.log.Info("rotating session token", "idle", idle.Round(time.Second))

	notice, _ := json.Marshal(serverNotice{
		Type:    "token_expired",
		Message: "session token expired due to inactivity",
	})
	if err := w.reg.SendToExtension(notice); err == nil {
		time.Sleep(shutdownGrace)
	}
	if ext := w.reg.TakeExtension(); ext != nil {
		ext.close()
	}

	if failed := w.reg.FailAllPending(ErrTokenExpired); failed > 0 {
		w.log.Warn("failed pending requests on token expiry", "count", failed)
	}

	if err := WriteTokenFile(token); err != nil {
		w.log.Warn("could not persist rotated token", "err", err)
	}
	w.reg.RotateToken(token)
}
