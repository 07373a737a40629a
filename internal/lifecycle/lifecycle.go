// Package lifecycle starts and stops the bridge process on behalf of the
// CLI. The on-disk pid and port markers are advisory; every decision is
// re-verified against the live system before a process is spawned or
// signaled.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/tabwire/tabwire/internal/bridge"
)

const (
	startTimeout = 5 * time.Second
	startPoll    = 100 * time.Millisecond

	// Escalation windows when stopping: a polite wait after terminate,
	// one longer wait, then force kill.
	termWait = 500 * time.Millisecond
	killWait = 2 * time.Second
)

// ErrStartTimeout is returned when a spawned bridge never starts
// accepting connections.
var ErrStartTimeout = errors.New("bridge did not start listening within 5s")

// PortConflictError reports a port held by a process that is not a bridge
// we recognize.
type PortConflictError struct {
	Port int
	PID  int
	Hint string
}

func (e *PortConflictError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("port %d is in use by pid %d, which is not a tabwire bridge (inspect with: %s)", e.Port, e.PID, e.Hint)
	}
	return fmt.Sprintf("port %d is in use by another process (inspect with: %s)", e.Port, e.Hint)
}

// ForeignProcessError reports a pid we resolved for the bridge port that
// does not look like a bridge process. Signaling it would be guessing.
type ForeignProcessError struct {
	Port int
	PID  int
}

func (e *ForeignProcessError) Error() string {
	return fmt.Sprintf("pid %d on port %d does not look like a tabwire bridge; refusing to signal it", e.PID, e.Port)
}

// AmbiguousOwnerError reports a busy port whose owning process could not
// be identified, so there was nothing safe to signal.
type AmbiguousOwnerError struct {
	Port int
	Hint string
}

func (e *AmbiguousOwnerError) Error() string {
	return fmt.Sprintf("port %d is busy but its owner could not be identified; nothing was stopped (inspect with: %s)", e.Port, e.Hint)
}

// lookupPortOwner is swapped out in tests; owner identification needs
// rights the test runner may not have.
var lookupPortOwner = portOwner

func logger() *slog.Logger {
	return slog.Default().With("component", "lifecycle")
}

// EnsureRunning makes sure a bridge is listening on port, spawning one if
// needed. It reports whether a new process was started.
func EnsureRunning(ctx context.Context, port int) (started bool, err error) {
	log := logger()

	if probePort(port) {
		pid, recordedPort, err := bridge.ReadPIDFile()
		if err == nil && pid != 0 && recordedPort == port && pidAlive(pid) {
			log.Debug("bridge already running", "port", port, "pid", pid)
			return false, nil
		}
		// Something else owns the port. Never spawn on top of it, but a
		// record from a dead bridge is safe to clear.
		if err == nil && pid != 0 && !pidAlive(pid) {
			log.Debug("clearing stale bridge markers", "pid", pid)
			bridge.DeletePIDFile()
			bridge.DeletePortFile()
		}
		return false, &PortConflictError{
			Port: port,
			PID:  lookupPortOwner(port),
			Hint: portInspectHint(port),
		}
	}

	// Port is free; clear markers left behind by a crashed bridge.
	if pid, _, err := bridge.ReadPIDFile(); err == nil && pid != 0 && !pidAlive(pid) {
		log.Debug("clearing stale bridge markers", "pid", pid)
		bridge.DeletePIDFile()
		bridge.DeletePortFile()
	}

	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("cannot locate own executable: %w", err)
	}

	cmd := exec.Command(exe, "extension", "serve", "--port", strconv.Itoa(port))
	detachProcess(cmd)
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("failed to spawn bridge: %w", err)
	}
	log.Info("spawned bridge", "pid", cmd.Process.Pid, "port", port)

	deadline := time.Now().Add(startTimeout)
	for time.Now().Before(deadline) {
		// Ready means listening and the session token is on disk; the
		// bridge binds first and persists the token just after.
		if probePort(port) {
			if token, err := bridge.ReadTokenFile(); err == nil && token != "" {
				return true, nil
			}
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(startPoll):
		}
	}
	return false, ErrStartTimeout
}

// Status reports whether a bridge is listening on port and, when it can
// be determined, its pid.
func Status(port int) (running bool, pid int) {
	if !probePort(port) {
		return false, 0
	}
	filePID, recordedPort, err := bridge.ReadPIDFile()
	if err == nil && filePID != 0 && recordedPort == port && pidAlive(filePID) {
		return true, filePID
	}
	return true, portOwner(port)
}

// Stop terminates the bridge on port if one is running, escalating from a
// polite terminate to a force kill. Marker files are removed on every
// terminal outcome.
func Stop(ctx context.Context, port int) error {
	log := logger()

	pid := 0
	if filePID, recordedPort, err := bridge.ReadPIDFile(); err == nil && recordedPort == port {
		pid = filePID
	}

	if !probePort(port) {
		// Nothing listening; whatever the markers say is stale.
		log.Debug("bridge not running", "port", port)
		cleanupMarkers()
		return nil
	}

	if pid == 0 {
		pid = lookupPortOwner(port)
		if pid == 0 {
			return &AmbiguousOwnerError{Port: port, Hint: portInspectHint(port)}
		}
	}

	// Never signal pid 0 (process-group alias on POSIX) or anything out
	// of pid range from a corrupt file.
	if pid <= 0 || pid > math.MaxInt32 {
		cleanupMarkers()
		return nil
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		// Process gone between probe and lookup.
		cleanupMarkers()
		return nil
	}
	if !looksLikeBridge(proc) {
		return &ForeignProcessError{Port: port, PID: pid}
	}

	// Last check before signaling: if the listener vanished while we were
	// verifying, the pid may already belong to someone else.
	if !probePort(port) {
		cleanupMarkers()
		return nil
	}

	log.Info("stopping bridge", "pid", pid, "port", port)
	if err := terminateProcess(proc); err != nil {
		log.Debug("terminate failed, will force kill", "pid", pid, "err", err)
	}

	if waitExit(ctx, pid, termWait) || waitExit(ctx, pid, killWait) {
		cleanupMarkers()
		return nil
	}

	// Still alive. Re-check the port: if the listener is gone the process
	// is merely slow tearing down, leave it be.
	if probePort(port) {
		log.Warn("bridge ignored terminate, force killing", "pid", pid)
		if err := killProcess(proc); err != nil {
			log.Debug("force kill failed", "pid", pid, "err", err)
		}
		waitExit(ctx, pid, termWait)
	}

	cleanupMarkers()
	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 || pid > math.MaxInt32 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// looksLikeBridge verifies the process's command line actually mentions
// this binary before we send it any signal. PIDs get recycled.
func looksLikeBridge(p *process.Process) bool {
	cmdline, err := p.Cmdline()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(cmdline), "tabwire")
}

func waitExit(ctx context.Context, pid int, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !pidAlive(pid)
		case <-time.After(startPoll):
		}
	}
	return !pidAlive(pid)
}

func cleanupMarkers() {
	bridge.DeletePIDFile()
	bridge.DeletePortFile()
}
