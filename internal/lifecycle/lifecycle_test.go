package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/tabwire/tabwire/internal/bridge"
)

func TestMain(m *testing.M) {
	if os.Getenv("TABWIRE_HELPER_SERVE") == "1" {
		helperServe()
		return
	}
	os.Exit(m.Run())
}

// helperServe stands in for "tabwire extension serve" when the test binary
// re-executes itself: bind first, then persist the markers, exactly like
// the real serve command.
func helperServe() {
	port := 0
	for i, arg := range os.Args {
		if arg == "--port" && i+1 < len(os.Args) {
			port, _ = strconv.Atoi(os.Args[i+1])
		}
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		// Lost the bind race; exit without touching the winner's markers.
		os.Exit(1)
	}
	defer ln.Close()

	token, err := bridge.NewToken()
	if err != nil {
		os.Exit(1)
	}
	if err := bridge.WriteTokenFile(token); err != nil {
		os.Exit(1)
	}
	if err := bridge.WritePIDFile(port); err != nil {
		os.Exit(1)
	}

	// Self-terminate so a failed test cannot leak the process.
	time.AfterFunc(10*time.Second, func() { os.Exit(0) })
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

// freePort grabs an ephemeral port and releases it, so the test can use a
// port that is almost certainly unbound.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestStopWhenNotRunning(t *testing.T) {
	t.Setenv("TABWIRE_DATA_DIR", t.TempDir())

	if err := Stop(context.Background(), freePort(t)); err != nil {
		t.Fatalf("stopping a non-running bridge should be a no-op, got %v", err)
	}
}

func TestStopCleansStaleMarkers(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TABWIRE_DATA_DIR", dir)

	port := freePort(t)

	// A pid file from a bridge that crashed: pid long gone, port free.
	pidPath := filepath.Join(dir, "bridge-pid")
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("999999:%d", port)), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := bridge.WritePortFile(port); err != nil {
		t.Fatal(err)
	}

	if err := Stop(context.Background(), port); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("stale pid file should be deleted")
	}
	if _, err := os.Stat(filepath.Join(dir, "bridge-port")); !os.IsNotExist(err) {
		t.Error("stale port file should be deleted")
	}
}

func TestEnsureRunningPortConflict(t *testing.T) {
	t.Setenv("TABWIRE_DATA_DIR", t.TempDir())

	// Occupy a port with something that is not a bridge.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	_, err = EnsureRunning(context.Background(), port)
	var conflict *PortConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected PortConflictError, got %v", err)
	}
	if conflict.Port != port {
		t.Errorf("conflict reports port %d, want %d", conflict.Port, port)
	}
	if conflict.Hint == "" {
		t.Error("conflict error should carry an inspection hint")
	}
}

func TestEnsureRunningConcurrent(t *testing.T) {
	t.Setenv("TABWIRE_DATA_DIR", t.TempDir())
	t.Setenv("TABWIRE_HELPER_SERVE", "1")
	port := freePort(t)

	t.Cleanup(func() {
		if pid, _, err := bridge.ReadPIDFile(); err == nil && pidAlive(pid) {
			if proc, err := process.NewProcess(int32(pid)); err == nil {
				killProcess(proc)
			}
		}
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = EnsureRunning(context.Background(), port)
		}(i)
	}
	wg.Wait()

	// One call must land on a live bridge; the other may observe the
	// winner mid-startup, but never a start timeout.
	succeeded := 0
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrStartTimeout):
			t.Fatalf("call %d timed out: %v", i, err)
		}
	}
	if succeeded == 0 {
		t.Fatalf("no call succeeded: %v / %v", errs[0], errs[1])
	}

	// Exactly one bridge survives: the port is bound, the markers name a
	// single live pid that is not this test process.
	if !probePort(port) {
		t.Fatal("no bridge listening after ensure-running")
	}
	token, err := bridge.ReadTokenFile()
	if err != nil || token == "" {
		t.Fatalf("token file missing after startup: %v", err)
	}
	// The pid record lands just after the token; allow it a moment.
	pid := 0
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p, recordedPort, err := bridge.ReadPIDFile(); err == nil && recordedPort == port {
			pid = p
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if pid == 0 {
		t.Fatal("pid file never recorded the spawned bridge")
	}
	if !pidAlive(pid) || pid == os.Getpid() {
		t.Fatalf("pid file names %d, which is not a live spawned bridge", pid)
	}
}

func TestEnsureRunningConflictClearsDeadRecord(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TABWIRE_DATA_DIR", dir)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	// A pid record from a crashed bridge pointing at the contested port.
	pidPath := filepath.Join(dir, "bridge-pid")
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("999999:%d", port)), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err = EnsureRunning(context.Background(), port)
	var conflict *PortConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected PortConflictError, got %v", err)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("dead pid record should be cleared on the conflict path")
	}
}

func TestStopAmbiguousOwner(t *testing.T) {
	t.Setenv("TABWIRE_DATA_DIR", t.TempDir())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	// No pid record, and owner lookup comes back empty, as it does
	// without the rights to read other users' sockets.
	orig := lookupPortOwner
	lookupPortOwner = func(int) int { return 0 }
	defer func() { lookupPortOwner = orig }()

	err = Stop(context.Background(), port)
	var ambiguous *AmbiguousOwnerError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("expected AmbiguousOwnerError, got %v", err)
	}
	if ambiguous.Port != port {
		t.Errorf("error names port %d, want %d", ambiguous.Port, port)
	}
	if ambiguous.Hint == "" {
		t.Error("error should carry an inspection hint")
	}
}

func TestStatusNotRunning(t *testing.T) {
	t.Setenv("TABWIRE_DATA_DIR", t.TempDir())

	running, pid := Status(freePort(t))
	if running || pid != 0 {
		t.Fatalf("got running=%v pid=%d for a free port", running, pid)
	}
}

func TestPidAlive(t *testing.T) {
	if !pidAlive(os.Getpid()) {
		t.Error("own pid should be alive")
	}
	if pidAlive(0) {
		t.Error("pid 0 must never be considered alive")
	}
	if pidAlive(-1) {
		t.Error("negative pids must never be considered alive")
	}
}

func TestLooksLikeBridgeGuardsForeignProcesses(t *testing.T) {
	t.Setenv("TABWIRE_DATA_DIR", t.TempDir())

	// The test binary's cmdline does not contain "tabwire", so the stop
	// path must refuse to signal it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	pidPath := filepath.Join(os.Getenv("TABWIRE_DATA_DIR"), "bridge-pid")
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d:%d", os.Getpid(), port)), 0o600); err != nil {
		t.Fatal(err)
	}

	err = Stop(context.Background(), port)
	var foreign *ForeignProcessError
	if !errors.As(err, &foreign) {
		t.Fatalf("expected ForeignProcessError, got %v", err)
	}
	if foreign.PID != os.Getpid() {
		t.Errorf("foreign error names pid %d, want %d", foreign.PID, os.Getpid())
	}
}

func TestPortInspectHint(t *testing.T) {
	hint := portInspectHint(19222)
	if hint == "" {
		t.Fatal("hint should never be empty")
	}
}
