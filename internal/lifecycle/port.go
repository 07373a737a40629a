package lifecycle

import (
	"fmt"
	"net"
	"runtime"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// probePort reports whether something is accepting TCP connections on the
// loopback port. This is the ground truth; marker files are only hints.
func probePort(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// portOwner returns the pid of the process listening on port, or 0 when it
// cannot be determined (permissions, races, unsupported platform).
func portOwner(port int) int {
	conns, err := psnet.Connections("tcp")
	if err != nil {
		return 0
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Laddr.Port == uint32(port) && c.Pid > 0 {
			return int(c.Pid)
		}
	}
	return 0
}

// portInspectHint names the platform tool for finding who holds a port,
// for inclusion in conflict errors.
func portInspectHint(port int) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf("netstat -ano | findstr :%d", port)
	}
	return fmt.Sprintf("lsof -i :%d", port)
}
