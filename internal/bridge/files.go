package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tabwire/tabwire/internal/appdir"
)

// Marker files the serve process maintains in the data directory. They are
// advisory: readers always re-verify the state they describe.
const (
	pidFileName   = "bridge-pid"
	portFileName  = "bridge-port"
	tokenFileName = "bridge-token"
)

func PIDFilePath() (string, error) {
	dir, err := appdir.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, pidFileName), nil
}

func PortFilePath() (string, error) {
	dir, err := appdir.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, portFileName), nil
}

func TokenFilePath() (string, error) {
	dir, err := appdir.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, tokenFileName), nil
}

// WritePIDFile records this process and its port as "pid:port".
func WritePIDFile(port int) error {
	path, err := PIDFilePath()
	if err != nil {
		return err
	}
	content := fmt.Sprintf("%d:%d", os.Getpid(), port)
	return writeFileAtomic(path, []byte(content))
}

// ReadPIDFile parses the pid marker. A missing file is not an error; it
// returns pid 0.
func ReadPIDFile() (pid, port int, err error) {
	path, err := PIDFilePath()
	if err != nil {
		return 0, 0, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	pidStr, portStr, found := strings.Cut(strings.TrimSpace(string(data)), ":")
	if !found {
		return 0, 0, fmt.Errorf("malformed pid file %s", path)
	}
	pid, err = strconv.Atoi(pidStr)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, port, nil
}

func WritePortFile(port int) error {
	path, err := PortFilePath()
	if err != nil {
		return err
	}
	return writeFileAtomic(path, []byte(strconv.Itoa(port)))
}

func ReadPortFile() (int, error) {
	path, err := PortFilePath()
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed port file %s: %w", path, err)
	}
	return port, nil
}

func WriteTokenFile(token string) error {
	path, err := TokenFilePath()
	if err != nil {
		return err
	}
	return writeFileAtomic(path, []byte(token))
}

func ReadTokenFile() (string, error) {
	path, err := TokenFilePath()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func DeletePIDFile() error   { return deleteMarker(PIDFilePath) }
func DeletePortFile() error  { return deleteMarker(PortFilePath) }
func DeleteTokenFile() error { return deleteMarker(TokenFilePath) }

func deleteMarker(pathFn func() (string, error)) error {
	path, err := pathFn()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// partial marker. Mode 0600 keeps the token out of other users' reach.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
