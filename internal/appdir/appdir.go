// Package appdir resolves the platform data directory for tabwire.
//
// Platform paths:
//
//	macOS:   ~/Library/Application Support/Tabwire/
//	Windows: %AppData%\Tabwire\
//	Linux:   ~/.config/tabwire/
//
// Override with TABWIRE_DATA_DIR environment variable.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// DataDir returns the platform-appropriate data directory.
//
// Set TABWIRE_DATA_DIR to override.
func DataDir() (string, error) {
	if dir := os.Getenv("TABWIRE_DATA_DIR"); dir != "" {
		return dir, nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}

	// Linux: lowercase per XDG convention
	name := "Tabwire"
	if runtime.GOOS == "linux" {
		name = "tabwire"
	}

	return filepath.Join(configDir, name), nil
}

// Ensure returns the data directory, creating it if needed.
func Ensure() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create data directory %s: %w", dir, err)
	}
	return dir, nil
}
