package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("BLUELINK_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "bluelink-data")
	}
	return filepath.Join(home, ".bluelink-data")
}

// GetDatabasePath returns the default sqlite file used for received payloads
func GetDatabasePath() string {
	return filepath.Join(GetDataDir(), "bluelink.db")
}

// GetSocketDir returns the directory where handoff unix sockets are created
func GetSocketDir() (string, error) {
	socketDir := filepath.Join(GetDataDir(), "sockets")
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return "", err
	}
	return socketDir, nil
}

// ShortAddr trims an address to a short log prefix
func ShortAddr(addr string) string {
	if len(addr) <= 8 {
		return addr
	}
	return addr[:8]
}
