package infra

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// ExecMode is whether devorch runs system-wide or for one user.
type ExecMode string

const (
	ExecModeUser   ExecMode = "user"
	ExecModeSystem ExecMode = "system"
)

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (non-root)"
	default:
		return "unknown"
	}
}

// RuntimePaths are the on-disk locations used by the orchestrator.
type RuntimePaths struct {
	Mode      ExecMode
	DataDir   string // History database, key and config
	LogFile   string
	SocketDir string // Holds the IPC socket
	IsRoot    bool
}

// ConfigFile returns the default config file location.
func (p *RuntimePaths) ConfigFile() string {
	return filepath.Join(p.DataDir, "config.yaml")
}

// DetectRuntimePaths picks locations based on the effective UID.
func DetectRuntimePaths() *RuntimePaths {
	return runtimePathsFor(os.Geteuid() == 0, GetRealUserHome(), os.Getenv("XDG_RUNTIME_DIR"))
}

func runtimePathsFor(isRoot bool, home, xdgRuntime string) *RuntimePaths {
	if isRoot {
		return &RuntimePaths{
			Mode:      ExecModeSystem,
			DataDir:   "/var/lib/devorch",
			LogFile:   "/var/log/devorch/devorch.log",
			SocketDir: "/run/devorch",
			IsRoot:    true,
		}
	}

	dataDir := filepath.Join(home, ".devorch")
	socketDir := filepath.Join(dataDir, "run")
	if xdgRuntime != "" {
		socketDir = filepath.Join(xdgRuntime, "devorch")
	}
	return &RuntimePaths{
		Mode:      ExecModeUser,
		DataDir:   dataDir,
		LogFile:   filepath.Join(dataDir, "devorch.log"),
		SocketDir: socketDir,
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns root's home, so we use SUDO_USER to find the real user.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}

// ExpandHome expands a leading ~ to the real user's home directory.
func ExpandHome(path string) string {
	return expandHomeWith(path, GetRealUserHome())
}

func expandHomeWith(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	if path == "~" {
		return home
	}
	return path
}
