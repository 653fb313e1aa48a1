package ipc

import "path/filepath"

// SocketName is the file name of the orchestrator's listening socket.
const SocketName = "com.auto.daily.sock"

// Endpoint returns the socket path inside dir.
func Endpoint(dir string) string {
	return filepath.Join(dir, SocketName)
}
