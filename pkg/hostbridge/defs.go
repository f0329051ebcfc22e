// Package hostbridge exposes the dispatcher to a native AR host through a
// C ABI. The library is built with -buildmode=c-shared and the host calls
// HuntVersion, HuntCommand and HuntCommandArgs.
package hostbridge

import (
	"sync"

	"github.com/geohunt/engine/internal/dispatcher"
)

// bridgeConfig is the state shared by the exported functions.
type bridgeConfig struct {
	mu sync.RWMutex

	// version is returned by HuntVersion
	version string

	// dispatcher handles event routing
	dispatcher *dispatcher.Dispatcher
}

var config = bridgeConfig{version: "No version set"}

// SetVersion sets the version string returned by HuntVersion.
func SetVersion(version string) {
	config.mu.Lock()
	defer config.mu.Unlock()
	config.version = version
}

// Version returns the configured version string.
func Version() string {
	config.mu.RLock()
	defer config.mu.RUnlock()
	return config.version
}

// SetDispatcher sets the event dispatcher for handling commands
func SetDispatcher(d *dispatcher.Dispatcher) {
	config.mu.Lock()
	defer config.mu.Unlock()
	config.dispatcher = d
}

// GetDispatcher returns the configured dispatcher, or nil if not set
func GetDispatcher() *dispatcher.Dispatcher {
	config.mu.RLock()
	defer config.mu.RUnlock()
	return config.dispatcher
}
