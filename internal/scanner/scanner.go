// Package scanner defines the multi-protocol scanner abstraction: the
// backend capability set, the shared device model, and the router that
// aggregates the registered backends behind a single façade.
package scanner

import (
	"context"
	"errors"
	"strings"

	"github.com/WangShayne/ScanWithWeb/internal/protocol"
)

// Backend tags. The tag doubles as the device-id namespace prefix.
const (
	TagTwain = "a"
	TagWIA   = "b"
	TagESCL  = "e"
)

// Sentinel errors shared across backends.
var (
	// ErrUnavailable means the backend's device library cannot be used on
	// this platform or failed to initialize.
	ErrUnavailable = errors.New("scanner: backend unavailable")

	// ErrDeviceNotFound means the requested device does not exist or could
	// not be opened.
	ErrDeviceNotFound = errors.New("scanner: device not found")

	// ErrNoDevice means no device is currently selected.
	ErrNoDevice = errors.New("scanner: no device selected")

	// ErrBusy means a scan is already in progress on the shared device.
	ErrBusy = errors.New("scanner: device busy")

	// ErrUIRequired means the driver refused headless acquisition; the
	// caller should retry with showUI enabled.
	ErrUIRequired = errors.New("scanner: driver requires its vendor UI")
)

// Device describes one local device as reported by a backend. The ID is the
// backend-local id; the router adds the namespace prefix.
type Device struct {
	ID        string
	Name      string
	IsDefault bool
}

// Backend is the device-side protocol adapter capability set. One instance
// exists per supported driver family. Page, completion and error events are
// published on the event bus, never returned from these calls: Start must
// not block its caller across pages.
type Backend interface {
	// Name returns the backend tag used as the device-id prefix.
	Name() string

	// Initialize prepares the device library. An initialization failure is
	// captured and returned; the backend then reports no devices.
	Initialize() error

	// Shutdown releases all device handles.
	Shutdown()

	// Enumerate lists local devices.
	Enumerate(ctx context.Context) ([]Device, error)

	// Select opens a specific device, invalidating any prior selection.
	Select(localID string) error

	// Capabilities returns the capability snapshot for a device.
	Capabilities(localID string) ([]protocol.CapabilityInfo, error)

	// Apply pushes canonical settings onto the selected device. Fields the
	// device does not support are silently ignored.
	Apply(settings protocol.ScanSettings) error

	// ApplyAdvanced applies one backend-specific experimental key.
	ApplyAdvanced(key string, value any) error

	// Start begins an acquisition for the request id.
	Start(ctx context.Context, requestID string) error

	// Stop requests an abort. Safe to call at any time.
	Stop()
}

// DiscoveryRunner is implemented by backends that run an active discovery
// loop (the network backend). The router starts it with its own context.
type DiscoveryRunner interface {
	StartDiscovery(ctx context.Context)
}

// ParseDeviceID splits a namespaced `<backend>:<local-id>` device id. A bare
// id with no prefix belongs to backend "a" for backwards compatibility.
func ParseDeviceID(id string) (tag, localID string) {
	if i := strings.Index(id, ":"); i >= 0 {
		prefix := id[:i]
		switch prefix {
		case TagTwain, TagWIA, TagESCL:
			return prefix, id[i+1:]
		}
	}
	return TagTwain, id
}

// JoinDeviceID builds the namespaced form of a backend-local device id.
func JoinDeviceID(tag, localID string) string {
	return tag + ":" + localID
}
