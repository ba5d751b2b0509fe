package ports

import (
	"context"
	"io"
	"time"
)

// StartSpec carries everything the runtime needs to launch one instance.
type StartSpec struct {
	InstanceID string
	AppID      string
	// ImageRef is produced by the external build pipeline; the manager only
	// consumes it.
	ImageRef string
	// Port is the port the instance process must bind inside its runtime.
	Port int
	// StartupDelayHint tells the runtime roughly how long the process takes
	// to come up, where the runtime can make use of it.
	StartupDelayHint time.Duration
	// ReadyCallbackURL, when non-empty, is exposed to the process so it can
	// push a readiness signal instead of waiting to be probed.
	ReadyCallbackURL string
}

// Provisioner starts and stops runtime instances. This interface lets us
// switch between Docker, Podman, or a remote launcher without changing the
// control plane.
type Provisioner interface {
	// Start launches an instance and returns the network address
	// (host:port) it will accept connections on. The process may still take
	// time before it actually accepts; readiness is signalled separately.
	Start(ctx context.Context, spec StartSpec) (string, error)

	// Stop terminates the instance previously started under instanceID.
	// Stopping an instance the runtime no longer knows is not an error.
	Stop(ctx context.Context, instanceID string) error
}

// LogStreamer exposes an instance's runtime output for debugging. Runtimes
// that cannot stream logs simply do not implement it; the admin API checks
// the capability at runtime.
type LogStreamer interface {
	// Logs returns the instance's combined output. tail limits the stream
	// to the last N lines, 0 meaning everything.
	Logs(ctx context.Context, instanceID string, tail int) (io.ReadCloser, error)
}
