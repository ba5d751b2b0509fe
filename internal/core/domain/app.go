package domain

import (
	"fmt"
	"time"
)

// App is a routing target: one deployable application whose instances are
// started on demand and addressed by subdomain (app "blog" answers on
// blog.<proxy-host>).
type App struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
	// Port is the port the instance process binds inside its container.
	Port int `json:"port"`

	MinInstances int `json:"min_instances"`
	MaxInstances int `json:"max_instances"`
	// PendingPerInstance is the scale threshold: one additional instance is
	// requested per this many queued cold-start requests.
	PendingPerInstance int `json:"pending_per_instance"`

	// IdleTimeout is how long an instance may go without routed traffic
	// before it becomes a scale-down candidate.
	IdleTimeout time.Duration `json:"idle_timeout"`

	// StartupDelayHint is forwarded to the runtime so launchers that can
	// use it (staged health checks, warmup windows) know roughly how long
	// the process needs before accepting connections.
	StartupDelayHint time.Duration `json:"startup_delay_hint,omitempty"`

	HealthCheck HealthCheckConfig `json:"health_check"`

	CreatedAt time.Time `json:"created_at"`
}

// HealthCheckConfig describes how instances of an App are probed.
type HealthCheckConfig struct {
	Path     string        `json:"path"`
	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout"`
	// FailureThreshold is the number of consecutive probe failures after
	// which an instance is drained.
	FailureThreshold int `json:"failure_threshold"`
}

// Default tuning applied by Normalize. Values follow common proxy practice;
// anything operator-supplied wins.
const (
	DefaultPendingPerInstance = 10
	DefaultIdleTimeout        = 5 * time.Minute
	DefaultHealthPath         = "/healthz"
	DefaultHealthInterval     = 10 * time.Second
	DefaultHealthTimeout      = 2 * time.Second
	DefaultFailureThreshold   = 3
)

// Normalize fills zero-valued tuning fields with defaults. MinInstances may
// legitimately be zero (scale-to-zero), so it is left untouched.
func (a *App) Normalize() {
	if a.MinInstances < 0 {
		a.MinInstances = 0
	}
	if a.MaxInstances <= 0 {
		a.MaxInstances = 1
	}
	if a.MaxInstances < a.MinInstances {
		a.MaxInstances = a.MinInstances
	}
	if a.PendingPerInstance <= 0 {
		a.PendingPerInstance = DefaultPendingPerInstance
	}
	if a.IdleTimeout <= 0 {
		a.IdleTimeout = DefaultIdleTimeout
	}
	if a.HealthCheck.Path == "" {
		a.HealthCheck.Path = DefaultHealthPath
	}
	if a.HealthCheck.Path[0] != '/' {
		a.HealthCheck.Path = "/" + a.HealthCheck.Path
	}
	if a.HealthCheck.Interval <= 0 {
		a.HealthCheck.Interval = DefaultHealthInterval
	}
	if a.HealthCheck.Timeout <= 0 {
		a.HealthCheck.Timeout = DefaultHealthTimeout
	}
	if a.HealthCheck.FailureThreshold <= 0 {
		a.HealthCheck.FailureThreshold = DefaultFailureThreshold
	}
}

// Validate checks the fields an operator must supply. The name doubles as a
// subdomain label, so it has to be a valid DNS label. All failures wrap
// ErrInvalidApp.
func (a *App) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: app name is required", ErrInvalidApp)
	}
	if !validDNSLabel(a.Name) {
		return fmt.Errorf("%w: app name %q is not a valid subdomain label", ErrInvalidApp, a.Name)
	}
	if a.Image == "" {
		return fmt.Errorf("%w: app %s: image reference is required", ErrInvalidApp, a.Name)
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("%w: app %s: port %d out of range", ErrInvalidApp, a.Name, a.Port)
	}
	return nil
}

func validDNSLabel(s string) bool {
	if len(s) == 0 || len(s) > 63 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' && i > 0 && i < len(s)-1:
		default:
			return false
		}
	}
	return true
}
