package domain

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeFillsDefaults(t *testing.T) {
	app := App{Name: "web", Image: "img", Port: 80}
	app.Normalize()

	if app.MaxInstances != 1 {
		t.Errorf("MaxInstances = %d, want 1", app.MaxInstances)
	}
	if app.PendingPerInstance != DefaultPendingPerInstance {
		t.Errorf("PendingPerInstance = %d, want %d", app.PendingPerInstance, DefaultPendingPerInstance)
	}
	if app.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", app.IdleTimeout, DefaultIdleTimeout)
	}
	if app.HealthCheck.Path != DefaultHealthPath {
		t.Errorf("HealthCheck.Path = %q, want %q", app.HealthCheck.Path, DefaultHealthPath)
	}
	if app.HealthCheck.FailureThreshold != DefaultFailureThreshold {
		t.Errorf("FailureThreshold = %d, want %d", app.HealthCheck.FailureThreshold, DefaultFailureThreshold)
	}
}

func TestNormalizeKeepsOperatorValues(t *testing.T) {
	app := App{
		Name: "web", Image: "img", Port: 80,
		MinInstances: 2, MaxInstances: 4,
		PendingPerInstance: 5,
		IdleTimeout:        time.Minute,
		HealthCheck: HealthCheckConfig{
			Path: "status", Interval: time.Second, Timeout: 100 * time.Millisecond, FailureThreshold: 5,
		},
	}
	app.Normalize()

	if app.MinInstances != 2 || app.MaxInstances != 4 {
		t.Errorf("bounds = %d..%d, want 2..4", app.MinInstances, app.MaxInstances)
	}
	if app.PendingPerInstance != 5 {
		t.Errorf("PendingPerInstance = %d, want 5", app.PendingPerInstance)
	}
	if app.HealthCheck.Path != "/status" {
		t.Errorf("HealthCheck.Path = %q, want a rooted /status", app.HealthCheck.Path)
	}
	if app.HealthCheck.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", app.HealthCheck.FailureThreshold)
	}
}

func TestNormalizeRaisesMaxToMin(t *testing.T) {
	app := App{Name: "web", Image: "img", Port: 80, MinInstances: 3, MaxInstances: 1}
	app.Normalize()
	if app.MaxInstances != 3 {
		t.Errorf("MaxInstances = %d, want raised to MinInstances 3", app.MaxInstances)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		app     App
		wantErr bool
	}{
		{"valid", App{Name: "blog-2", Image: "img", Port: 8080}, false},
		{"empty name", App{Image: "img", Port: 80}, true},
		{"uppercase name", App{Name: "Blog", Image: "img", Port: 80}, true},
		{"underscore name", App{Name: "my_app", Image: "img", Port: 80}, true},
		{"leading dash", App{Name: "-app", Image: "img", Port: 80}, true},
		{"missing image", App{Name: "app", Port: 80}, true},
		{"port zero", App{Name: "app", Image: "img"}, true},
		{"port too high", App{Name: "app", Image: "img", Port: 70000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.app.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidApp) {
				t.Errorf("Validate() error %v does not wrap ErrInvalidApp", err)
			}
		})
	}
}
