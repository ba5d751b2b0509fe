package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/melih/breakwater/internal/core/domain"
)

// Duration is a time.Duration that reads and writes Go duration strings in
// YAML ("30s", "5m", "1h30m").
type Duration time.Duration

func (d Duration) MarshalYAML() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalYAML(b []byte) error {
	s := string(b)
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full server configuration.
type Config struct {
	// ProxyAddr is the data plane listen address.
	ProxyAddr string `yaml:"proxy_addr"`
	// AdminAddr is the control API listen address.
	AdminAddr string `yaml:"admin_addr"`
	// Domain is the base domain apps are served under. Empty means the
	// first host label names the app.
	Domain   string `yaml:"domain"`
	LogLevel string `yaml:"log_level"`
	// StorePath points at the JSON state file. Empty keeps state in memory
	// only, which disables restart recovery.
	StorePath string `yaml:"store_path"`

	ColdStartTimeout Duration `yaml:"cold_start_timeout"`
	MaxBufferedBody  int64    `yaml:"max_buffered_body"`

	// ReadyCallbackBase is the admin API base URL as reachable from inside
	// instances, handed to them so they can push readiness instead of
	// waiting out a probe interval.
	ReadyCallbackBase string `yaml:"ready_callback_base"`

	Docker    DockerConfig    `yaml:"docker"`
	Provision ProvisionConfig `yaml:"provision"`

	// Apps registered at boot. The admin API can add more at runtime.
	Apps []AppConfig `yaml:"apps"`
}

// DockerConfig tunes the container runtime adapter.
type DockerConfig struct {
	Network     string   `yaml:"network"`
	HostIP      string   `yaml:"host_ip"`
	StopTimeout Duration `yaml:"stop_timeout"`
}

// ProvisionConfig tunes instance lifecycle timing.
type ProvisionConfig struct {
	Attempts      int      `yaml:"attempts"`
	BackoffBase   Duration `yaml:"backoff_base"`
	BackoffMax    Duration `yaml:"backoff_max"`
	StartupGrace  Duration `yaml:"startup_grace"`
	DrainTimeout  Duration `yaml:"drain_timeout"`
	Retention     Duration `yaml:"retention"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// AppConfig is one statically configured App.
type AppConfig struct {
	Name               string            `yaml:"name"`
	Image              string            `yaml:"image"`
	Port               int               `yaml:"port"`
	MinInstances       int               `yaml:"min_instances"`
	MaxInstances       int               `yaml:"max_instances"`
	PendingPerInstance int               `yaml:"pending_per_instance"`
	IdleTimeout        Duration          `yaml:"idle_timeout"`
	StartupDelayHint   Duration          `yaml:"startup_delay_hint"`
	HealthCheck        HealthCheckConfig `yaml:"health_check"`
}

// HealthCheckConfig overrides the default probe settings.
type HealthCheckConfig struct {
	Path             string   `yaml:"path"`
	Interval         Duration `yaml:"interval"`
	Timeout          Duration `yaml:"timeout"`
	FailureThreshold int      `yaml:"failure_threshold"`
}

// ToDomain converts the config entry into the core App type. Defaults and
// validation are the core's business.
func (a AppConfig) ToDomain() domain.App {
	return domain.App{
		Name:               a.Name,
		Image:              a.Image,
		Port:               a.Port,
		MinInstances:       a.MinInstances,
		MaxInstances:       a.MaxInstances,
		PendingPerInstance: a.PendingPerInstance,
		IdleTimeout:        a.IdleTimeout.Std(),
		StartupDelayHint:   a.StartupDelayHint.Std(),
		HealthCheck: domain.HealthCheckConfig{
			Path:             a.HealthCheck.Path,
			Interval:         a.HealthCheck.Interval.Std(),
			Timeout:          a.HealthCheck.Timeout.Std(),
			FailureThreshold: a.HealthCheck.FailureThreshold,
		},
	}
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ProxyAddr:        ":8080",
		AdminAddr:        ":3000",
		LogLevel:         "info",
		ColdStartTimeout: Duration(30 * time.Second),
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error: the server is fully operable through the admin API alone.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
