package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hashicorp/go-hclog"

	"github.com/melih/breakwater/internal/adapters/docker"
	api "github.com/melih/breakwater/internal/adapters/http"
	"github.com/melih/breakwater/internal/adapters/store"
	"github.com/melih/breakwater/internal/config"
	"github.com/melih/breakwater/internal/core/domain"
	"github.com/melih/breakwater/internal/core/ports"
	"github.com/melih/breakwater/internal/core/service"
)

const version = "0.3.0"

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	configPath := flag.String("config", "breakwater.yaml", "Path to configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("breakwater %s\n", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "breakwater: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "breakwater",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	// 1. Infrastructure adapters: state store and container runtime.
	var st ports.Store = store.NewMemory()
	if cfg.StorePath != "" {
		fileStore, err := store.NewFile(cfg.StorePath)
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		st = fileStore
	} else {
		log.Warn("no store_path configured, state will not survive restarts")
	}

	runtime, err := docker.NewAdapter(log.Named("docker"), docker.Config{
		Network:     cfg.Docker.Network,
		HostIP:      cfg.Docker.HostIP,
		StopTimeout: cfg.Docker.StopTimeout.Std(),
	})
	if err != nil {
		return err
	}
	defer runtime.Close()

	// 2. Control plane. The health checker subscribes before recovery so
	// every adopted instance gets a probe loop.
	manager := service.New(log.Named("manager"), st, runtime, service.Config{
		ProvisionAttempts: cfg.Provision.Attempts,
		BackoffBase:       cfg.Provision.BackoffBase.Std(),
		BackoffMax:        cfg.Provision.BackoffMax.Std(),
		StartupGrace:      cfg.Provision.StartupGrace.Std(),
		DrainTimeout:      cfg.Provision.DrainTimeout.Std(),
		Retention:         cfg.Provision.Retention.Std(),
		SweepInterval:     cfg.Provision.SweepInterval.Std(),
		ReadyCallbackBase: cfg.ReadyCallbackBase,
	})
	defer manager.Close()

	checker := service.NewChecker(log.Named("health"), manager)
	defer checker.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Recover(ctx); err != nil {
		return fmt.Errorf("recover state: %w", err)
	}
	registerStaticApps(ctx, log, manager, cfg.Apps)

	go manager.Run(ctx)

	// 3. Data plane.
	proxy := api.NewProxy(log.Named("proxy"), manager, api.ProxyConfig{
		Domain:           cfg.Domain,
		ColdStartTimeout: cfg.ColdStartTimeout.Std(),
		MaxBufferedBody:  cfg.MaxBufferedBody,
	})
	proxySrv := &http.Server{
		Addr:    cfg.ProxyAddr,
		Handler: proxy,
		ErrorLog: log.Named("proxy").StandardLogger(&hclog.StandardLoggerOptions{
			InferLevels: true,
		}),
	}

	// 4. Admin plane.
	admin := api.NewAdminHandler(manager, runtime)
	adminApp := fiber.New()
	admin.Register(adminApp.Group("/api").Group("/v1"))
	adminApp.Get("/healthz", admin.Health)

	errc := make(chan error, 2)
	go func() {
		log.Info("proxy listening", "addr", cfg.ProxyAddr)
		if err := proxySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("proxy server: %w", err)
		}
	}()
	go func() {
		log.Info("admin api listening", "addr", cfg.AdminAddr)
		if err := adminApp.Listen(cfg.AdminAddr); err != nil {
			errc <- fmt.Errorf("admin server: %w", err)
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	// Shutdown drains the listeners but leaves instances running; the next
	// boot re-adopts them from the store.
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := proxySrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("proxy shutdown", "error", err)
	}
	if err := adminApp.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn("admin shutdown", "error", err)
	}
	return nil
}

// registerStaticApps creates apps declared in the config file. Apps already
// present (recovered from the store) are left untouched.
func registerStaticApps(ctx context.Context, log hclog.Logger, manager *service.Manager, apps []config.AppConfig) {
	for _, ac := range apps {
		if _, err := manager.CreateApp(ctx, ac.ToDomain()); err != nil {
			if errors.Is(err, domain.ErrAppExists) {
				continue
			}
			log.Error("register app from config", "app", ac.Name, "error", err)
			continue
		}
		log.Info("registered app from config", "app", ac.Name)
	}
}
