package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/codebox-cloud/codebox/internal/codegen"
	"github.com/codebox-cloud/codebox/internal/compute"
	"github.com/codebox-cloud/codebox/internal/config"
	"github.com/codebox-cloud/codebox/internal/deploy"
	"github.com/codebox-cloud/codebox/internal/identity"
	"github.com/codebox-cloud/codebox/internal/lock"
	"github.com/codebox-cloud/codebox/internal/logger"
	"github.com/codebox-cloud/codebox/internal/pprof"
	"github.com/codebox-cloud/codebox/internal/ratelimit"
	"github.com/codebox-cloud/codebox/internal/server"
	"github.com/codebox-cloud/codebox/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	// Keep serving other sandboxes when a stray goroutine faults.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Uncaught panic: %v", r)
			err = fmt.Errorf("uncaught panic: %v", r)
		}
	}()

	store := storage.NewHTTPStore(cfg.Storage.BaseURL, cfg.Storage.APIKey)

	provider, err := compute.NewHTTPProvider(compute.HTTPProviderConfig{
		BaseURL:  cfg.Compute.BaseURL,
		APIKey:   cfg.Compute.APIKey,
		Template: cfg.Compute.Template,
		Timeout:  cfg.ComputeTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to create compute provider: %w", err)
	}

	users := identity.NewClient(cfg.Identity.BaseURL, cfg.Identity.ServiceKey)

	locks := lock.NewManager()
	rates := ratelimit.NewLimits()

	var transport deploy.Transport
	var runner deploy.CommandRunner
	if cfg.Deploy.Host != "" {
		transport = deploy.NewGitTransport(cfg.Deploy.Host, cfg.Deploy.PrivateKeyPath)
		sshClient, sshErr := deploy.NewSSHClient(cfg.Deploy.Host, cfg.Deploy.Username, cfg.Deploy.PrivateKeyPath)
		if sshErr != nil {
			logger.Warn("Deployment command API disabled: %v", sshErr)
		} else {
			runner = sshClient
		}
	}
	deployer := deploy.NewCoordinator(transport, runner, locks)

	var codegenClient codegen.Client
	if cfg.Codegen.APIKey != "" {
		codegenClient, err = codegen.NewClient(cfg.Codegen.Provider, cfg.Codegen.APIKey, cfg.Codegen.Model)
		if err != nil {
			return fmt.Errorf("failed to create codegen client: %w", err)
		}
	} else {
		logger.Warn("No codegen API key configured, code generation disabled")
	}

	registry := server.NewRegistry(server.RegistryOptions{
		Provider:       provider,
		Store:          store,
		Locks:          locks,
		MaxBodySize:    cfg.Limits.MaxBodySize,
		MaxProjectSize: cfg.Limits.MaxProjectSize,
		MaxTerminals:   cfg.Limits.MaxTerminals,
	})
	hub := server.NewHub()

	router := server.NewRouter(server.RouterOptions{
		Registry:       registry,
		Hub:            hub,
		Users:          users,
		Rates:          rates,
		Deployer:       deployer,
		Codegen:        codegenClient,
		SandboxTimeout: cfg.ComputeTimeout(),
		ReadLimit:      cfg.Limits.MaxBodySize * 2,
	})

	srv := server.NewServer(cfg.Port, router, registry, hub, rates)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	var profiler *pprof.Server
	if cfg.PprofAddr != "" {
		profiler = pprof.NewServer(cfg.PprofAddr)
		profiler.Start()
	}

	logger.Info("codebox orchestrator started on port %d", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received %v, shutting down", sig)

	if profiler != nil {
		if err := profiler.Stop(); err != nil {
			logger.Warn("Failed to stop profiling server: %v", err)
		}
	}
	return srv.Stop()
}
