package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onkernel/pdocker/cmd/pdocker/config"
	"github.com/onkernel/pdocker/lib/containers"
	"github.com/onkernel/pdocker/lib/images"
	"github.com/onkernel/pdocker/lib/logger"
	"github.com/onkernel/pdocker/lib/otel"
	"github.com/onkernel/pdocker/lib/paths"
	"github.com/onkernel/pdocker/lib/registry"
	"github.com/onkernel/pdocker/lib/store"
	"github.com/onkernel/pdocker/lib/supervisor"
)

// Version is stamped at build time.
var Version = "dev"

// ProvideConfig provides the application configuration
func ProvideConfig(o config.Overrides) *config.Config {
	return config.Load().Apply(o)
}

// ProvideLogConfig derives log levels from the environment and the
// verbosity flags. --debug wins over --quiet.
func ProvideLogConfig(cfg *config.Config) logger.Config {
	logCfg := logger.NewConfig()
	if cfg.LogLevel != "" {
		logCfg.Level = logger.ParseLevel(cfg.LogLevel, logCfg.Level)
	}
	switch {
	case cfg.Debug:
		logCfg.Level = slog.LevelDebug
		logCfg.Subsystems = nil
	case cfg.Quiet:
		logCfg.Level = slog.LevelError
	}
	return logCfg
}

// ProvideLogger provides the CLI logger
func ProvideLogger(logCfg logger.Config) *slog.Logger {
	return logger.NewSubsystemLogger(logger.SubsystemCLI, logCfg, nil)
}

// ProvidePaths provides the data directory layout
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.DataDir).WithContainersFile(cfg.ContainersFile)
}

// ProvideTelemetry provides meters and tracers, exporting over OTLP when
// an endpoint is configured
func ProvideTelemetry(ctx context.Context, cfg *config.Config) (*otel.Provider, func(), error) {
	p, err := otel.Init(ctx, otel.Config{
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		ServiceName: "pdocker",
		Version:     Version,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		_ = p.Shutdown(ctx)
	}
	return p, cleanup, nil
}

// ProvideCredentials provides the credentials file used by login
func ProvideCredentials(p *paths.Paths) *registry.Credentials {
	return registry.NewCredentials(p.CredentialsFile())
}

// ProvideRegistryClient provides the registry client. Environment
// credentials take precedence over stored logins.
func ProvideRegistryClient(cfg *config.Config, creds *registry.Credentials, logCfg logger.Config) *registry.Client {
	return registry.NewClient(registry.Options{
		Timeout: cfg.RequestTimeout,
		Keychain: registry.MultiKeychain{
			registry.StaticKeychain{Username: cfg.RegistryUsername, Password: cfg.RegistryPassword},
			creds,
		},
		Insecure:  cfg.InsecureRegistries,
		UserAgent: "pdocker/" + Version,
		Logger:    logger.NewSubsystemLogger(logger.SubsystemRegistry, logCfg, nil),
	})
}

// ProvideImageManager provides the image manager
func ProvideImageManager(cfg *config.Config, p *paths.Paths, client *registry.Client, telemetry *otel.Provider, logCfg logger.Config) (images.Manager, error) {
	platform, err := registry.ParsePlatform(cfg.Platform)
	if err != nil {
		return nil, err
	}
	return images.NewManager(p, client, images.Options{
		Platform:       platform,
		MaxConcurrency: cfg.MaxConcurrentDownloads,
		Logger:         logger.NewSubsystemLogger(logger.SubsystemImages, logCfg, nil),
		Meter:          telemetry.Meter,
	}), nil
}

// ProvideSupervisor provides the process supervisor
func ProvideSupervisor(cfg *config.Config, logCfg logger.Config) *supervisor.Supervisor {
	return supervisor.New(supervisor.Options{
		ProotPath:   cfg.ProotPath,
		StopTimeout: cfg.StopTimeout,
		Logger:      logger.NewSubsystemLogger(logger.SubsystemSupervisor, logCfg, nil),
	})
}

// ProvideStore provides the container store, checking liveness through
// the supervisor
func ProvideStore(p *paths.Paths, sup *supervisor.Supervisor, logCfg logger.Config) *store.Store {
	return store.New(p, sup, logger.NewSubsystemLogger(logger.SubsystemStore, logCfg, nil))
}

// ProvideContainerManager provides the lifecycle manager
func ProvideContainerManager(
	cfg *config.Config,
	p *paths.Paths,
	imageManager images.Manager,
	st *store.Store,
	sup *supervisor.Supervisor,
	client *registry.Client,
	creds *registry.Credentials,
	telemetry *otel.Provider,
	logCfg logger.Config,
) (containers.Manager, error) {
	return containers.NewManager(p, imageManager, st, sup, client, creds, containers.Options{
		StopTimeout: cfg.StopTimeout,
		Meter:       telemetry.Meter,
		Tracer:      telemetry.Tracer,
		Logger:      logger.NewSubsystemLogger(logger.SubsystemContainers, logCfg, nil),
	})
}
