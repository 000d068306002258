//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/onkernel/pdocker/cmd/pdocker/config"
	"github.com/onkernel/pdocker/lib/containers"
	"github.com/onkernel/pdocker/lib/images"
	"github.com/onkernel/pdocker/lib/providers"
)

// application struct to hold initialized components
type application struct {
	Ctx              context.Context
	Logger           *slog.Logger
	Config           *config.Config
	ImageManager     images.Manager
	ContainerManager containers.Manager
}

// initializeApp is the injector function
func initializeApp(ctx context.Context, overrides config.Overrides) (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideConfig,
		providers.ProvideLogConfig,
		providers.ProvideLogger,
		providers.ProvidePaths,
		providers.ProvideTelemetry,
		providers.ProvideCredentials,
		providers.ProvideRegistryClient,
		providers.ProvideImageManager,
		providers.ProvideSupervisor,
		providers.ProvideStore,
		providers.ProvideContainerManager,
		wire.Struct(new(application), "*"),
	))
}
