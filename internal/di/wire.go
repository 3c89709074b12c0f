//go:build wireinject
// +build wireinject

package di

import (
	"CandleFlow/pkg/config"
	"CandleFlow/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,

		// Pipeline parts
		ProvideTradeGuard,
		ProvideSource,
		ProvideSink,
		ProvidePipeline,

		// Read side
		ProvideFeatureStore,
		ProvideCandlesUseCase,

		// Application server
		ProvideHTTPServer,
		ProvideApp,
	)
	return nil, nil, nil
}
