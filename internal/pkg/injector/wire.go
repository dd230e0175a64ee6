//go:build wireinject
// +build wireinject

package injector

import (
	"github.com/google/wire"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/service"
	"github.com/lk2023060901/ai-chat-stream/internal/conf"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/logger"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/sse"
	"github.com/lk2023060901/ai-chat-stream/internal/server"
)

// ProviderSet is the Wire provider set for all dependencies
var ProviderSet = wire.NewSet(
	// Ambient
	ambientProviderSet,

	// Data layer
	dataProviderSet,

	// Use cases
	useCaseProviderSet,

	// HTTP services
	httpServiceProviderSet,

	// Servers
	serverProviderSet,
)

var ambientProviderSet = wire.NewSet(
	provideZapLogger,
	provideRegistry,
	provideMetrics,
)

var dataProviderSet = wire.NewSet(
	provideThreadRepo,
	provideWorkerPool,
	provideTitleGenerator,
	provideTransport,
)

var useCaseProviderSet = wire.NewSet(
	sse.NewHub,
	service.NewPublisher,
	provideController,
	provideThreadUseCase,
	provideChatUseCase,
)

var httpServiceProviderSet = wire.NewSet(
	service.NewChatService,
)

var serverProviderSet = wire.NewSet(
	server.NewHTTPServer,
)

// InitializeApp initializes the application with Wire
func InitializeApp(config *conf.Config, log *logger.Logger) (*App, func(), error) {
	wire.Build(ProviderSet, newApp)
	return nil, nil, nil
}
