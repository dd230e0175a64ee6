package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/service"
	"github.com/lk2023060901/ai-chat-stream/internal/conf"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/logger"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/response"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// eventsPath is long-lived; logging it would only record the disconnect
const eventsPath = "/api/v1/chat/events"

type HTTPServer struct {
	server *http.Server
	logger *logger.Logger

	// cancelled on Stop so open event streams return and connections go idle
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func NewHTTPServer(
	config *conf.Config,
	log *logger.Logger,
	registry *prometheus.Registry,
	chatService *service.ChatService,
) *HTTPServer {
	gin.SetMode(config.Server.Mode)

	router := gin.New()
	router.Use(logger.GinRecovery(log))
	router.Use(logger.GinLogger(log, logger.MiddlewareOptions{
		SkipPaths: []string{"/health", "/metrics", eventsPath},
	}))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	// API routes
	api := router.Group("/api/v1")
	chatService.RegisterRoutes(api)

	router.NoRoute(func(c *gin.Context) {
		response.NotFound(c, c.Request.Method+" "+c.Request.URL.Path)
	})

	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &HTTPServer{
		server: &http.Server{
			Addr:              config.Server.Addr(),
			Handler:           router,
			ReadHeaderTimeout: config.Server.ReadTimeout,
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
		},
		logger:     log,
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
	}
}

// Handler exposes the router, mainly for tests
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	s.cancelBase()
	return s.server.Shutdown(ctx)
}
