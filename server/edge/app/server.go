package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	commonauth "market_edge/server/common/auth"
	"market_edge/server/common/infra/cache"
	"market_edge/server/common/infra/mq"
	"market_edge/server/edge/api"
	"market_edge/server/edge/service"
	rtservice "market_edge/server/realtime/service"
)

type Server struct {
	HTTPServer *http.Server
	Redis      *redis.Client
	MQConn     *amqp.Connection
	Publisher  *rtservice.NotifyPublisher
	Sessions   *service.SessionManager
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	redisClient := cache.NewClient(cfg.RedisAddr)
	if err := cache.Ping(ctx, redisClient); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	var (
		mqConn    *amqp.Connection
		publisher *rtservice.NotifyPublisher
		err       error
	)
	if cfg.UseMQ {
		mqConn, err = mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		publisher, err = rtservice.NewNotifyPublisher(mqConn)
		if err != nil {
			return nil, fmt.Errorf("initialize notify publisher: %w", err)
		}
	}

	resolver := service.NewSessionResolver(cfg.ProviderSessionSecret, redisClient)
	gate := service.NewGate(service.GateConfig{
		ProtectedPrefixes: cfg.ProtectedPrefixes,
		SignInPath:        cfg.SignInPath,
		SessionCookie:     cfg.ProviderSessionCookie,
		SecureCookies:     cfg.SecureCookies(),
	}, resolver)

	sessionCfg := service.SessionManagerConfig{
		WSBaseURL:        cfg.ChatWSBaseURL,
		ChatEndpoints:    cfg.ChatEndpoints,
		ReconnectBase:    cfg.ReconnectBase,
		ReconnectCeiling: cfg.ReconnectCeiling,
	}
	var sessions *service.SessionManager
	if publisher != nil {
		sessions = service.NewSessionManager(sessionCfg, publisher)
	} else {
		sessions = service.NewSessionManager(sessionCfg, nil)
	}

	auth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	h := api.NewHandler(sessions, gate, auth, cfg.ProviderSessionCookie)
	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		HTTPServer: httpServer,
		Redis:      redisClient,
		MQConn:     mqConn,
		Publisher:  publisher,
		Sessions:   sessions,
	}, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.Sessions != nil {
		s.Sessions.Shutdown()
	}
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	return s.HTTPServer.Shutdown(ctx)
}
