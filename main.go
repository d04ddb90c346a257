package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"marketchat/internal/auth"
	"marketchat/internal/backplane"
	"marketchat/internal/config"
	"marketchat/internal/db"
	"marketchat/internal/handlers"
	"marketchat/internal/middleware"
	"marketchat/internal/observability"
	"marketchat/internal/presence"
	"marketchat/internal/rabbitmq"
	"marketchat/internal/repositories"
	"marketchat/internal/telemetry"
	"marketchat/internal/ws"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg := config.Load()

	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, "marketchat")
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("tracing shutdown failed: %v", err)
		}
	}()

	database, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	log.Printf("audit publisher mode=%s", rabbitmq.PublisherMode(publisher))
	audit := telemetry.NewAuditEmitter(publisher, "chat.audit", "marketchat", cfg.Environment)

	var bus backplane.Bus
	var redisBus *backplane.RedisBus
	if cfg.RedisAddr != "" {
		redisBus, err = backplane.NewRedisBus(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisBus.Close()
		bus = redisBus
		log.Printf("backplane=redis addr=%s", cfg.RedisAddr)
	} else {
		if cfg.MultiInstance {
			log.Fatal("MULTI_INSTANCE=true requires REDIS_ADDR")
		}
		bus = backplane.NewLocalBus()
		log.Print("backplane=local single-instance mode")
	}

	presenceRepo := repositories.NewPresenceRepo(database)
	var tracker *presence.Tracker
	if redisBus != nil {
		tracker = presence.NewTracker(presenceRepo, redisBus.Client(), cfg.PresenceTTL)
	} else {
		tracker = presence.NewTracker(presenceRepo, nil, cfg.PresenceTTL)
	}

	convRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)

	hub := ws.NewHub(bus)
	tracker.SetStatusFunc(func(userID int, online bool, lastSeen time.Time, excludeConnID string) {
		hub.BroadcastUserStatus(context.Background(), userID, online, lastSeen, excludeConnID)
	})

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	chatHandler := handlers.NewChatHandler(convRepo, messageRepo, hub, audit)
	presenceHandler := handlers.NewPresenceHandler(presenceRepo)
	wsHandler := ws.NewHandler(hub, convRepo, messageRepo, verifier, tracker, audit)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("marketchat"))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(verifier)

	router.GET("/chat/conversations", authMiddleware, chatHandler.ListConversations)
	router.POST("/chat/conversations", authMiddleware, chatHandler.StartConversation)
	router.GET("/chat/conversations/:id", authMiddleware, chatHandler.GetConversation)
	router.DELETE("/chat/conversations/:id", authMiddleware, chatHandler.DeleteConversation)
	router.GET("/chat/conversations/:id/messages", authMiddleware, chatHandler.GetMessages)
	router.POST("/chat/conversations/:id/messages", authMiddleware, chatHandler.PostMessage)
	router.POST("/chat/conversations/:id/mark-read", authMiddleware, chatHandler.MarkRead)
	router.GET("/chat/presence/:user_id", authMiddleware, presenceHandler.GetPresence)

	router.GET("/ws/chat", wsHandler.Handle)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracker.Shutdown(shutdownCtx)
	}()

	log.Printf("listening on :%s environment=%s", cfg.Port, cfg.Environment)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
