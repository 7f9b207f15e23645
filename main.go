package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"livechat/internal/auth"
	"livechat/internal/config"
	"livechat/internal/db"
	"livechat/internal/grpcserver"
	"livechat/internal/handlers"
	"livechat/internal/middleware"
	"livechat/internal/natsbus"
	"livechat/internal/observability"
	"livechat/internal/rabbitmq"
	"livechat/internal/repositories"
	"livechat/internal/telemetry"
	"livechat/internal/ws"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Environment)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	database, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	userRepo := repositories.NewUserRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	presence := newPresenceStore(ctx, cfg, database)

	events := newEventBus(cfg)
	defer events.Close()

	audit := telemetry.NewAuditEmitter(events, "audit.log", cfg.ServiceName, cfg.Environment)

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)
	directory := auth.NewDirectory(userRepo, presence, tokens)

	engine := ws.NewEngine(messageRepo, presence, directory, events, ws.Options{
		DeliveryMode:        cfg.DeliveryMode,
		ReceiverPolicy:      cfg.ReceiverPolicy,
		AllowLegacyIdentify: cfg.AllowLegacyIdentify,
		MaxContentLength:    cfg.MaxContentLength,
	})
	log.Printf("sync engine configured delivery_mode=%s receiver_policy=%s legacy_identify=%t",
		cfg.DeliveryMode, cfg.ReceiverPolicy, cfg.AllowLegacyIdentify)

	authHandler := handlers.NewAuthHandler(directory, audit)
	userHandler := handlers.NewUserHandler(directory)
	messageHandler := handlers.NewMessageHandler(engine)
	wsHandler := ws.NewWebSocketHandler(engine)

	router := gin.Default()
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(middleware.CORS(cfg.CORSOrigin))

	authMiddleware := middleware.AuthMiddleware(directory)

	router.POST("/signup", authHandler.Signup)
	router.POST("/signin", authHandler.Signin)
	router.GET("/users", authMiddleware, userHandler.ListUsers)
	router.POST("/message", authMiddleware, messageHandler.SendMessage)
	router.GET("/messages/:recipientId", authMiddleware, messageHandler.GetMessages)
	router.GET("/ws", wsHandler.Handle)

	router.GET("/healthz", handlers.Healthz(database))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, audit, engine.Registry(), cfg.DebugRoutes)

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatalf("failed to listen for grpc: %v", err)
	}
	healthSrv := grpcserver.New(database, 10*time.Second)
	go func() {
		if err := healthSrv.Serve(ctx, grpcLis); err != nil {
			log.Printf("grpc server error: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("http server listening addr=%s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	healthSrv.Stop()
}

func newPresenceStore(ctx context.Context, cfg *config.Config, database *sqlx.DB) repositories.PresenceStore {
	if cfg.PresenceBackend != "redis" {
		return repositories.NewSQLPresenceStore(database)
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("redis presence unavailable, falling back to sql: addr=%s err=%v", cfg.RedisAddr, err)
		_ = client.Close()
		return repositories.NewSQLPresenceStore(database)
	}
	log.Printf("presence backend=redis addr=%s", cfg.RedisAddr)
	return repositories.NewRedisPresenceStore(client)
}

func newEventBus(cfg *config.Config) telemetry.Publisher {
	switch cfg.EventBus {
	case "nats":
		pub, err := natsbus.New(cfg.NATSURL, "livechat")
		if err != nil {
			log.Printf("event bus disabled, using noop: %v", err)
			return rabbitmq.NewNoop(err.Error())
		}
		return pub
	case "none", "":
		return rabbitmq.NewNoop("event bus disabled")
	default:
		pub := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		log.Printf("event bus mode=%s reason=%q", rabbitmq.PublisherMode(pub), rabbitmq.PublisherNoopReason(pub))
		return pub
	}
}
