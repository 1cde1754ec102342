package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skyconnect/seat-chat/internal/api"
	"github.com/skyconnect/seat-chat/internal/backend"
	"github.com/skyconnect/seat-chat/internal/chatreq"
	"github.com/skyconnect/seat-chat/internal/config"
	"github.com/skyconnect/seat-chat/internal/gateway"
	"github.com/skyconnect/seat-chat/internal/messaging"
	"github.com/skyconnect/seat-chat/internal/moderation"
	"github.com/skyconnect/seat-chat/internal/presence"
	"github.com/skyconnect/seat-chat/internal/ratelimit"
	"github.com/skyconnect/seat-chat/internal/requestlog"
	"github.com/skyconnect/seat-chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}

	// --- Bus ---
	var bus messaging.Bus
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "seat-chat-" + cfg.ServerName
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		bus = natsClient
	} else {
		bus = messaging.NewLocalBus()
	}

	// --- Redis ---
	var (
		presenceStore *presence.Store
		limiter       *ratelimit.Limiter
		mutes         *moderation.MuteStore
		requests      chatreq.Store = chatreq.NewMemoryStore()
	)
	if cfg.RedisAddr != "" {
		presenceStore, err = presence.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(presenceStore.Client())
		mutes = moderation.NewMuteStore(presenceStore.Client())
		if cfg.RequestStore == config.StoreRedis {
			requests = chatreq.NewRedisStore(presenceStore.Client())
		}
	}

	// --- Request log sinks ---
	var (
		sinks       []requestlog.Sink
		seatChecker gateway.SeatChecker
		history     api.History
		amqpSink    *requestlog.AMQPSink
	)
	if cfg.BackendURL != "" {
		client := backend.NewClient(cfg.BackendURL, cfg.BackendTimeout)
		seatChecker = client
		sinks = append(sinks, requestlog.NewHTTPSink(client))
	}
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := requestlog.OpenPostgres(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
		if err := requestlog.Migrate(db); err != nil {
			log.Fatalf("failed to migrate request log: %v", err)
		}
		pg := requestlog.NewPGStore(db)
		sinks = append(sinks, pg)
		history = pg
	}
	if cfg.AMQPURL != "" {
		amqpSink, err = requestlog.NewAMQPSink(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			log.Fatalf("failed to connect to RabbitMQ: %v", err)
		}
		sinks = append(sinks, amqpSink)
	}
	recorder := requestlog.NewRecorder(1024, 5*time.Second, sinks...)
	recorder.Start()

	filter := moderation.NewFilter()
	if len(cfg.BlockedTerms) > 0 {
		filter = moderation.NewFilterWithTerms(cfg.BlockedTerms)
	}

	log.Printf("SkyConnect seat chat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  nats_url:        %q", cfg.NATSURL)
	log.Printf("  redis_addr:      %q", cfg.RedisAddr)
	log.Printf("  request_store:   %s", cfg.RequestStore)
	log.Printf("  request_sinks:   %d", len(sinks))

	gw := gateway.New(gateway.Deps{
		ServerName: cfg.ServerName,
		Registry:   presence.NewRegistry(),
		Presence:   presenceStore,
		Bus:        bus,
		Requests:   requests,
		Filter:     filter,
		Limiter:    limiter,
		Mutes:      mutes,
		Seats:      seatChecker,
		Recorder:   recorder,
	})
	if err := gw.Start(); err != nil {
		log.Fatalf("failed to start gateway: %v", err)
	}

	dispatcher := ws.NewMessageDispatcher()
	gw.Register(dispatcher)

	server := ws.NewServer(serverConfig, dispatcher.Dispatch)
	server.SetOnDisconnect(func(c *ws.Connection) { gw.Disconnect(c) })

	api.Register(server.Echo(), &api.Handler{
		Requests: gw.Broker(),
		Presence: gw,
		History:  history,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if presenceStore != nil {
		presence.StartRefresher(ctx, gw.Registry(), presenceStore, presence.TTL/4)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		gw.Close()
		bus.Close()
		recorder.Close()
		if amqpSink != nil {
			if err := amqpSink.Close(); err != nil {
				log.Printf("amqp close error: %v", err)
			}
		}
		if presenceStore != nil {
			if err := presenceStore.Close(); err != nil {
				log.Printf("presence store close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
