package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	httphandlers "peerlink/internal/handlers/http"
	"peerlink/internal/infrastructure/distributed"
	"peerlink/internal/infrastructure/monitoring"
	signalrelay "peerlink/internal/infrastructure/signal"
	webrtcinfra "peerlink/internal/infrastructure/webrtc"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"
	"peerlink/pkg/retry"
	"peerlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("PEERLINK_CONFIG"); path != "" {
		return config.Load(path)
	}

	for _, path := range []string{"configs/config.yaml", "config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	// Load applies env overrides on top of the defaults when the file is missing
	return config.Load("")
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		zap.NewExample().Sugar().Fatalw("invalid configuration", "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	instanceID := uuid.NewString()
	log = log.With("instance_id", instanceID)

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	hub := services.NewEventHub(log)
	metrics := monitoring.NewConnectionMetrics()

	transportCfg := webrtcinfra.Config{PacketSink: metrics.ObservePacket}
	transportCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	transportCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	transports := webrtcinfra.NewTransportFactory(transportCfg, log)

	manager, err := services.NewPeerConnectionManager(
		cfg.WebRTC.RTCConfiguration,
		transports,
		services.NewMetadataHookFactory(log),
		services.WithLogger(log),
		services.WithStatsInterval(cfg.Stats.Interval),
		services.WithEventPublisher(hub),
	)
	if err != nil {
		log.Fatalw("failed to create connection manager", "error", err)
	}

	go metrics.Run(ctx, hub)

	health := monitoring.NewHealthChecker()
	health.AddStatsLoopCheck(manager.Stats().Running, func() int { return len(manager.ParticipantIDs()) })

	var directory *distributed.ConnectionDirectory
	if cfg.Redis.Enabled {
		directory = startDistribution(ctx, cfg, instanceID, hub, health, log)
	}

	var authService services.AuthService
	if cfg.Auth.Enabled {
		authService = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	}

	relayCfg := signalrelay.RelayConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSize,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
		Compression:    cfg.Compression,
	}
	if cfg.RateLimiting.Enabled {
		relayCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		relayCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}

	relay := signalrelay.NewWebSocketRelay(manager, hub, authService, relayCfg, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandlers.NewRouter(httphandlers.RouterDeps{
		Config:      cfg,
		Connections: manager,
		Logger:      log,
		Auth:        authService,
		Health:      health,
		Metrics:     metrics,
		Relay:       relay,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting peerlink server",
			"address", cfg.Server.Address,
			"signal_path", cfg.Signal.Path,
			"auth_enabled", cfg.Auth.Enabled,
			"redis_enabled", cfg.Redis.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	manager.Destroy()

	// the directory entries expire on their own if this fails
	if directory != nil {
		if err := directory.Cleanup(shutdownCtx); err != nil {
			log.Warnw("failed to clean up connection directory", "error", err)
		}
	}
	stop()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}

	log.Info("peerlink server stopped")
}

// startDistribution connects to Redis and mirrors hub events to other instances
func startDistribution(
	ctx context.Context,
	cfg *config.Config,
	instanceID string,
	hub *services.EventHub,
	health *monitoring.HealthChecker,
	log *zap.SugaredLogger,
) *distributed.ConnectionDirectory {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Redis.ConnectTimeout)
	defer cancel()

	client, err := distributed.NewRedisClient(connectCtx, distributed.ClientConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Retry:    retry.DefaultConfig(),
	}, log)
	if err != nil {
		log.Fatalw("failed to connect to redis", "address", cfg.Redis.Address, "error", err)
	}
	go func() {
		<-ctx.Done()
		client.Close()
	}()

	health.AddRedisCheck(client, 2*time.Second)

	relay := distributed.NewEventRelay(client, instanceID, cfg.Redis.Channel, log)
	directory := distributed.NewConnectionDirectory(client, instanceID, 0, log)

	go func() {
		if err := relay.Forward(ctx, hub); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("event forwarding stopped", "error", err)
		}
	}()
	go func() {
		if err := directory.Track(ctx, hub); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("connection directory stopped", "error", err)
		}
	}()
	go func() {
		err := relay.Subscribe(ctx, func(ev distributed.RelayedEvent) error {
			logRemoteEvent(log, ev)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, redis.ErrClosed) {
			log.Errorw("remote event subscription stopped", "error", err)
		}
	}()

	return directory
}

func logRemoteEvent(log *zap.SugaredLogger, ev distributed.RelayedEvent) {
	switch ev.Event.Type {
	case domain.EventConnectionCreated, domain.EventPeerConnectionClosed:
		log.Infow("remote connection event",
			"remote_instance", ev.InstanceID,
			"type", ev.Event.Type,
			"participant_id", ev.Event.ParticipantID,
		)
	default:
		log.Debugw("remote event",
			"remote_instance", ev.InstanceID,
			"type", ev.Event.Type,
			"participant_id", ev.Event.ParticipantID,
		)
	}
}
