package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fixlink/fixlink-client/internal/auth"
	"github.com/fixlink/fixlink-client/internal/bridge"
	"github.com/fixlink/fixlink-client/internal/chat"
	"github.com/fixlink/fixlink-client/internal/client"
	"github.com/fixlink/fixlink-client/internal/config"
	"github.com/fixlink/fixlink-client/internal/device"
	"github.com/fixlink/fixlink-client/internal/logger"
	"github.com/fixlink/fixlink-client/internal/models"
	"github.com/fixlink/fixlink-client/internal/service"
	"github.com/fixlink/fixlink-client/internal/storage"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/local.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting fixlink client agent",
		zap.String("env", cfg.Env),
		zap.String("config_path", *configPath),
	)

	store, err := storage.New(cfg.StoragePath, log.Logger)
	if err != nil {
		log.Fatal("Failed to open local store", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Failed to close local store", zap.Error(err))
		}
	}()

	deviceID, err := device.NewManager().GetOrGenerateID(os.Getenv("FIXLINK_DEVICE_ID"))
	if err != nil {
		log.Fatal("Failed to resolve device ID", zap.Error(err))
	}
	log.Info("Device identified", zap.String("device_id", deviceID))

	tokens := auth.NewTokenController(store, log.Logger)
	session := auth.NewSessionLifecycle(
		tokens,
		store,
		time.Duration(cfg.Session.WarningAfter*float64(time.Minute)),
		time.Duration(cfg.Session.LogoutAfter*float64(time.Minute)),
		log.Logger,
	)

	api := client.NewAPIClient(
		cfg.Backend.BaseURL,
		tokens,
		time.Duration(cfg.Backend.Timeout)*time.Second,
		log.Logger,
	)
	tokens.BindRefresh(api.RefreshSession)
	session.BindAuthenticator(api)

	// Resume the persisted session if one exists, otherwise log in with
	// credentials from the environment
	if pair, ok, err := store.LoadTokenPair(); err != nil {
		log.Warn("Failed to load stored tokens", zap.Error(err))
	} else if ok {
		session.Resume(pair)
	} else {
		username := os.Getenv("FIXLINK_USERNAME")
		password := os.Getenv("FIXLINK_PASSWORD")
		if username == "" || password == "" {
			log.Fatal("No stored session and no FIXLINK_USERNAME/FIXLINK_PASSWORD set")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := session.Login(ctx, username, password, deviceID)
		cancel()
		if err != nil {
			log.Fatal("Login failed", zap.Error(err))
		}
	}

	accessToken, _ := tokens.AccessToken()
	selfID, role, ok := auth.TokenIdentity(accessToken)
	if !ok {
		log.Fatal("Access token carries no identity claims")
	}
	selfRole := models.RoleClient
	if role == string(models.RoleTechnician) {
		selfRole = models.RoleTechnician
	}

	conversations := chat.NewConversationStore(
		selfID,
		time.Duration(cfg.Chat.TypingTTL)*time.Second,
		log.Logger,
	)

	positions := bridge.NewPositionStore(cfg.Bridge.PositionTTL, log.Logger)

	syncService := service.NewSyncService(
		service.Options{
			RealtimeBaseURL: cfg.Realtime.BaseURL,
			ReconnectDelay:  time.Duration(cfg.Realtime.ReconnectDelay) * time.Second,
			SendQueueSize:   cfg.Realtime.SendQueueSize,
			SampleInterval:  time.Duration(cfg.Tracking.SampleInterval) * time.Second,
			MinutesPerKm:    cfg.Tracking.MinutesPerKm,
			MovementEpsilon: cfg.Tracking.MovementEpsilonM,
			OutboxInterval:  time.Duration(cfg.Chat.OutboxInterval) * time.Second,
			SelfID:          selfID,
			SelfRole:        selfRole,
		},
		session,
		api,
		store,
		conversations,
		positions,
		log.Logger,
	)

	session.OnStateChange(func(state auth.SessionState) {
		log.Info("Session state changed", zap.String("state", string(state)))
		if state == auth.SessionExpired {
			syncService.Stop()
		}
	})

	var bridgeServer *http.Server
	if cfg.Bridge.Enabled {
		handler := bridge.NewServer(positions, session, log.Logger)
		addr := fmt.Sprintf("localhost:%d", cfg.Bridge.Port)
		bridgeServer = &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			log.Info("Starting presentation bridge", zap.String("address", addr))
			if err := bridgeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Bridge server error", zap.Error(err))
			}
		}()
	} else {
		log.Info("Presentation bridge disabled in configuration")
	}

	session.Start()
	syncService.Start()
	syncService.OpenNotifications()

	log.Info("Fixlink client agent started",
		zap.String("user_id", selfID),
		zap.String("role", string(selfRole)),
		zap.String("backend_url", cfg.Backend.BaseURL),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	if bridgeServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := bridgeServer.Shutdown(ctx); err != nil {
			log.Warn("Bridge shutdown error", zap.Error(err))
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		syncService.Stop()
		session.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Sync service stopped")
	case <-time.After(3 * time.Second):
		log.Warn("Shutdown timeout reached, forcing exit")
		os.Exit(1)
	}

	log.Info("Fixlink client agent stopped")
}
