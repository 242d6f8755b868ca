package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/graceful"
	"github.com/gin-gonic/gin"

	"relay"
	"relay/internal/api/handler/endpoints"
	"relay/internal/execution"
	"relay/internal/realtime"
	"relay/internal/upstream"
	"relay/internal/workflow"
)

func main() {
	relay.InitConfig(".env")
	gin.SetMode(gin.ReleaseMode)
	if relay.GetConfig().Mode == "dev" {
		gin.SetMode(gin.DebugMode)
	}
	cfg := relay.GetConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mappings, err := workflow.LoadMappings(cfg.WorkflowConfig.MappingsFile)
	if err != nil {
		relay.Logger.Fatal().Err(err).Msg("Failed to load node mappings")
	}
	mapper := workflow.NewMapper(mappings, cfg.WorkflowConfig.Variant)

	store := workflow.NewStore(relay.Logger)
	if err := store.LoadFile(cfg.WorkflowConfig.File); err != nil {
		relay.Logger.Fatal().Err(err).Msg("Failed to load workflow file")
	}

	hub := realtime.NewHub(relay.Logger)
	if cfg.NATSConfig.URL != "" {
		mirror, err := realtime.NewMirror(cfg.NATSConfig.URL, relay.Logger)
		if err != nil {
			relay.Logger.Fatal().Err(err).Msg("Failed to connect NATS mirror")
		}
		defer mirror.Close()
		hub.SetMirror(mirror)
	}
	go hub.Run()
	relay.Logger.Info().Msg("Broadcast hub started")

	connector := upstream.NewConnector(cfg.ComfyConfig.Host, cfg.ComfyConfig.Port, mapper.SaveImageNode(), hub, relay.Logger)
	if err := connector.CheckHealth(ctx); err != nil {
		relay.Logger.Fatal().Err(err).Msg("Engine is not reachable")
	}
	if err := connector.Connect(ctx); err != nil {
		relay.Logger.Fatal().Err(err).Msg("Failed to connect to engine event socket")
	}

	coordinator := execution.NewCoordinator(connector, mapper.SaveImageNode(), relay.Logger)
	go connector.ReadLoop(coordinator)

	// Relay WebSocket listener on its own port
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		realtime.ServeWS(hub, relay.Logger, w, r)
	})
	wsServer := &http.Server{Addr: cfg.RelayWSPort, Handler: wsMux}
	go func() {
		relay.Logger.Info().Str("addr", cfg.RelayWSPort).Msg("Relay WebSocket server listening")
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			relay.Logger.Fatal().Err(err).Msg("Relay WebSocket server failed")
		}
	}()

	router, err := graceful.Default(graceful.WithAddr(cfg.ApiPort))
	if err != nil {
		panic(err)
	}
	defer router.Close()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	endpoints.WorkflowHandler(router, store, mapper, coordinator)
	endpoints.ExecutionHandler(router, store, mapper, coordinator, connector, hub, cfg)

	relay.Logger.Info().Str("addr", cfg.ApiPort).Msg("Starting relay HTTP API")
	if err = router.RunWithContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		relay.Logger.Fatal().Msg(err.Error())
	}

	// Cancel whatever is still running before going down
	if coordinator.InFlight() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := connector.Interrupt(shutdownCtx); err != nil {
			relay.Logger.Warn().Err(err).Msg("Failed to interrupt workflow on shutdown")
		}
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		relay.Logger.Warn().Err(err).Msg("Relay WebSocket server shutdown failed")
	}
}
