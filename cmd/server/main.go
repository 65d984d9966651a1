package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/manpreetbhatti/sketchroom/internal/api"
	"github.com/manpreetbhatti/sketchroom/internal/config"
	"github.com/manpreetbhatti/sketchroom/internal/cursor"
	"github.com/manpreetbhatti/sketchroom/internal/db"
	"github.com/manpreetbhatti/sketchroom/internal/discovery"
	"github.com/manpreetbhatti/sketchroom/internal/logging"
	"github.com/manpreetbhatti/sketchroom/internal/queue"
	"github.com/manpreetbhatti/sketchroom/internal/ratelimit"
	"github.com/manpreetbhatti/sketchroom/internal/room"
	"github.com/manpreetbhatti/sketchroom/internal/strokelog"
	"github.com/manpreetbhatti/sketchroom/internal/ws"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	backend, err := db.Open(db.Options{
		Driver:        cfg.Storage.Driver,
		SQLitePath:    cfg.Storage.SQLitePath,
		PostgresDSN:   cfg.Storage.PostgresDSN,
		RedisAddr:     cfg.Storage.RedisAddr,
		RedisPassword: cfg.Storage.RedisPassword,
		RedisDB:       cfg.Storage.RedisDB,
	})
	if err != nil {
		logger.Fatal("failed to open storage", zap.String("driver", cfg.Storage.Driver), zap.Error(err))
	}
	store := strokelog.NewStore(backend)

	writer := queue.New(queue.Config{
		Shards:    cfg.Writer.Shards,
		QueueSize: cfg.Writer.QueueSize,
		Timeout:   cfg.Storage.Timeout,
	}, logger)
	writer.Start()

	tracker := cursor.New(cursor.Config{
		StaleAfter:    cfg.Cursor.StaleAfter,
		SweepInterval: cfg.Cursor.SweepInterval,
	}, logger)
	tracker.Start()

	registry := room.NewRegistry(logger)
	gateway := ws.NewGateway(ws.Config{
		StorageTimeout:    cfg.Storage.Timeout,
		SendBuffer:        cfg.Server.SendBuffer,
		MaxMessageSize:    cfg.Server.MaxMessageSize,
		MessagesPerSecond: cfg.Server.MessagesPerSecond,
		MessageBurst:      cfg.Server.MessageBurst,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, registry, store, writer, tracker, logger)

	limiters := ratelimit.NewClientLimiters(cfg.Server.APIRequestsPerSec, cfg.Server.APIBurst)
	apiHandler := api.New(registry, store, logger, cfg.Storage.Timeout)
	router := api.NewRouter(apiHandler, func(c *gin.Context) {
		ws.ServeWs(gateway, c.Writer, c.Request)
	}, limiters, api.RouterConfig{AllowedOrigins: cfg.Server.AllowedOrigins})

	server := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: router,
	}

	var advertiser *discovery.Advertiser
	if cfg.Discovery.MDNS {
		advertiser, err = discovery.Advertise(cfg.Server.Port, logger)
		if err != nil {
			logger.Warn("mDNS advertisement disabled", zap.Error(err))
		}
	}

	go func() {
		logger.Info("sketchroom server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("storage", cfg.Storage.Driver))
		logger.Info("endpoints",
			zap.Strings("routes", []string{
				"GET /ws",
				"GET /health",
				"GET /api/stats",
				"POST /api/rooms/join",
				"GET /api/rooms/:roomId",
				"GET /api/rooms/:roomId/export",
			}))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	steps := []stopStep{
		{"http", func() error { return server.Shutdown(ctx) }},
	}
	if advertiser != nil {
		steps = append(steps, stopStep{"mdns", advertiser.Shutdown})
	}
	steps = append(steps,
		stopStep{"rate limiters", noErr(limiters.Stop)},
		stopStep{"cursor tracker", noErr(tracker.Stop)},
		// queued strokes are flushed before the store closes
		stopStep{"writer", noErr(writer.Stop)},
		stopStep{"storage", store.Close},
	)
	stopAll(logger, steps)
}

type stopStep struct {
	name string
	stop func() error
}

func noErr(stop func()) func() error {
	return func() error {
		stop()
		return nil
	}
}

// stopAll runs every step in order. A failing step is logged and does not
// keep later steps from running.
func stopAll(logger *zap.Logger, steps []stopStep) {
	for _, step := range steps {
		if err := step.stop(); err != nil {
			logger.Warn("shutdown step failed", zap.String("component", step.name), zap.Error(err))
		}
	}
}
