package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lab1702/seabattle-server/server"
	"github.com/lab1702/seabattle-server/store"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	redisAddr := flag.String("redis", "", "Redis address (empty runs the in-memory store)")
	dev := flag.Bool("dev", false, "Development logging")
	flag.Parse()

	logger := zap.Must(zap.NewProduction())
	if *dev {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := server.ConfigFromEnv()
	if err != nil {
		logger.Fatal("configuration", zap.Error(err))
	}

	var st store.Store
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal("redis unreachable", zap.String("addr", *redisAddr), zap.Error(err))
		}
		st = store.NewRedis(rdb)
		logger.Info("using redis store", zap.String("addr", *redisAddr))
	} else {
		st = store.NewMemory()
		logger.Info("using in-memory store")
	}

	placement := server.NewPlacementManager(logger, st, cfg)
	battle := server.NewBattleManager(logger, st, cfg)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeper := server.NewSweeper(logger, st, cfg, placement, battle)
	go sweeper.Run(sweepCtx)

	var origins []string
	if raw := os.Getenv("SEABATTLE_ALLOWED_ORIGINS"); raw != "" {
		origins = strings.Split(raw, ",")
	}
	router := server.NewRouter(logger, st, origins, placement, battle)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))

	stopSweeper()
	placement.Shutdown()
	battle.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
