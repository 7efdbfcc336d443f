package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dg-devloper/mjopen-api-sub001/internal/api"
	"github.com/dg-devloper/mjopen-api-sub001/internal/callback"
	"github.com/dg-devloper/mjopen-api-sub001/internal/config"
	"github.com/dg-devloper/mjopen-api-sub001/internal/db"
	"github.com/dg-devloper/mjopen-api-sub001/internal/logging"
	"github.com/dg-devloper/mjopen-api-sub001/internal/notify"
	"github.com/dg-devloper/mjopen-api-sub001/internal/redis"
	"github.com/dg-devloper/mjopen-api-sub001/internal/registry"
	"github.com/dg-devloper/mjopen-api-sub001/internal/runtime"
	"github.com/dg-devloper/mjopen-api-sub001/internal/storage"
	"github.com/dg-devloper/mjopen-api-sub001/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_service", "service", "mjopen-api", "http_addr", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	st := store.New(logger, dbConn)

	notifier := callback.New(logger, cfg.NotifyHook, cfg.NotifySecret, cfg.NotifyPoolSize)

	var mailer *notify.Mailer
	if cfg.SMTPHost != "" && cfg.SMTPTo != "" {
		mailer = notify.NewMailer(logger, redisClient, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPPass, strings.Split(cfg.SMTPTo, ","))
		logger.Info("mailer_configured", "to", cfg.SMTPTo)
	}

	var mirror runtime.ImageMirror
	if cfg.R2Bucket != "" {
		mirrorCfg := storage.MirrorConfig{
			Endpoint:  cfg.R2Endpoint,
			Bucket:    cfg.R2Bucket,
			CDNURL:    cfg.DiscordCDNURL,
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		}
		if cfg.R2KeysRaw != "" {
			var keys struct {
				AccessKeyID     string `json:"access_key_id"`
				SecretAccessKey string `json:"secret_access_key"`
				PublicURL       string `json:"public_url"`
				Region          string `json:"region"`
			}
			if err := json.Unmarshal([]byte(cfg.R2KeysRaw), &keys); err == nil {
				mirrorCfg.AccessKeyID = keys.AccessKeyID
				mirrorCfg.SecretAccessKey = keys.SecretAccessKey
				mirrorCfg.PublicURL = keys.PublicURL
				mirrorCfg.Region = keys.Region
			}
		}
		m, err := storage.NewS3Mirror(logger, mirrorCfg)
		if err != nil {
			logger.Warn("image_mirror_init_failed", "error", err)
		} else {
			mirror = m
			logger.Info("image_mirror_configured", "bucket", cfg.R2Bucket)
		}
	}

	reg := registry.New(logger, &cfg, st, redisClient, notifier, mailer, mirror)
	if err := reg.Load(ctx); err != nil {
		logger.Error("registry_load_failed", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(logger, &cfg, st, redisClient, reg)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()
	logger.Info("api_server_ready", "addr", cfg.HTTPAddr)

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	reg.CloseAll()
	logger.Info("accounts_closed")

	notifier.Close()
	logger.Info("callback_workers_stopped")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	}
	dbConn.Close()
	logger.Info("stopped")
}
