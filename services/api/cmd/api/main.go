package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"rosterhub/internal/util"
	"rosterhub/pkg/cache"
	"rosterhub/pkg/importer"
	"rosterhub/pkg/mail"
	"rosterhub/pkg/queue"
	"rosterhub/pkg/storage"
	"rosterhub/pkg/store"
	"rosterhub/services/api/internal/app"
	"rosterhub/services/api/internal/config"
	"rosterhub/services/api/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		redisClient = client
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL, store.WithPool(cfg.DBMaxOpenConns, cfg.DBMaxIdleConns))
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	defer dataStore.Close()

	blobs, err := storage.Open(ctx, storage.Options{
		Driver: cfg.StorageDriver,
		Dir:    cfg.DataDir,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		},
	})
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}

	var listCache cache.CollaboratorCache = cache.NewMemoryCache()
	if redisClient != nil {
		listCache = cache.NewRedisCache(redisClient, "")
	}

	var (
		jobs     queue.JobQueue
		inline   *queue.MemoryJobQueue
		mailSink *mail.AsyncMailer
	)
	switch cfg.QueueDriver {
	case "memory":
		mailer, err := mail.New(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			TLS:      cfg.SMTPTLS,
		}, logger)
		if err != nil {
			log.Fatalf("failed to init mailer: %v", err)
		}
		mailSink = mail.NewAsyncMailer(mailer, 0, 0, logger)
		job, err := importer.NewJob(importer.JobConfig{
			Importer: importer.NewImporter(dataStore, cfg.ImportBatchSize),
			Blobs:    blobs,
			Cache:    listCache,
			Notifier: importer.NewMailNotifier(dataStore, mailSink),
			Timeout:  time.Duration(cfg.ImportTimeoutSeconds) * time.Second,
		})
		if err != nil {
			log.Fatalf("failed to init import job: %v", err)
		}
		inline = queue.NewMemoryJobQueue(100)
		inline.Start(ctx, cfg.ImportConcurrency, job.Handler())
		jobs = inline
		slog.Info("imports run in-process", "concurrency", cfg.ImportConcurrency)
	default:
		rq, err := queue.NewRedisJobQueue(redisClient, queue.RedisQueueConfig{Stream: cfg.ImportStream})
		if err != nil {
			log.Fatalf("failed to init job queue: %v", err)
		}
		jobs = rq
	}

	appCore, err := app.New(app.Config{
		Redis:             redisClient,
		SessionTTL:        sessionTTL,
		JWTPrivateKeyPath: cfg.JWTPrivateKeyPath,
		JWTKeyID:          cfg.JWTKeyID,
		JWTSecret:         cfg.JWTSecret,
		JWTIssuer:         cfg.JWTIssuer,
		JWTAudience:       cfg.JWTAudience,
		JWTLeeway:         jwtLeeway,
		CacheTTL:          time.Duration(cfg.CacheTTLSeconds) * time.Second,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		Store:             dataStore,
		Cache:             listCache,
		Queue:             jobs,
		Blobs:             blobs,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	httpServer, err := server.New(server.Config{
		App:                     appCore,
		Redis:                   redisClient,
		LoginRateLimitPerMinute: cfg.LoginRateLimitPerMinute,
		CORSOrigins:             cfg.CORSOrigins,
		TrustedProxies:          trusted,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	if inline != nil {
		inline.Wait()
	}
	if mailSink != nil {
		if err := mailSink.Close(shutdownCtx); err != nil {
			logger.Warn("mail queue not drained", "err", err)
		}
	}
	slog.Info("api server stopped")
}
