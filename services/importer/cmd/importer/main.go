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
	"golang.org/x/sync/errgroup"

	"rosterhub/internal/servicetoken"
	"rosterhub/internal/util"
	"rosterhub/pkg/cache"
	"rosterhub/pkg/importer"
	"rosterhub/pkg/mail"
	"rosterhub/pkg/queue"
	"rosterhub/pkg/storage"
	"rosterhub/pkg/store"
	"rosterhub/services/importer/internal/app"
	"rosterhub/services/importer/internal/config"
	"rosterhub/services/importer/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()

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
			TempDir:   cfg.TempDir,
		},
	})
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}

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
	mailSink := mail.NewAsyncMailer(mailer, cfg.MailBuffer, 0, logger)

	job, err := importer.NewJob(importer.JobConfig{
		Importer: importer.NewImporter(dataStore, cfg.ImportBatchSize),
		Blobs:    blobs,
		Cache:    cache.NewRedisCache(redisClient, ""),
		Notifier: importer.NewMailNotifier(dataStore, mailSink),
		Timeout:  time.Duration(cfg.ImportTimeoutSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init import job: %v", err)
	}

	jobs, err := queue.NewRedisJobQueue(redisClient, queue.RedisQueueConfig{
		Stream:      cfg.ImportStream,
		Group:       cfg.ImportGroup,
		Consumer:    cfg.ImportConsumer,
		JobTTL:      time.Duration(cfg.JobTTLHours) * time.Hour,
		OnAbandoned: job.Abandoned,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}

	worker, err := app.New(app.Config{
		Queue:         jobs,
		Job:           job,
		Blobs:         blobs,
		Concurrency:   cfg.ImportConcurrency,
		UploadMaxAge:  time.Duration(cfg.UploadMaxAgeHours) * time.Hour,
		SweepSchedule: cfg.SweepSchedule,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	var verifier *servicetoken.Verifier
	publicKeys, err := servicetoken.ParsePublicKeys(cfg.InternalPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse internal public keys: %v", err)
	}
	if len(publicKeys) > 0 {
		verifier, err = servicetoken.NewVerifier(servicetoken.VerifierOptions{
			PublicKeys:     publicKeys,
			Audience:       servicetoken.AudienceImporter,
			AllowedIssuers: cfg.InternalAllowedIssuers,
		})
		if err != nil {
			log.Fatalf("failed to init service token verifier: %v", err)
		}
	} else {
		logger.Warn("no internal public keys configured, /internal routes are closed")
	}

	httpServer, err := server.New(server.Config{App: worker, Verifier: verifier})
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

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("importer server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("importer exited", "err", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mailSink.Close(closeCtx); err != nil {
		logger.Warn("mail queue not drained", "err", err)
	}
	slog.Info("importer stopped")
}
