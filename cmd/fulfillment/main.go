// Package main запускает HTTP-сервер сервиса фулфилмента.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/fulfillment-system/internal/config"
	"github.com/mmeshcher/fulfillment-system/internal/handler"
	"github.com/mmeshcher/fulfillment-system/internal/idempotency"
	"github.com/mmeshcher/fulfillment-system/internal/mailer"
	"github.com/mmeshcher/fulfillment-system/internal/middleware"
	"github.com/mmeshcher/fulfillment-system/internal/queue"
	"github.com/mmeshcher/fulfillment-system/internal/repository"
	"github.com/mmeshcher/fulfillment-system/internal/service"
	"github.com/mmeshcher/fulfillment-system/internal/workflow"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := newRepository(cfg, sugar)
	if err != nil {
		sugar.Fatalw("store initialization error", "error", err.Error())
	}

	var marker workflow.Marker
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		marker = idempotency.NewRedisMarker(rdb, 24*time.Hour)
		sugar.Infow("using redis idempotency markers", "addr", cfg.RedisAddress)
	} else {
		marker = idempotency.NewMemoryMarker()
	}

	var mail workflow.Mailer
	if cfg.SMTPHost != "" {
		client, err := mailer.New(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
		if err != nil {
			sugar.Fatalw("mailer initialization error", "error", err.Error())
		}
		mail = client
		sugar.Infow("email confirmations enabled", "host", cfg.SMTPHost)
	}

	svc := service.NewService(repo, marker, mail, logger)
	defer svc.Close()

	var (
		producer *queue.Producer
		consumer *queue.Consumer
		mq       *queue.Client
	)
	if cfg.AMQPURL != "" {
		mq, err = queue.Connect(cfg.AMQPURL)
		if err != nil {
			sugar.Fatalw("queue connection error", "error", err.Error())
		}
		defer mq.Close()

		producer, err = queue.NewProducer(mq.Channel())
		if err != nil {
			sugar.Fatalw("queue topology error", "error", err.Error())
		}
		consumer = queue.NewConsumer(mq.Channel(), svc, logger)
		sugar.Infow("queue processing enabled", "url", cfg.AMQPURL)
	}

	verifier := middleware.NewSignatureVerifier(cfg.WebhookSecret)

	var publisher handler.Publisher
	if producer != nil {
		publisher = producer
	}
	h := handler.NewHandler(svc, publisher, verifier, logger)
	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового процесса досылки писем
	g.Go(func() error {
		svc.StartEmailDispatch(ctx)
		return nil
	})

	// Запуск консьюмера очереди
	if consumer != nil {
		g.Go(func() error {
			return consumer.Start(ctx)
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting fulfillment server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// newRepository выбирает хранилище по конфигурации: postgres при заданном
// DATABASE_URI, REST-хранилище при STORE_ADDRESS, иначе память с демоданными.
func newRepository(cfg *config.Config, sugar *zap.SugaredLogger) (service.Repository, error) {
	switch {
	case cfg.DatabaseURI != "":
		sugar.Infow("using postgres store")
		return repository.NewPostgresStore(cfg.DatabaseURI)
	case cfg.StoreAddress != "":
		sugar.Infow("using REST store", "addr", cfg.StoreAddress)
		return repository.NewRESTStore(cfg.StoreAddress, os.Getenv("STORE_API_KEY")), nil
	default:
		sugar.Infow("using in-memory store with demo data")
		store := repository.NewMemoryStore()
		store.SeedDemo()
		return store, nil
	}
}
