package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexandernizov/messageboard/internal/config"
	"github.com/alexandernizov/messageboard/internal/http"
	"github.com/alexandernizov/messageboard/internal/outbox"
	"github.com/alexandernizov/messageboard/internal/pkg/logger/sl"
	"github.com/alexandernizov/messageboard/internal/services/messages"
	"github.com/alexandernizov/messageboard/internal/storage/inmemory"
	"github.com/alexandernizov/messageboard/internal/storage/postgres"
	"github.com/alexandernizov/messageboard/internal/storage/redis"
	"github.com/alexandernizov/messageboard/internal/storage/sqlite"
)

const (
	envLocal = "local"
	envProd  = "prod"
)

type messageStore interface {
	messages.MessageStorage
	messages.MessageNotifier
	outbox.OutboxProvider
	http.HealthChecker
	Close() error
}

func main() {
	//Инициализируем конфиг
	cfg := config.MustLoad()

	//Инициилазируем логгер
	log := setupLogger(cfg.Env)
	log.Info("starting application", slog.String("env", cfg.Env))

	log.Info("server params",
		slog.String("enviroment", cfg.Env),
		slog.String("addr", cfg.HTTP.Addr()),
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("kafka", cfg.Kafka.Enabled),
	)

	//Инициилизировать сторедж
	store, err := setupStorage(context.Background(), log, cfg.Storage)
	if err != nil {
		log.Error("cant initialize storage", sl.Err(err))
		os.Exit(1)
	}

	//Инициилизировать паблишер событий
	var notifier messages.MessageNotifier
	var publisher *outbox.Publisher
	publishCtx, stopPublish := context.WithCancel(context.Background())
	publishDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		publisher, err = outbox.New(log, store, outbox.ConnectOptions{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientId: cfg.Kafka.ClientId,
			Timeout:  cfg.Kafka.Timeout,
			Interval: cfg.Kafka.PublishInterval,
		})
		if err != nil {
			log.Warn("kafka is unavailable, events will not be published", sl.Err(err))
		} else {
			notifier = store
		}
	}
	if publisher != nil {
		go func() {
			defer close(publishDone)
			publisher.ServePublish(publishCtx)
		}()
	} else {
		close(publishDone)
	}

	//Инициилизировать сервисный слой
	service := messages.New(log, store, notifier)

	//Запустить приложение
	options := []func(*http.Server){
		http.WithLogger(log),
		http.WithHttpAddr(cfg.HTTP.Addr()),
		http.WithMessageProvider(service),
		http.WithHealthChecker(store),
		http.WithRequestTimeout(cfg.HTTP.RequestTimeout),
		http.WithAllowedOrigins(cfg.HTTP.AllowedOrigins),
	}
	if cfg.HTTP.Prometheus {
		options = append(options, http.WithPrometheus())
	}
	httpServer := http.New(options...)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start()
	}()

	//Остановить приложение
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-stop:
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed", sl.Err(err))
		}
	}

	log.Info("stopping application")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	_ = httpServer.Stop(ctx)
	stopPublish()
	<-publishDone
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Error("error during closing kafka producer", sl.Err(err))
		}
	}
	if err := store.Close(); err != nil {
		log.Error("error during closing storage", sl.Err(err))
	}

	log.Info("application stopped")
}

func setupStorage(ctx context.Context, log *slog.Logger, cfg config.StorageConfig) (messageStore, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := sqlite.Open(ctx, log, cfg.Sqlite.Path)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	case "postgres":
		db, err := postgres.NewWithOptions(ctx, log, postgres.ConnectOptions{
			Driver:          cfg.Postgres.Driver,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			DBname:          cfg.Postgres.DBname,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	case "redis":
		db, err := redis.NewRedis(ctx, log, redis.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return db, nil
	case "inmemory":
		return inmemory.New(log), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		panic("unknown enviroment")
	}

	return log
}
