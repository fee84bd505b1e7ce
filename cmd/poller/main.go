package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/qrpaylabs/qrpay-service/internal/config"
	"github.com/qrpaylabs/qrpay-service/internal/gateway"
	"github.com/qrpaylabs/qrpay-service/internal/logger"
	"github.com/qrpaylabs/qrpay-service/internal/poller"
	"github.com/qrpaylabs/qrpay-service/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)

	gwTimeout := time.Duration(cfg.Poller.GatewayTimeoutSeconds) * time.Second
	gw := gateway.NewClient(gwTimeout, log)

	p := poller.New(
		repository,
		gw,
		time.Duration(cfg.Poller.IntervalSeconds)*time.Second,
		cfg.Poller.RetryCeiling,
		gwTimeout,
		log,
	)

	// runs until SIGINT/SIGTERM; reconciliation never stops on its own
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	p.Run(ctx)
}
