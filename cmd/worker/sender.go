package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/merchbot/broadcast-gateway/internal/config"
	"github.com/merchbot/broadcast-gateway/internal/db"
	"github.com/merchbot/broadcast-gateway/internal/kafka"
	"github.com/merchbot/broadcast-gateway/internal/logger"
	"github.com/merchbot/broadcast-gateway/internal/metrics"
	"github.com/merchbot/broadcast-gateway/internal/repository"
	"github.com/merchbot/broadcast-gateway/internal/telegram"
	"github.com/merchbot/broadcast-gateway/internal/worker"
)

var senderCmd = &cobra.Command{
	Use:   "sender",
	Short: "Run the message sender worker",
	RunE:  runSender,
}

func runSender(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level)

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is not configured (telegram.token / BCGW_TELEGRAM_TOKEN)")
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) DB connection (MySQL)
	dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		PingTimeout:     cfg.MySQL.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	// 3) repositories
	deliveriesRepo := repository.NewDeliveriesRepository(dbx)
	campaignsRepo := repository.NewCampaignsRepository(dbx)
	recipientsRepo := repository.NewRecipientsRepository(dbx)

	// 4) telegram client
	tg := telegram.NewClient(
		cfg.Telegram.APIURL,
		cfg.Telegram.Token,
		cfg.Telegram.TimeoutMs,
		cfg.Telegram.Breaker.FailThreshold,
		cfg.Telegram.Breaker.OpenForMs,
	)

	// 5) kafka: consume and re-publish on the send lane
	sendTopic := cfg.Kafka.SendTopic
	if sendTopic == "" {
		sendTopic = "broadcast.sends"
	}
	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "bcgw"
	}
	groupID = groupID + "-sender"

	consumer := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          sendTopic,
		GroupID:        groupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer consumer.Close()

	sendLane := kafka.NewProducerFromConfig(kafka.ProducerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   sendTopic,
	})
	defer func() { _ = sendLane.Close() }()

	// 6) per-process rate limiter ahead of the API
	var limiter *rate.Limiter
	if cfg.Sender.RatePerSec > 0 {
		burst := cfg.Sender.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Sender.RatePerSec), burst)
	}

	w := worker.NewSenderWorker(consumer, sendLane, tg, deliveriesRepo, campaignsRepo, recipientsRepo, limiter)

	// tune knobs
	if cfg.Sender.Count > 0 {
		w.Workers = cfg.Sender.Count
	}
	if cfg.Sender.MaxAttempts > 0 {
		w.MaxAttempts = cfg.Sender.MaxAttempts
	}
	if cfg.Sender.BackoffInitial > 0 {
		w.BackoffInitial = cfg.Sender.BackoffInitial
	}
	if cfg.Sender.BackoffMax > 0 {
		w.BackoffMax = cfg.Sender.BackoffMax
	}

	// 7) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf(">> sender worker started topic=%s group=%s workers=%d max_attempts=%d",
		sendTopic, groupID, w.Workers, w.MaxAttempts)

	return w.Run(ctx)
}
