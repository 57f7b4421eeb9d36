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

	"github.com/merchbot/broadcast-gateway/internal/config"
	"github.com/merchbot/broadcast-gateway/internal/db"
	"github.com/merchbot/broadcast-gateway/internal/kafka"
	"github.com/merchbot/broadcast-gateway/internal/logger"
	"github.com/merchbot/broadcast-gateway/internal/metrics"
	"github.com/merchbot/broadcast-gateway/internal/repository"
	"github.com/merchbot/broadcast-gateway/internal/worker"
)

var chunkCmd = &cobra.Command{
	Use:   "chunk",
	Short: "Run the chunk expansion worker",
	RunE:  runChunk,
}

func runChunk(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level)

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
	recipientsRepo := repository.NewRecipientsRepository(dbx)

	// 4) kafka: consume the chunk lane, publish to the send lane
	chunkTopic := cfg.Kafka.ChunkTopic
	if chunkTopic == "" {
		chunkTopic = "broadcast.chunks"
	}
	sendTopic := cfg.Kafka.SendTopic
	if sendTopic == "" {
		sendTopic = "broadcast.sends"
	}
	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "bcgw"
	}
	groupID = groupID + "-chunk"

	consumer := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          chunkTopic,
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

	w := worker.NewChunkWorker(consumer, sendLane, recipientsRepo)

	// tune knobs
	if cfg.ChunkWorker.Count > 0 {
		w.Workers = cfg.ChunkWorker.Count
	}

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf(">> chunk worker started topic=%s group=%s workers=%d",
		chunkTopic, groupID, w.Workers)

	return w.Run(ctx)
}
