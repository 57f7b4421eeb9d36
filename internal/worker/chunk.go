package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/merchbot/broadcast-gateway/internal/kafka"
	"github.com/merchbot/broadcast-gateway/internal/logger"
	"github.com/merchbot/broadcast-gateway/internal/metrics"
	"github.com/merchbot/broadcast-gateway/internal/model"
	"github.com/merchbot/broadcast-gateway/internal/repository"
	"github.com/merchbot/broadcast-gateway/internal/util"
)

// ChunkWorker drains the chunk lane: each chunk job is expanded into one
// send job per recipient. Expansion only reads the directory, never
// writes, so a redelivered chunk is safe to expand again.
type ChunkWorker struct {
	// Dependencies
	Consumer   Consumer
	SendLane   Producer
	Recipients repository.RecipientsRepository

	// Behavior
	Workers int
}

// NewChunkWorker builds a worker with sane defaults.
func NewChunkWorker(consumer Consumer, sendLane Producer, recipients repository.RecipientsRepository) *ChunkWorker {
	return &ChunkWorker{
		Consumer:   consumer,
		SendLane:   sendLane,
		Recipients: recipients,
		Workers:    8,
	}
}

// Run starts the worker and blocks until ctx is cancelled.
func (w *ChunkWorker) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 8
	}

	msgCh := make(chan kafka.Message, w.Workers*2)

	// Fetcher goroutine
	go func() {
		defer close(msgCh)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				m, err := w.Consumer.Fetch(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.L().Error("chunk worker: kafka fetch", zap.Error(err))
					time.Sleep(200 * time.Millisecond)
					continue
				}
				msgCh <- m
			}
		}
	}()

	// Start processors
	for i := 0; i < w.Workers; i++ {
		go w.runProcessor(ctx, msgCh)
	}

	// Block until shutdown
	<-ctx.Done()
	return nil
}

func (w *ChunkWorker) runProcessor(ctx context.Context, in <-chan kafka.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			w.processOne(ctx, m)
		}
	}
}

// processOne expands one chunk. The chunk is committed only after every
// send job is on the lane; failing earlier leaves it uncommitted for
// redelivery.
func (w *ChunkWorker) processOne(ctx context.Context, m kafka.Message) {
	var job model.ChunkJob
	if err := json.Unmarshal(m.Value, &job); err != nil || job.JobID == "" || job.CampaignID == 0 {
		_ = w.Consumer.Commit(ctx, m) // poison → commit, skip
		if err != nil {
			logger.L().Error("chunk worker: bad chunk json", zap.Error(err))
		} else {
			logger.L().Error("chunk worker: chunk missing job id or campaign")
		}
		metrics.DeliveriesTotal.WithLabelValues("dropped").Inc()
		return
	}

	recs, err := w.Recipients.ListByIDs(ctx, job.RecipientIDs)
	if err != nil {
		// Directory unavailable: leave the chunk uncommitted, retry later.
		logger.L().Error("chunk worker: resolve recipients",
			zap.String("job_id", job.JobID),
			zap.Int64("campaign_id", job.CampaignID),
			zap.Error(err))
		sleepCtx(ctx, time.Second)
		return
	}

	byID := make(map[int64]model.Recipient, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}

	for _, rid := range job.RecipientIDs {
		// Vanished recipients go through with ChatID 0 so the send lane
		// records them failed instead of stranding the pending row.
		var chatID int64
		if rec, ok := byID[rid]; ok {
			chatID = rec.ChatID
		}

		send := model.SendJob{
			JobID:       util.New(),
			CampaignID:  job.CampaignID,
			RecipientID: rid,
			ChatID:      chatID,
			Text:        job.Text,
			Attempt:     1,
		}
		payload, err := json.Marshal(send)
		if err != nil {
			logger.L().Error("chunk worker: marshal send job", zap.Error(err))
			return
		}
		if err := w.SendLane.Publish(ctx, []byte(strconv.FormatInt(chatID, 10)), payload); err != nil {
			logger.L().Error("chunk worker: publish send job",
				zap.String("job_id", job.JobID),
				zap.Int64("campaign_id", job.CampaignID),
				zap.Error(err))
			return
		}
	}

	metrics.ChunksExpandedTotal.Inc()
	if err := w.Consumer.Commit(ctx, m); err != nil {
		logger.L().Error("chunk worker: commit", zap.Error(err))
	}
}
