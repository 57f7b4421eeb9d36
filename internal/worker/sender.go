package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/merchbot/broadcast-gateway/internal/kafka"
	"github.com/merchbot/broadcast-gateway/internal/logger"
	"github.com/merchbot/broadcast-gateway/internal/metrics"
	"github.com/merchbot/broadcast-gateway/internal/model"
	"github.com/merchbot/broadcast-gateway/internal/repository"
	"github.com/merchbot/broadcast-gateway/internal/telegram"
)

// Sender delivers one message to one chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// SenderWorker drains the send lane:
// - rate-limits ahead of the Telegram API,
// - sends each job once per fetch,
// - puts transient failures back on the lane with attempt+1 after a backoff,
// - records the outcome in deliveries,
// - and finalizes the campaign when its last outcome lands.
type SenderWorker struct {
	// Dependencies
	Consumer   Consumer
	SendLane   Producer
	Sender     Sender
	Deliveries repository.DeliveriesRepository
	Campaigns  repository.CampaignsRepository
	Recipients repository.RecipientsRepository
	Limiter    *rate.Limiter

	// Behavior
	Workers        int
	MaxAttempts    int // total attempts per job, including the first
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	sleep func(ctx context.Context, d time.Duration)
}

// NewSenderWorker builds a worker with sane defaults.
func NewSenderWorker(
	consumer Consumer,
	sendLane Producer,
	sender Sender,
	deliveriesRepo repository.DeliveriesRepository,
	campaignsRepo repository.CampaignsRepository,
	recipientsRepo repository.RecipientsRepository,
	limiter *rate.Limiter,
) *SenderWorker {
	return &SenderWorker{
		Consumer:       consumer,
		SendLane:       sendLane,
		Sender:         sender,
		Deliveries:     deliveriesRepo,
		Campaigns:      campaignsRepo,
		Recipients:     recipientsRepo,
		Limiter:        limiter,
		Workers:        16,
		MaxAttempts:    4,
		BackoffInitial: 2 * time.Second,
		BackoffMax:     30 * time.Second,
		sleep:          sleepCtx,
	}
}

// Run starts the worker and blocks until ctx is cancelled.
func (w *SenderWorker) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 16
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 4
	}
	if w.BackoffInitial <= 0 {
		w.BackoffInitial = 2 * time.Second
	}
	if w.BackoffMax <= 0 {
		w.BackoffMax = 30 * time.Second
	}
	if w.sleep == nil {
		w.sleep = sleepCtx
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
					logger.L().Error("sender: kafka fetch", zap.Error(err))
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

func (w *SenderWorker) runProcessor(ctx context.Context, in <-chan kafka.Message) {
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

func (w *SenderWorker) processOne(ctx context.Context, m kafka.Message) {
	var job model.SendJob
	if err := json.Unmarshal(m.Value, &job); err != nil || job.JobID == "" {
		_ = w.Consumer.Commit(ctx, m) // poison → commit, skip
		if err != nil {
			logger.L().Error("sender: bad send job json", zap.Error(err))
		} else {
			logger.L().Error("sender: send job missing job id")
		}
		metrics.DeliveriesTotal.WithLabelValues("dropped").Inc()
		return
	}

	// No chat to deliver to: the recipient vanished between dispatch and
	// expansion. Record the outcome so the campaign can still finalize.
	if job.ChatID == 0 {
		w.recordFailure(ctx, m, job, 0, "recipient missing from directory")
		return
	}

	if w.Limiter != nil {
		if err := w.Limiter.Wait(ctx); err != nil {
			return // shutting down; uncommitted → redelivery
		}
	}

	err := w.Sender.SendMessage(ctx, job.ChatID, job.Text)
	switch {
	case err == nil:
		w.recordSuccess(ctx, m, job)

	case telegram.Temporary(err):
		if job.Attempt < w.MaxAttempts {
			w.retry(ctx, m, job, err)
			return
		}
		w.recordFailure(ctx, m, job, job.Attempt, fmt.Sprintf("retries exhausted: %v", err))

	default:
		if telegram.IsBlocked(err) && job.RecipientID > 0 {
			if derr := w.Recipients.Deactivate(ctx, job.RecipientID); derr != nil {
				logger.L().Error("sender: deactivate recipient",
					zap.Int64("recipient_id", job.RecipientID),
					zap.Error(derr))
			}
		}
		w.recordFailure(ctx, m, job, job.Attempt, err.Error())
	}
}

// retry re-publishes the job with attempt+1 after a backoff, then
// commits the original. Publish-then-commit: a crash in between
// duplicates the retry, never loses it.
func (w *SenderWorker) retry(ctx context.Context, m kafka.Message, job model.SendJob, cause error) {
	delay := backoffDelay(job.Attempt, w.BackoffInitial, w.BackoffMax)
	if ra := telegram.RetryAfterOf(cause); ra > delay {
		delay = ra
	}

	logger.L().Warn("sender: transient failure, retrying",
		zap.String("job_id", job.JobID),
		zap.Int64("campaign_id", job.CampaignID),
		zap.Int64("chat_id", job.ChatID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))

	w.sleep(ctx, delay)
	if ctx.Err() != nil {
		return // uncommitted → redelivery after restart
	}

	next := job
	next.Attempt++
	payload, err := json.Marshal(next)
	if err != nil {
		logger.L().Error("sender: marshal retry", zap.Error(err))
		return
	}
	if err := w.SendLane.Publish(ctx, []byte(strconv.FormatInt(job.ChatID, 10)), payload); err != nil {
		logger.L().Error("sender: publish retry",
			zap.String("job_id", job.JobID),
			zap.Error(err))
		return // uncommitted → redelivery
	}

	metrics.DeliveriesTotal.WithLabelValues("retried").Inc()
	if err := w.Consumer.Commit(ctx, m); err != nil {
		logger.L().Error("sender: commit", zap.Error(err))
	}
}

// recordSuccess writes the outcome, then commits. A failed write leaves
// the message uncommitted: redelivery re-sends (at-least-once) and the
// pending-row guard keeps the recorded counts right.
func (w *SenderWorker) recordSuccess(ctx context.Context, m kafka.Message, job model.SendJob) {
	if job.CampaignID > 0 {
		if err := w.Deliveries.MarkSent(ctx, job.CampaignID, job.RecipientID, job.Attempt); err != nil {
			logger.L().Error("sender: mark sent",
				zap.String("job_id", job.JobID),
				zap.Int64("campaign_id", job.CampaignID),
				zap.Error(err))
			return // uncommitted → redelivery
		}
		w.maybeFinalize(ctx, job.CampaignID)
	}

	metrics.DeliveriesTotal.WithLabelValues("sent").Inc()
	if err := w.Consumer.Commit(ctx, m); err != nil {
		logger.L().Error("sender: commit", zap.Error(err))
	}
}

func (w *SenderWorker) recordFailure(ctx context.Context, m kafka.Message, job model.SendJob, attempts int, lastErr string) {
	if job.CampaignID > 0 {
		if err := w.Deliveries.MarkFailed(ctx, job.CampaignID, job.RecipientID, attempts, lastErr); err != nil {
			logger.L().Error("sender: mark failed",
				zap.String("job_id", job.JobID),
				zap.Int64("campaign_id", job.CampaignID),
				zap.Error(err))
			return // uncommitted → redelivery
		}
		w.maybeFinalize(ctx, job.CampaignID)
	} else {
		logger.L().Error("sender: direct send failed",
			zap.String("job_id", job.JobID),
			zap.Int64("chat_id", job.ChatID),
			zap.String("last_error", lastErr))
	}

	metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
	if err := w.Consumer.Commit(ctx, m); err != nil {
		logger.L().Error("sender: commit", zap.Error(err))
	}
}

// maybeFinalize closes the campaign once no pending rows remain. Every
// worker that records an outcome takes a shot; exactly one wins the CAS.
func (w *SenderWorker) maybeFinalize(ctx context.Context, campaignID int64) {
	counts, err := w.Deliveries.CountByCampaign(ctx, campaignID)
	if err != nil {
		logger.L().Error("sender: count deliveries",
			zap.Int64("campaign_id", campaignID),
			zap.Error(err))
		return
	}
	if counts.Pending > 0 {
		return
	}

	won, err := w.Campaigns.FinalizeDelivery(ctx, campaignID, counts.Sent, counts.Failed)
	if err != nil {
		logger.L().Error("sender: finalize campaign",
			zap.Int64("campaign_id", campaignID),
			zap.Error(err))
		return
	}
	if won {
		logger.L().Info("campaign finalized",
			zap.Int64("campaign_id", campaignID),
			zap.Int64("sent", counts.Sent),
			zap.Int64("failed", counts.Failed))
	}
}
