// Package dispatch turns campaigns into queued chunk work. It owns the
// status transitions around dispatch: claiming a campaign with a CAS,
// freezing its recipient set, and handing chunk jobs to the queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/merchbot/broadcast-gateway/internal/chunk"
	"github.com/merchbot/broadcast-gateway/internal/logger"
	"github.com/merchbot/broadcast-gateway/internal/metrics"
	"github.com/merchbot/broadcast-gateway/internal/model"
	"github.com/merchbot/broadcast-gateway/internal/repository"
	"github.com/merchbot/broadcast-gateway/internal/util"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrAlreadyDispatched means the campaign was not claimable: another
	// trigger got it first, or it already ran. Expected under concurrent
	// triggers; callers surface it as a no-op, not a failure.
	ErrAlreadyDispatched = errors.New("campaign already dispatched")

	ErrNoTarget = errors.New("message needs a recipient or chat id")
)

// Producer publishes one payload to a single topic lane.
type Producer interface {
	Publish(ctx context.Context, key, value []byte) error
}

// Result sums up what one trigger call put in motion.
type Result struct {
	Campaigns  int `json:"campaigns"`
	Recipients int `json:"recipients"`
	Chunks     int `json:"chunks"`
}

func (r *Result) add(o Result) {
	r.Campaigns += o.Campaigns
	r.Recipients += o.Recipients
	r.Chunks += o.Chunks
}

type Service struct {
	campaigns  repository.CampaignsRepository
	recipients repository.RecipientsRepository
	deliveries repository.DeliveriesRepository
	chunkLane  Producer
	sendLane   Producer
	chunkSize  int
	now        func() time.Time
}

func New(
	campaignsRepo repository.CampaignsRepository,
	recipientsRepo repository.RecipientsRepository,
	deliveriesRepo repository.DeliveriesRepository,
	chunkLane, sendLane Producer,
	chunkSize int,
) *Service {
	if chunkSize <= 0 {
		chunkSize = chunk.DefaultSize
	}
	return &Service{
		campaigns:  campaignsRepo,
		recipients: recipientsRepo,
		deliveries: deliveriesRepo,
		chunkLane:  chunkLane,
		sendLane:   sendLane,
		chunkSize:  chunkSize,
		now:        time.Now,
	}
}

// DispatchDraftToAll claims a draft campaign and fans it out to every
// active recipient in the directory. There is deliberately no selection
// parameter: the immediate trigger has always meant "everyone",
// whatever the operator had highlighted in their UI.
func (s *Service) DispatchDraftToAll(ctx context.Context, campaignID int64) (Result, error) {
	c, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return Result{}, fmt.Errorf("load campaign: %w", err)
	}
	if c == nil {
		return Result{}, ErrCampaignNotFound
	}

	if err := s.campaigns.CASStatus(ctx, campaignID, model.CampaignDraft, model.CampaignSending); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			metrics.DispatchesTotal.WithLabelValues("conflict").Inc()
			return Result{}, ErrAlreadyDispatched
		}
		return Result{}, fmt.Errorf("claim campaign: %w", err)
	}

	ids, err := s.recipients.ListActiveIDs(ctx)
	if err != nil {
		s.revert(ctx, campaignID, model.CampaignDraft)
		return Result{}, fmt.Errorf("list recipients: %w", err)
	}

	return s.fanOut(ctx, c, model.CampaignDraft, ids)
}

// DispatchScheduledToSelection delivers every due scheduled campaign to
// an explicit recipient selection. Campaigns claimed by a concurrent
// trigger are skipped; a queue failure stops the loop but leaves the
// campaigns already fanned out dispatched.
func (s *Service) DispatchScheduledToSelection(ctx context.Context, recipientIDs []int64) (Result, error) {
	sel, err := s.resolveSelection(ctx, recipientIDs)
	if err != nil {
		return Result{}, fmt.Errorf("resolve selection: %w", err)
	}

	due, err := s.campaigns.ListDueScheduled(ctx, s.now())
	if err != nil {
		return Result{}, fmt.Errorf("list due campaigns: %w", err)
	}

	var total Result
	for i := range due {
		c := &due[i]
		if err := s.campaigns.CASStatus(ctx, c.ID, model.CampaignScheduled, model.CampaignSending); err != nil {
			if errors.Is(err, repository.ErrStatusConflict) {
				metrics.DispatchesTotal.WithLabelValues("conflict").Inc()
				continue
			}
			return total, fmt.Errorf("claim campaign %d: %w", c.ID, err)
		}

		res, err := s.fanOut(ctx, c, model.CampaignScheduled, sel)
		if err != nil {
			return total, err
		}
		total.add(res)
	}
	return total, nil
}

// resolveSelection keeps the caller's order while dropping duplicates,
// unknown ids, and recipients no longer active.
func (s *Service) resolveSelection(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	recs, err := s.recipients.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	active := make(map[int64]bool, len(recs))
	for _, r := range recs {
		if r.IsActive {
			active[r.ID] = true
		}
	}

	out := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if active[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

// fanOut freezes the recipient set as pending deliveries, splits it into
// chunk jobs, and publishes them. Any failure reverts the claim so the
// trigger can be retried; the campaign's status is left as it was.
func (s *Service) fanOut(ctx context.Context, c *model.Campaign, revertTo model.CampaignStatus, ids []int64) (Result, error) {
	if len(ids) == 0 {
		// Nothing to deliver: close out immediately as sent.
		if _, err := s.campaigns.FinalizeDelivery(ctx, c.ID, 0, 0); err != nil {
			return Result{}, fmt.Errorf("finalize empty campaign: %w", err)
		}
		metrics.DispatchesTotal.WithLabelValues("dispatched").Inc()
		logger.L().Info("campaign dispatched to empty cohort", zap.Int64("campaign_id", c.ID))
		return Result{Campaigns: 1}, nil
	}

	if err := s.deliveries.InsertPending(ctx, nil, c.ID, ids); err != nil {
		s.revert(ctx, c.ID, revertTo)
		return Result{}, fmt.Errorf("insert pending deliveries: %w", err)
	}

	jobs := chunk.Split(c.ID, c.MessageText, ids, s.chunkSize)
	key := []byte(strconv.FormatInt(c.ID, 10))
	for i, job := range jobs {
		payload, err := json.Marshal(job)
		if err != nil {
			s.revert(ctx, c.ID, revertTo)
			return Result{}, fmt.Errorf("marshal chunk job: %w", err)
		}
		if err := s.chunkLane.Publish(ctx, key, payload); err != nil {
			metrics.DispatchesTotal.WithLabelValues("error").Inc()
			s.revert(ctx, c.ID, revertTo)
			return Result{}, fmt.Errorf("publish chunk %d/%d: %w", i+1, len(jobs), err)
		}
	}

	metrics.DispatchesTotal.WithLabelValues("dispatched").Inc()
	logger.L().Info("campaign dispatched",
		zap.Int64("campaign_id", c.ID),
		zap.Int("recipients", len(ids)),
		zap.Int("chunks", len(jobs)))
	return Result{Campaigns: 1, Recipients: len(ids), Chunks: len(jobs)}, nil
}

// revert undoes a dispatch claim after a downstream failure. Unprocessed
// pending rows go with it so a retried dispatch freezes a fresh cohort.
// Losing the status CAS here means a worker already finalized; log it
// and keep the original error.
func (s *Service) revert(ctx context.Context, campaignID int64, to model.CampaignStatus) {
	if err := s.deliveries.DeletePending(ctx, campaignID); err != nil {
		logger.L().Warn("revert: delete pending failed",
			zap.Int64("campaign_id", campaignID),
			zap.Error(err))
	}
	if err := s.campaigns.CASStatus(ctx, campaignID, model.CampaignSending, to); err != nil {
		logger.L().Warn("revert: status restore failed",
			zap.Int64("campaign_id", campaignID),
			zap.String("to", to.String()),
			zap.Error(err))
	}
}

// DirectMessage is an ad-hoc send outside any campaign (order updates
// and other bot notifications). RecipientID or ChatID targets it.
type DirectMessage struct {
	RecipientID int64
	ChatID      int64
	Text        string
}

// EnqueueDirect publishes a single send job straight to the send lane,
// with no delivery bookkeeping. Returns the job id.
func (s *Service) EnqueueDirect(ctx context.Context, msg DirectMessage) (string, error) {
	chatID := msg.ChatID
	if chatID == 0 && msg.RecipientID != 0 {
		rec, err := s.recipients.GetByID(ctx, msg.RecipientID)
		if err != nil {
			return "", fmt.Errorf("load recipient: %w", err)
		}
		if rec == nil {
			return "", ErrNoTarget
		}
		chatID = rec.ChatID
	}
	if chatID == 0 {
		return "", ErrNoTarget
	}

	job := model.SendJob{
		JobID:       util.New(),
		CampaignID:  0,
		RecipientID: msg.RecipientID,
		ChatID:      chatID,
		Text:        msg.Text,
		Attempt:     1,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal send job: %w", err)
	}
	if err := s.sendLane.Publish(ctx, []byte(strconv.FormatInt(chatID, 10)), payload); err != nil {
		return "", fmt.Errorf("publish send job: %w", err)
	}
	return job.JobID, nil
}
