package repository

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/merchbot/broadcast-gateway/internal/model"
)

// DeliveriesRepository defines persistence for per-recipient delivery
// outcomes. Mark* updates only touch pending rows, so a redelivered job
// can never flip an outcome that is already recorded.
type DeliveriesRepository interface {
	InsertPending(ctx context.Context, tx *sqlx.Tx, campaignID int64, recipientIDs []int64) error
	DeletePending(ctx context.Context, campaignID int64) error
	MarkSent(ctx context.Context, campaignID, recipientID int64, attempts int) error
	MarkFailed(ctx context.Context, campaignID, recipientID int64, attempts int, lastErr string) error
	CountByCampaign(ctx context.Context, campaignID int64) (model.DeliveryCounts, error)
}

type DeliveriesRepositoryImpl struct {
	db *sqlx.DB
}

func NewDeliveriesRepository(db *sqlx.DB) *DeliveriesRepositoryImpl {
	return &DeliveriesRepositoryImpl{db: db}
}

var _ DeliveriesRepository = (*DeliveriesRepositoryImpl)(nil)

func (r *DeliveriesRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

// InsertPending freezes the recipient set of a dispatched campaign as
// pending rows, one statement for the whole batch. Idempotent on the
// (campaign_id, recipient_id) key so a retried dispatch never errors.
func (r *DeliveriesRepositoryImpl) InsertPending(ctx context.Context, tx *sqlx.Tx, campaignID int64, recipientIDs []int64) error {
	if len(recipientIDs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO deliveries
		    (campaign_id, recipient_id, status, attempts, created_at, updated_at)
		VALUES
	`)
	args := make([]any, 0, len(recipientIDs)*2)
	for i, rid := range recipientIDs {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, 'pending', 0, NOW(), NOW())")
		args = append(args, campaignID, rid)
	}
	sb.WriteString(`
		ON DUPLICATE KEY UPDATE
		    updated_at = VALUES(updated_at)
	`)

	q := sb.String()
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	})
}

// DeletePending clears a campaign's unprocessed rows when a dispatch is
// rolled back. Recorded outcomes stay; without this, a cohort that
// shrinks between a failed dispatch and its retry would leave orphaned
// pending rows that keep the campaign from ever finalizing.
func (r *DeliveriesRepositoryImpl) DeletePending(ctx context.Context, campaignID int64) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM deliveries WHERE campaign_id = ? AND status = 'pending'
	`, campaignID)
	return err
}

// MarkSent records a successful send. No-op unless the row is still pending.
func (r *DeliveriesRepositoryImpl) MarkSent(ctx context.Context, campaignID, recipientID int64, attempts int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE deliveries
		   SET status = 'sent', attempts = ?, last_error = NULL, updated_at = NOW()
		 WHERE campaign_id = ? AND recipient_id = ? AND status = 'pending'
	`, attempts, campaignID, recipientID)
	return err
}

// MarkFailed records a permanent failure. No-op unless the row is still pending.
func (r *DeliveriesRepositoryImpl) MarkFailed(ctx context.Context, campaignID, recipientID int64, attempts int, lastErr string) error {
	if len(lastErr) > 512 {
		lastErr = lastErr[:512]
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE deliveries
		   SET status = 'failed', attempts = ?, last_error = ?, updated_at = NOW()
		 WHERE campaign_id = ? AND recipient_id = ? AND status = 'pending'
	`, attempts, lastErr, campaignID, recipientID)
	return err
}

// CountByCampaign aggregates outcome counters for one campaign.
// pending == 0 is the finalization condition.
func (r *DeliveriesRepositoryImpl) CountByCampaign(ctx context.Context, campaignID int64) (model.DeliveryCounts, error) {
	var c model.DeliveryCounts
	err := r.db.GetContext(ctx, &c, `
		SELECT COUNT(*)                                   AS total,
		       COALESCE(SUM(status = 'pending'), 0)       AS pending,
		       COALESCE(SUM(status = 'sent'), 0)          AS sent,
		       COALESCE(SUM(status = 'failed'), 0)        AS failed
		  FROM deliveries
		 WHERE campaign_id = ?
	`, campaignID)
	if err != nil {
		return model.DeliveryCounts{}, err
	}
	return c, nil
}
