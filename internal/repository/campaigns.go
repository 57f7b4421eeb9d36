package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/merchbot/broadcast-gateway/internal/model"
)

// ErrStatusConflict means a compare-and-set UPDATE matched no row: the
// campaign was not in the expected status. Callers treat it as "someone
// else got there first", not as a failure.
var ErrStatusConflict = errors.New("campaign status conflict")

// CampaignsRepository defines persistence for the campaigns table. All
// status transitions go through CAS statements so a campaign is claimed
// for delivery exactly once.
type CampaignsRepository interface {
	Create(ctx context.Context, text string, scheduledAt *time.Time) (int64, error)
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	List(ctx context.Context, status model.CampaignStatus, limit, offset int) ([]model.Campaign, error)
	UpdateContent(ctx context.Context, id int64, text string, scheduledAt *time.Time) error
	ListDueScheduled(ctx context.Context, now time.Time) ([]model.Campaign, error)
	CASStatus(ctx context.Context, id int64, from, to model.CampaignStatus) error
	FinalizeDelivery(ctx context.Context, id int64, sent, failed int64) (bool, error)
}

type CampaignsRepositoryImpl struct {
	db *sqlx.DB
}

func NewCampaignsRepository(db *sqlx.DB) *CampaignsRepositoryImpl {
	return &CampaignsRepositoryImpl{db: db}
}

var _ CampaignsRepository = (*CampaignsRepositoryImpl)(nil)

// Create inserts a campaign; a scheduled_at makes it scheduled, otherwise draft.
func (r *CampaignsRepositoryImpl) Create(ctx context.Context, text string, scheduledAt *time.Time) (int64, error) {
	status := model.CampaignDraft
	if scheduledAt != nil {
		status = model.CampaignScheduled
	}
	const q = `
		INSERT INTO campaigns
		    (message_text, status, scheduled_at, sent_count, failed_count, created_at, updated_at)
		VALUES
		    (?, ?, ?, 0, 0, NOW(), NOW())
	`
	res, err := r.db.ExecContext(ctx, q, text, status.String(), scheduledAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *CampaignsRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	var c model.Campaign
	err := r.db.GetContext(ctx, &c, `
		SELECT id, message_text, status, scheduled_at, sent_count, failed_count, created_at, updated_at
		  FROM campaigns
		 WHERE id = ? LIMIT 1
	`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignsRepositoryImpl) List(ctx context.Context, status model.CampaignStatus, limit, offset int) ([]model.Campaign, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT id, message_text, status, scheduled_at, sent_count, failed_count, created_at, updated_at
		FROM campaigns
	`
	args := []any{}
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, status.String())
	}
	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.Campaign
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateContent edits text and schedule while the campaign is still
// editable (draft or scheduled). Clearing scheduled_at turns a scheduled
// campaign back into a draft, setting one does the reverse.
func (r *CampaignsRepositoryImpl) UpdateContent(ctx context.Context, id int64, text string, scheduledAt *time.Time) error {
	status := model.CampaignDraft
	if scheduledAt != nil {
		status = model.CampaignScheduled
	}
	const q = `
		UPDATE campaigns
		   SET message_text = ?, scheduled_at = ?, status = ?, updated_at = NOW()
		 WHERE id = ? AND status IN ('draft','scheduled')
	`
	res, err := r.db.ExecContext(ctx, q, text, scheduledAt, status.String(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ListDueScheduled returns scheduled campaigns whose scheduled_at has passed.
func (r *CampaignsRepositoryImpl) ListDueScheduled(ctx context.Context, now time.Time) ([]model.Campaign, error) {
	var rows []model.Campaign
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, message_text, status, scheduled_at, sent_count, failed_count, created_at, updated_at
		  FROM campaigns
		 WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC
	`, now)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CASStatus moves id from one status to another in a single statement.
// Zero rows affected means the campaign was not in `from` anymore.
func (r *CampaignsRepositoryImpl) CASStatus(ctx context.Context, id int64, from, to model.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, updated_at = NOW() WHERE id = ? AND status = ?
	`, to.String(), id, from.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// FinalizeDelivery closes out a sending campaign, writing the aggregated
// counters. failed > 0 lands on failed, otherwise sent. Returns whether
// this call won the CAS; losing it means another worker already finalized.
func (r *CampaignsRepositoryImpl) FinalizeDelivery(ctx context.Context, id int64, sent, failed int64) (bool, error) {
	status := model.CampaignSent
	if failed > 0 {
		status = model.CampaignFailed
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		   SET status = ?, sent_count = ?, failed_count = ?, updated_at = NOW()
		 WHERE id = ? AND status = 'sending'
	`, status.String(), sent, failed, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
