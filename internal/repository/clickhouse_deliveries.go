package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/merchbot/broadcast-gateway/internal/model"
)

// CHDeliveriesRepository lists delivery outcomes from ClickHouse. The
// bcgw.deliveries_latest view is fed by CDC off the MySQL deliveries
// table, so reporting reads never touch the hot path.
type CHDeliveriesRepository interface {
	ListByCampaign(ctx context.Context, campaignID int64, status model.DeliveryStatus, limit, offset int) ([]model.Delivery, error)
}

type chDeliveriesRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHDeliveriesRepository(ch *sqlx.DB) CHDeliveriesRepository {
	return &chDeliveriesRepository{ch: ch}
}

func (r *chDeliveriesRepository) ListByCampaign(ctx context.Context, campaignID int64, status model.DeliveryStatus, limit, offset int) ([]model.Delivery, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT campaign_id, recipient_id, status, attempts, last_error, created_at, updated_at
		FROM bcgw.deliveries_latest
		WHERE campaign_id = ?
	`
	args := []any{campaignID}

	if status != "" {
		q += " AND status = ?"
		args = append(args, status.String())
	}

	q += " ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.Delivery
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
