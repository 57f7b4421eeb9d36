package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/merchbot/broadcast-gateway/internal/model"
)

// RecipientsRepository defines persistence for the recipients directory.
type RecipientsRepository interface {
	Upsert(ctx context.Context, chatID int64, username, firstName *string) (int64, error)
	GetByID(ctx context.Context, id int64) (*model.Recipient, error)
	GetByChatID(ctx context.Context, chatID int64) (*model.Recipient, error)
	List(ctx context.Context, limit, offset int) ([]model.Recipient, error)
	ListActiveIDs(ctx context.Context) ([]int64, error)
	ListByIDs(ctx context.Context, ids []int64) ([]model.Recipient, error)
	Deactivate(ctx context.Context, id int64) error
}

type RecipientsRepositoryImpl struct {
	db *sqlx.DB
}

func NewRecipientsRepository(db *sqlx.DB) *RecipientsRepositoryImpl {
	return &RecipientsRepositoryImpl{db: db}
}

var _ RecipientsRepository = (*RecipientsRepositoryImpl)(nil)

// Upsert registers a chat on first contact and refreshes its profile on
// later ones. Contact from a previously blocked chat reactivates it.
// Returns the recipient id.
func (r *RecipientsRepositoryImpl) Upsert(ctx context.Context, chatID int64, username, firstName *string) (int64, error) {
	const q = `
		INSERT INTO recipients
		    (chat_id, username, first_name, is_active, created_at, updated_at)
		VALUES
		    (?, ?, ?, 1, NOW(), NOW())
		ON DUPLICATE KEY UPDATE
		    username   = VALUES(username),
		    first_name = VALUES(first_name),
		    is_active  = 1,
		    updated_at = VALUES(updated_at)
	`
	if _, err := r.db.ExecContext(ctx, q, chatID, username, firstName); err != nil {
		return 0, err
	}

	// LastInsertId is unreliable for ON DUPLICATE KEY; read the row back.
	var id int64
	if err := r.db.GetContext(ctx, &id, `SELECT id FROM recipients WHERE chat_id = ?`, chatID); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *RecipientsRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.Recipient, error) {
	var rec model.Recipient
	err := r.db.GetContext(ctx, &rec, `
		SELECT id, chat_id, username, first_name, is_active, created_at, updated_at
		  FROM recipients
		 WHERE id = ? LIMIT 1
	`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RecipientsRepositoryImpl) GetByChatID(ctx context.Context, chatID int64) (*model.Recipient, error) {
	var rec model.Recipient
	err := r.db.GetContext(ctx, &rec, `
		SELECT id, chat_id, username, first_name, is_active, created_at, updated_at
		  FROM recipients
		 WHERE chat_id = ? LIMIT 1
	`, chatID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RecipientsRepositoryImpl) List(ctx context.Context, limit, offset int) ([]model.Recipient, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []model.Recipient
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, chat_id, username, first_name, is_active, created_at, updated_at
		  FROM recipients
		 ORDER BY id ASC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListActiveIDs returns the ids of every deliverable recipient in a
// stable order. This is the cohort a draft dispatch targets.
func (r *RecipientsRepositoryImpl) ListActiveIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, `SELECT id FROM recipients WHERE is_active = 1 ORDER BY id ASC`); err != nil {
		return nil, err
	}
	return ids, nil
}

// ListByIDs resolves directory rows for the given ids. Unknown ids are
// simply absent from the result; callers decide what that means.
func (r *RecipientsRepositoryImpl) ListByIDs(ctx context.Context, ids []int64) ([]model.Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const base = `
		SELECT id, chat_id, username, first_name, is_active, created_at, updated_at
		  FROM recipients
		 WHERE id IN (?)
	`
	query, args, err := sqlx.In(base, ids)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)

	var rows []model.Recipient
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// Deactivate drops a recipient out of future campaigns (bot blocked).
func (r *RecipientsRepositoryImpl) Deactivate(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE recipients SET is_active = 0, updated_at = NOW() WHERE id = ?
	`, id)
	return err
}
