package repository

import (
	"context"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

type OrderCallbackRepository struct {
	db DBTX
}

func NewOrderCallbackRepository(db DBTX) *OrderCallbackRepository {
	return &OrderCallbackRepository{db: db}
}

func (r *OrderCallbackRepository) Create(ctx context.Context, callback *entity.OrderCallback) error {
	query := `
		INSERT INTO order_callbacks (
			order_id, provider, fingerprint, signature, payload_json, status, error, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var orderID interface{}
	if callback.OrderID != nil {
		orderID = *callback.OrderID
	}

	result, err := r.db.ExecContext(ctx, query,
		orderID,
		callback.Provider,
		callback.Fingerprint,
		truncate(callback.Signature, 512),
		callback.PayloadJSON,
		callback.Status,
		nullableStringValue(callback.Error),
		callback.CreatedAt,
		callback.UpdatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	callback.ID = uint64(id)

	return nil
}
