package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

var ErrEntitlementNotFound = errors.New("entitlement not found")

const entitlementColumns = `id, user_id, plan_type, status, start_date, end_date,
			billing_customer_id, billing_subscription_id, source_order_reference,
			created_at, updated_at`

type EntitlementRepository struct {
	db DBTX
}

func NewEntitlementRepository(db DBTX) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

// upsertEntitlementQuery keeps one row per user and plan. A write whose end
// date is later than the stored one extends the row and takes over its
// source order; any other write only fills missing billing identifiers.
// MySQL applies the assignments left to right, so end_date has to be last.
const upsertEntitlementQuery = `
		INSERT INTO entitlements (
			user_id, plan_type, status, start_date, end_date,
			billing_customer_id, billing_subscription_id, source_order_reference,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = IF(VALUES(end_date) > end_date, VALUES(status), status),
			start_date = IF(VALUES(end_date) > end_date AND end_date <= VALUES(start_date), VALUES(start_date), start_date),
			source_order_reference = IF(VALUES(end_date) > end_date, VALUES(source_order_reference), source_order_reference),
			billing_customer_id = IF(VALUES(end_date) > end_date,
				COALESCE(VALUES(billing_customer_id), billing_customer_id),
				COALESCE(billing_customer_id, VALUES(billing_customer_id))),
			billing_subscription_id = IF(VALUES(end_date) > end_date,
				COALESCE(VALUES(billing_subscription_id), billing_subscription_id),
				COALESCE(billing_subscription_id, VALUES(billing_subscription_id))),
			updated_at = VALUES(updated_at),
			end_date = GREATEST(end_date, VALUES(end_date))
	`

// Upsert writes the entitlement period in a single statement keyed by user
// and plan. Replaying the same period leaves status and dates untouched.
func (r *EntitlementRepository) Upsert(ctx context.Context, entitlement *entity.Entitlement) (*entity.Entitlement, error) {
	_, err := r.db.ExecContext(ctx, upsertEntitlementQuery,
		entitlement.UserID,
		entitlement.PlanType,
		entitlement.Status,
		entitlement.StartDate,
		entitlement.EndDate,
		nullableOptionalString(entitlement.BillingCustomerID),
		nullableOptionalString(entitlement.BillingSubscriptionID),
		entitlement.SourceOrderReference,
		entitlement.CreatedAt,
		entitlement.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	stored, err := r.FindByUserPlan(ctx, entitlement.UserID, entitlement.PlanType)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, ErrEntitlementNotFound
	}
	return stored, nil
}

func (r *EntitlementRepository) FindByUserPlan(ctx context.Context, userID, planType string) (*entity.Entitlement, error) {
	query := `
		SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE user_id = ? AND plan_type = ?
		LIMIT 1
	`

	return r.findOne(ctx, query, userID, planType)
}

// Latest returns the authoritative row for a user: the one with the greatest
// end_date, ties broken by insertion order.
func (r *EntitlementRepository) Latest(ctx context.Context, userID string) (*entity.Entitlement, error) {
	query := `
		SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE user_id = ?
		ORDER BY end_date DESC, id DESC
		LIMIT 1
	`

	return r.findOne(ctx, query, userID)
}

func (r *EntitlementRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.Entitlement, error) {
	item := &entity.Entitlement{}
	if err := scanEntitlement(r.db.QueryRowContext(ctx, query, args...), item); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return item, nil
}

// CancelBySubscriptionID flips active rows bound to the billing subscription to
// cancelled and returns the rows this call changed.
func (r *EntitlementRepository) CancelBySubscriptionID(ctx context.Context, subscriptionID string, now time.Time) ([]*entity.Entitlement, error) {
	query := `
		SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE billing_subscription_id = ? AND status = ?
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, subscriptionID, entity.EntitlementStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []*entity.Entitlement
	for rows.Next() {
		item := &entity.Entitlement{}
		if err := scanEntitlement(rows, item); err != nil {
			return nil, err
		}
		candidates = append(candidates, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	update := `
		UPDATE entitlements SET
			status = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`

	cancelled := make([]*entity.Entitlement, 0, len(candidates))
	for _, item := range candidates {
		result, err := r.db.ExecContext(ctx, update,
			entity.EntitlementStatusCancelled,
			now,
			item.ID,
			entity.EntitlementStatusActive,
		)
		if err != nil {
			return cancelled, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return cancelled, err
		}
		// a concurrent cancel or expiry got there first
		if affected == 0 {
			continue
		}
		item.Status = entity.EntitlementStatusCancelled
		item.UpdatedAt = now
		cancelled = append(cancelled, item)
	}
	return cancelled, nil
}

func (r *EntitlementRepository) ExpireEnded(ctx context.Context, now time.Time, limit int32) (int64, error) {
	query := `
		UPDATE entitlements SET
			status = ?,
			updated_at = ?
		WHERE status = ? AND end_date <= ?
		ORDER BY end_date ASC
		LIMIT ?
	`

	result, err := r.db.ExecContext(ctx, query,
		entity.EntitlementStatusExpired,
		now,
		entity.EntitlementStatusActive,
		now,
		clampLimit(limit),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanEntitlement(scan rowScanner, item *entity.Entitlement) error {
	var customerID sql.NullString
	var subscriptionID sql.NullString

	err := scan.Scan(
		&item.ID,
		&item.UserID,
		&item.PlanType,
		&item.Status,
		&item.StartDate,
		&item.EndDate,
		&customerID,
		&subscriptionID,
		&item.SourceOrderReference,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return err
	}

	item.BillingCustomerID = stringPtrFromNull(customerID)
	item.BillingSubscriptionID = stringPtrFromNull(subscriptionID)
	return nil
}
