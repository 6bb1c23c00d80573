package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderAlreadyExists = errors.New("order already exists")
	ErrInvalidLookup      = errors.New("order lookup requires a reference or correlation id")
)

const orderColumns = `id, reference, user_id, plan_type, amount_minor, currency, provider, status,
			correlation_id, billing_customer_id, billing_subscription_id, checkout_url, failure_reason,
			paid_at, created_at, updated_at`

// OrderLookup addresses an order either by its local reference or by the
// provider's correlation id. Reference wins when both are set.
type OrderLookup struct {
	Reference     string
	CorrelationID string
}

func (l OrderLookup) clause() (string, string, error) {
	if ref := strings.TrimSpace(l.Reference); ref != "" {
		return "reference = ?", ref, nil
	}
	if cid := strings.TrimSpace(l.CorrelationID); cid != "" {
		return "correlation_id = ?", cid, nil
	}
	return "", "", ErrInvalidLookup
}

// PaidFields are the provider identifiers recorded with a paid transition.
// Nil fields keep the stored value.
type PaidFields struct {
	CorrelationID         *string
	BillingCustomerID     *string
	BillingSubscriptionID *string
}

type OrderRepository struct {
	db DBTX
}

func NewOrderRepository(db DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, order *entity.Order) error {
	query := `
		INSERT INTO orders (
			reference, user_id, plan_type, amount_minor, currency, provider, status,
			correlation_id, billing_customer_id, billing_subscription_id, checkout_url, failure_reason,
			paid_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		order.Reference,
		order.UserID,
		order.PlanType,
		order.AmountMinor,
		order.Currency,
		order.Provider,
		order.Status,
		nullableOptionalString(order.CorrelationID),
		nullableOptionalString(order.BillingCustomerID),
		nullableOptionalString(order.BillingSubscriptionID),
		nullableStringValue(order.CheckoutURL),
		nullableStringValue(order.FailureReason),
		nullableTimeValue(order.PaidAt),
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrOrderAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	order.ID = uint64(id)
	return nil
}

// AttachCheckout records the provider session for a pending order. Orders that
// already left pending are not touched.
func (r *OrderRepository) AttachCheckout(ctx context.Context, reference string, correlationID, checkoutURL *string, now time.Time) error {
	query := `
		UPDATE orders SET
			correlation_id = COALESCE(?, correlation_id),
			checkout_url = COALESCE(?, checkout_url),
			updated_at = ?
		WHERE reference = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableOptionalString(correlationID),
		nullableOptionalString(checkoutURL),
		now,
		reference,
		entity.OrderStatusPending,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrOrderAlreadyExists
		}
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		existing, err := r.FindByReference(ctx, reference)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrOrderNotFound
		}
	}
	return nil
}

// MarkPaid moves a pending order to paid in one conditional write and returns
// the stored row. transitioned is false when the order was already terminal.
func (r *OrderRepository) MarkPaid(ctx context.Context, lookup OrderLookup, fields PaidFields, paidAt time.Time) (*entity.Order, bool, error) {
	where, key, err := lookup.clause()
	if err != nil {
		return nil, false, err
	}

	query := `
		UPDATE orders SET
			status = ?,
			correlation_id = COALESCE(?, correlation_id),
			billing_customer_id = COALESCE(?, billing_customer_id),
			billing_subscription_id = COALESCE(?, billing_subscription_id),
			paid_at = ?,
			updated_at = ?
		WHERE ` + where + ` AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		entity.OrderStatusPaid,
		nullableOptionalString(fields.CorrelationID),
		nullableOptionalString(fields.BillingCustomerID),
		nullableOptionalString(fields.BillingSubscriptionID),
		paidAt,
		paidAt,
		key,
		entity.OrderStatusPending,
	)
	if err != nil {
		return nil, false, err
	}

	return r.afterTransition(ctx, lookup, result)
}

// MarkFailed moves a pending order to failed in one conditional write.
func (r *OrderRepository) MarkFailed(ctx context.Context, lookup OrderLookup, reason string, now time.Time) (*entity.Order, bool, error) {
	where, key, err := lookup.clause()
	if err != nil {
		return nil, false, err
	}

	query := `
		UPDATE orders SET
			status = ?,
			failure_reason = ?,
			updated_at = ?
		WHERE ` + where + ` AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		entity.OrderStatusFailed,
		truncate(strings.TrimSpace(reason), 255),
		now,
		key,
		entity.OrderStatusPending,
	)
	if err != nil {
		return nil, false, err
	}

	return r.afterTransition(ctx, lookup, result)
}

func (r *OrderRepository) afterTransition(ctx context.Context, lookup OrderLookup, result sql.Result) (*entity.Order, bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	order, err := r.Find(ctx, lookup)
	if err != nil {
		return nil, false, err
	}
	if order == nil {
		return nil, false, ErrOrderNotFound
	}

	return order, affected > 0, nil
}

func (r *OrderRepository) Find(ctx context.Context, lookup OrderLookup) (*entity.Order, error) {
	where, key, err := lookup.clause()
	if err != nil {
		return nil, err
	}
	return r.findOne(ctx, where, key)
}

func (r *OrderRepository) FindByReference(ctx context.Context, reference string) (*entity.Order, error) {
	return r.findOne(ctx, "reference = ?", reference)
}

func (r *OrderRepository) FindByCorrelationID(ctx context.Context, correlationID string) (*entity.Order, error) {
	return r.findOne(ctx, "correlation_id = ?", correlationID)
}

func (r *OrderRepository) findOne(ctx context.Context, where string, arg interface{}) (*entity.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE ` + where + `
		LIMIT 1
	`

	order := &entity.Order{}
	if err := scanOrder(r.db.QueryRowContext(ctx, query, arg), order); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return order, nil
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*entity.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	if offset < 0 {
		offset = 0
	}
	return r.list(ctx, query, userID, clampLimit(limit), offset)
}

// ListStalePending returns pending orders created at or before the cutoff,
// oldest first.
func (r *OrderRepository) ListStalePending(ctx context.Context, before time.Time, limit int32) ([]*entity.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = ?
		  AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`

	return r.list(ctx, query, entity.OrderStatusPending, before, clampLimit(limit))
}

func (r *OrderRepository) list(ctx context.Context, query string, args ...interface{}) ([]*entity.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]*entity.Order, 0)
	for rows.Next() {
		item := &entity.Order{}
		if err := scanOrder(rows, item); err != nil {
			return nil, err
		}
		orders = append(orders, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(scan rowScanner, order *entity.Order) error {
	var correlationID sql.NullString
	var customerID sql.NullString
	var subscriptionID sql.NullString
	var checkoutURL sql.NullString
	var failureReason sql.NullString
	var paidAt sql.NullTime

	err := scan.Scan(
		&order.ID,
		&order.Reference,
		&order.UserID,
		&order.PlanType,
		&order.AmountMinor,
		&order.Currency,
		&order.Provider,
		&order.Status,
		&correlationID,
		&customerID,
		&subscriptionID,
		&checkoutURL,
		&failureReason,
		&paidAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return err
	}

	order.CorrelationID = stringPtrFromNull(correlationID)
	order.BillingCustomerID = stringPtrFromNull(customerID)
	order.BillingSubscriptionID = stringPtrFromNull(subscriptionID)
	order.CheckoutURL = stringPtrFromNull(checkoutURL)
	order.FailureReason = stringPtrFromNull(failureReason)
	order.PaidAt = timePtrFromNull(paidAt)

	return nil
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
