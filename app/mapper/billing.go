package mapper

import (
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/service"
	"github.com/vibast-solutions/ms-go-billing/app/types"
)

func OrderToResponse(item *entity.Order) *types.Order {
	if item == nil {
		return nil
	}

	return &types.Order{
		Reference:     item.Reference,
		PlanType:      item.PlanType,
		AmountMinor:   item.AmountMinor,
		Currency:      item.Currency,
		Provider:      item.Provider,
		Status:        item.Status,
		FailureReason: derefString(item.FailureReason),
		PaidAt:        formatTime(item.PaidAt),
		CreatedAt:     item.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func OrdersToResponse(items []*entity.Order) []*types.Order {
	result := make([]*types.Order, 0, len(items))
	for _, item := range items {
		result = append(result, OrderToResponse(item))
	}
	return result
}

func EntitlementToResponse(item *entity.Entitlement) *types.Entitlement {
	if item == nil {
		return nil
	}

	return &types.Entitlement{
		PlanType:             item.PlanType,
		Status:               item.Status,
		StartDate:            item.StartDate.UTC().Format(time.RFC3339),
		EndDate:              item.EndDate.UTC().Format(time.RFC3339),
		BillingCustomerId:    derefString(item.BillingCustomerID),
		SourceOrderReference: item.SourceOrderReference,
	}
}

func SubscriptionStatusToResponse(status *service.SubscriptionStatus) *types.SubscriptionStatusResponse {
	if status == nil {
		return &types.SubscriptionStatusResponse{}
	}
	return &types.SubscriptionStatusResponse{
		HasActiveSubscription: status.HasActiveSubscription,
		Entitlement:           EntitlementToResponse(status.Entitlement),
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func formatTime(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339)
}
