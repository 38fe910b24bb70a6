package billing

import (
	"strings"

	"github.com/pulldeck/PullDeck/app/models"
)

func normalizePlan(plan string) string {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case models.PlanPro:
		return models.PlanPro
	case models.PlanTeam:
		return models.PlanTeam
	default:
		return models.PlanFree
	}
}

func planRank(plan string) int {
	switch normalizePlan(plan) {
	case models.PlanTeam:
		return 2
	case models.PlanPro:
		return 1
	default:
		return 0
	}
}

func normalizeStatus(status string) string {
	switch s := strings.ToLower(strings.TrimSpace(status)); s {
	case models.SubscriptionStatusActive,
		models.SubscriptionStatusTrialing,
		models.SubscriptionStatusPastDue,
		models.SubscriptionStatusCancelled,
		models.SubscriptionStatusExpired,
		models.SubscriptionStatusUnpaid:
		return s
	case "canceled": // provider spells it the US way
		return models.SubscriptionStatusCancelled
	case "":
		return models.SubscriptionStatusActive
	default:
		return models.SubscriptionStatusUnpaid
	}
}
