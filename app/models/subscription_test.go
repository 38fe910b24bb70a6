package models

import "testing"

func TestSubscriptionIsEntitling(t *testing.T) {
	entitling := []string{
		SubscriptionStatusActive,
		SubscriptionStatusTrialing,
		SubscriptionStatusPastDue,
	}
	for _, status := range entitling {
		s := Subscription{Status: status}
		if !s.IsEntitling() {
			t.Fatalf("expected status %q to be entitling", status)
		}
	}

	notEntitling := []string{
		SubscriptionStatusCancelled,
		SubscriptionStatusExpired,
		SubscriptionStatusUnpaid,
		"paused",
	}
	for _, status := range notEntitling {
		s := Subscription{Status: status}
		if s.IsEntitling() {
			t.Fatalf("expected status %q to be non-entitling", status)
		}
	}
}
