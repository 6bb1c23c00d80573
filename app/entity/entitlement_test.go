package entity

import (
	"testing"
	"time"
)

func TestEntitlementActiveAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var missing *Entitlement
	if missing.ActiveAt(now) {
		t.Fatal("expected nil entitlement to be inactive")
	}

	active := &Entitlement{Status: EntitlementStatusActive, EndDate: now.Add(time.Hour)}
	if !active.ActiveAt(now) {
		t.Fatal("expected future active entitlement to be active")
	}

	ended := &Entitlement{Status: EntitlementStatusActive, EndDate: now.Add(-time.Second)}
	if ended.ActiveAt(now) {
		t.Fatal("expected ended entitlement to be inactive even with active status")
	}

	boundary := &Entitlement{Status: EntitlementStatusActive, EndDate: now}
	if boundary.ActiveAt(now) {
		t.Fatal("expected entitlement ending exactly now to be inactive")
	}

	cancelled := &Entitlement{Status: EntitlementStatusCancelled, EndDate: now.Add(time.Hour)}
	if cancelled.ActiveAt(now) {
		t.Fatal("expected cancelled entitlement to be inactive")
	}
}
