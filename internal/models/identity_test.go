package models

import (
	"testing"
	"time"
)

func baseAttributes() IdentityAttributes {
	return IdentityAttributes{
		Name:         "send_invoice",
		Version:      "v1",
		Namespace:    "billing",
		Context:      map[string]interface{}{"customer_id": "c-1", "amount": 42},
		Initiator:    "user-7",
		SourceSystem: "billing-api",
		Reason:       "monthly invoice",
		RequestedAt:  time.Date(2026, 7, 31, 10, 15, 30, 0, time.UTC),
	}
}

func TestComputeIdentityHashIsDeterministic(t *testing.T) {
	a := baseAttributes()
	h1, err := ComputeIdentityHash(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := ComputeIdentityHash(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Errorf("identical inputs produced different hashes: %q vs %q", h1, h2)
	}
}

func TestComputeIdentityHashIgnoresMapOrdering(t *testing.T) {
	a := baseAttributes()
	b := baseAttributes()
	b.Context = map[string]interface{}{"amount": 42, "customer_id": "c-1"}

	h1, err := ComputeIdentityHash(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := ComputeIdentityHash(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Errorf("map insertion order changed the hash: %q vs %q", h1, h2)
	}
}

func TestComputeIdentityHashBucketsRequestedAtToTheMinute(t *testing.T) {
	a := baseAttributes()
	b := baseAttributes()
	b.RequestedAt = a.RequestedAt.Add(20 * time.Second)

	h1, _ := ComputeIdentityHash(a)
	h2, _ := ComputeIdentityHash(b)
	if h1 != h2 {
		t.Errorf("requests within the same minute bucket should hash identically: %q vs %q", h1, h2)
	}
}

func TestComputeIdentityHashDiffersAcrossMinuteBuckets(t *testing.T) {
	a := baseAttributes()
	b := baseAttributes()
	b.RequestedAt = a.RequestedAt.Add(90 * time.Second)

	h1, _ := ComputeIdentityHash(a)
	h2, _ := ComputeIdentityHash(b)
	if h1 == h2 {
		t.Error("requests a minute apart should not collide")
	}
}

func TestComputeIdentityHashDiffersOnDistinctAttributes(t *testing.T) {
	a := baseAttributes()
	b := baseAttributes()
	b.Reason = "refund"

	h1, _ := ComputeIdentityHash(a)
	h2, _ := ComputeIdentityHash(b)
	if h1 == h2 {
		t.Error("different reasons should not hash identically")
	}
}
