package models

import "testing"

func TestResultMergeNeverReclaimsAssigned(t *testing.T) {
	total := NewOptimizationResult("b1")
	total.TotalRides = 3

	phase1 := NewOptimizationResult("b1")
	phase1.Assigned["d1"] = []string{"r1"}
	phase1.AssignedOrder = []string{"r1"}
	phase1.Unassigned["r2"] = "No compatible driver available"
	total.Merge(phase1)

	// a later phase wrongly reporting r1 unassigned must be ignored
	phase2 := NewOptimizationResult("b1")
	phase2.Assigned["d2"] = []string{"r3"}
	phase2.AssignedOrder = []string{"r3"}
	phase2.Unassigned["r1"] = "stale"
	total.Merge(phase2)

	if _, ok := total.Unassigned["r1"]; ok {
		t.Fatal("assigned ride must never be reclaimed as unassigned")
	}
	if total.AssignedCount() != 2 || len(total.Unassigned) != 1 {
		t.Fatalf("unexpected merge outcome: assigned=%d unassigned=%d", total.AssignedCount(), len(total.Unassigned))
	}
	if total.AssignedDriverCount() != 2 {
		t.Fatalf("expected 2 drivers, got %d", total.AssignedDriverCount())
	}
	if len(total.AssignedOrder) != 2 || total.AssignedOrder[0] != "r1" || total.AssignedOrder[1] != "r3" {
		t.Fatalf("merge must keep phase commit order, got %v", total.AssignedOrder)
	}
}

func TestResultMergeKeepsFirstReason(t *testing.T) {
	total := NewOptimizationResult("b1")
	a := NewOptimizationResult("b1")
	a.Unassigned["r1"] = "first reason"
	total.Merge(a)
	b := NewOptimizationResult("b1")
	b.Unassigned["r1"] = "second reason"
	total.Merge(b)
	if total.Unassigned["r1"] != "first reason" {
		t.Fatalf("expected first reason kept, got %q", total.Unassigned["r1"])
	}
}

func TestSuccessRate(t *testing.T) {
	r := NewOptimizationResult("b1")
	if r.SuccessRate() != 0.0 {
		t.Fatalf("empty batch must report 0.0, got %f", r.SuccessRate())
	}
	r.TotalRides = 4
	r.Assigned["d1"] = []string{"r1", "r2", "r3"}
	if r.SuccessRate() != 75.0 {
		t.Fatalf("expected 75.0, got %f", r.SuccessRate())
	}
}

func TestJobStatusTerminal(t *testing.T) {
	if JobPending.Terminal() || JobRunning.Terminal() {
		t.Fatal("pending/running are not terminal")
	}
	if !JobCompleted.Terminal() || !JobFailed.Terminal() {
		t.Fatal("completed/failed are terminal")
	}
}
