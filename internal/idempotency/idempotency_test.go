package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestMemorySetIfAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.SetIfAbsent(ctx, "k", "job-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim should win: ok=%v err=%v", ok, err)
	}
	ok, err = s.SetIfAbsent(ctx, "k", "job-2", time.Minute)
	if err != nil || ok {
		t.Fatalf("second claim should lose: ok=%v err=%v", ok, err)
	}
	v, found, err := s.Get(ctx, "k")
	if err != nil || !found || v != "job-1" {
		t.Fatalf("expected original value job-1, got %q found=%v err=%v", v, found, err)
	}
}

func TestMemoryDeleteReleasesClaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if ok, _ := s.SetIfAbsent(ctx, "k", "job-1", time.Minute); !ok {
		t.Fatal("first claim should win")
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := s.SetIfAbsent(ctx, "k", "job-2", time.Minute); !ok {
		t.Fatal("claim should win again after delete")
	}
}

func TestMemoryEntryExpires(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if ok, _ := s.SetIfAbsent(ctx, "k", "job-1", 5*time.Millisecond); !ok {
		t.Fatal("first claim should win")
	}
	time.Sleep(10 * time.Millisecond)
	if ok, _ := s.SetIfAbsent(ctx, "k", "job-2", time.Minute); !ok {
		t.Fatal("claim should win again after expiry")
	}
	v, found, _ := s.Get(ctx, "k")
	if !found || v != "job-2" {
		t.Fatalf("expected job-2 after expiry, got %q found=%v", v, found)
	}
}
