package cachestore

import (
	"context"
	"testing"
	"time"
)

func newClockedMemory(start time.Time) (*Memory, *time.Time) {
	current := start
	store := NewMemory(MemoryConfig{Clock: func() time.Time { return current }})
	return store, &current
}

func TestMemoryGetSetDelete(t *testing.T) {
	store := NewMemory(MemoryConfig{})
	ctx := context.Background()

	if err := store.Set(ctx, "key", "value", 0); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	value, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if !ok || value != "value" {
		t.Fatalf("expected stored value, got %q ok=%v", value, ok)
	}

	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "key"); ok {
		t.Fatalf("expected value to be gone after delete")
	}
}

func TestMemoryExpiresValues(t *testing.T) {
	start := time.Date(2026, time.April, 1, 12, 0, 0, 0, time.UTC)
	store, current := newClockedMemory(start)
	ctx := context.Background()

	if err := store.Set(ctx, "session", "token", 30*time.Second); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	*current = start.Add(29 * time.Second)
	if _, ok, _ := store.Get(ctx, "session"); !ok {
		t.Fatalf("expected value before expiry")
	}

	*current = start.Add(31 * time.Second)
	if _, ok, _ := store.Get(ctx, "session"); ok {
		t.Fatalf("expected value to expire")
	}
}

func TestMemorySetOperations(t *testing.T) {
	store := NewMemory(MemoryConfig{})
	ctx := context.Background()

	if err := store.SAdd(ctx, "voters", "a", "b", "b"); err != nil {
		t.Fatalf("unexpected sadd error: %v", err)
	}
	count, err := store.SCard(ctx, "voters")
	if err != nil {
		t.Fatalf("unexpected scard error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 members, got %d", count)
	}

	if err := store.SRem(ctx, "voters", "a"); err != nil {
		t.Fatalf("unexpected srem error: %v", err)
	}
	members, err := store.SMembers(ctx, "voters")
	if err != nil {
		t.Fatalf("unexpected smembers error: %v", err)
	}
	if len(members) != 1 || members[0] != "b" {
		t.Fatalf("unexpected members %v", members)
	}
}

func TestMemoryListOperations(t *testing.T) {
	store := NewMemory(MemoryConfig{})
	ctx := context.Background()

	for _, item := range []string{"first", "second", "third"} {
		if err := store.LPush(ctx, "history", item); err != nil {
			t.Fatalf("unexpected lpush error: %v", err)
		}
	}

	length, err := store.LLen(ctx, "history")
	if err != nil {
		t.Fatalf("unexpected llen error: %v", err)
	}
	if length != 3 {
		t.Fatalf("expected 3 entries, got %d", length)
	}

	items, err := store.LRange(ctx, "history", 0, -1)
	if err != nil {
		t.Fatalf("unexpected lrange error: %v", err)
	}
	if len(items) != 3 || items[0] != "third" || items[2] != "first" {
		t.Fatalf("expected most-recent-first ordering, got %v", items)
	}
}

func TestMemoryApplyIsAtomic(t *testing.T) {
	store := NewMemory(MemoryConfig{})
	ctx := context.Background()

	if err := store.SAdd(ctx, "position:pro", "participant-1"); err != nil {
		t.Fatalf("unexpected sadd error: %v", err)
	}

	batch := NewBatch().
		Set("vote", `{"position":"con"}`, 0).
		SRem("position:pro", "participant-1").
		SAdd("position:con", "participant-1").
		LPush("history", `{"old":"pro","new":"con"}`).
		Delete("results")
	if err := store.Apply(ctx, batch); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	proCount, _ := store.SCard(ctx, "position:pro")
	conCount, _ := store.SCard(ctx, "position:con")
	if proCount != 0 || conCount != 1 {
		t.Fatalf("expected membership to move atomically, pro=%d con=%d", proCount, conCount)
	}
	if value, ok, _ := store.Get(ctx, "vote"); !ok || value != `{"position":"con"}` {
		t.Fatalf("expected batched set to land, got %q ok=%v", value, ok)
	}
	if length, _ := store.LLen(ctx, "history"); length != 1 {
		t.Fatalf("expected one history entry, got %d", length)
	}
}

func TestMemoryRejectsUseAfterClose(t *testing.T) {
	store := NewMemory(MemoryConfig{})
	ctx := context.Background()

	if err := store.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := store.Set(ctx, "key", "value", 0); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, _, err := store.Get(ctx, "key"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
