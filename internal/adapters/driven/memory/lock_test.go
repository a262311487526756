package memory

import (
	"context"
	"testing"
	"time"
)

func TestLock_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLock()

	ok, err := l.Acquire(ctx, "doc-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, _ = l.Acquire(ctx, "doc-1", time.Minute)
	if ok {
		t.Fatal("second acquire should fail while held")
	}
	ok, _ = l.Acquire(ctx, "doc-2", time.Minute)
	if !ok {
		t.Fatal("other names are independent")
	}

	_ = l.Release(ctx, "doc-1")
	ok, _ = l.Acquire(ctx, "doc-1", time.Minute)
	if !ok {
		t.Fatal("acquire after release should succeed")
	}
}

func TestLock_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLock()
	l.now = func() time.Time { return now }

	ok, _ := l.Acquire(ctx, "doc", time.Second)
	if !ok {
		t.Fatal("acquire failed")
	}
	if err := l.Extend(ctx, "doc", time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}

	now = now.Add(30 * time.Second)
	if ok, _ := l.Acquire(ctx, "doc", time.Second); ok {
		t.Fatal("extended lock should still be held")
	}

	now = now.Add(time.Minute)
	if err := l.Extend(ctx, "doc", time.Minute); err == nil {
		t.Error("extending an expired lock should fail")
	}
	if ok, _ := l.Acquire(ctx, "doc", time.Second); !ok {
		t.Error("expired lock should be acquirable")
	}
}
