package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalLocker_Exclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "sweep", time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "sweep", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if _, err := l.Acquire(ctx, "other", time.Minute); err != nil {
		t.Fatalf("unrelated key should be free: %v", err)
	}

	release()
	release()
	if _, err := l.Acquire(ctx, "sweep", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestLocalLocker_Expires(t *testing.T) {
	l := NewLocalLocker()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	stale, err := l.Acquire(context.Background(), "sweep", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := l.Acquire(context.Background(), "sweep", time.Minute); err != nil {
		t.Fatalf("expected expired lock to be reacquired: %v", err)
	}

	// The stale holder must not release the new holder's lock.
	stale()
	if _, err := l.Acquire(context.Background(), "sweep", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld after stale release, got %v", err)
	}
}
