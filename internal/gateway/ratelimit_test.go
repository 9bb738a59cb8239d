package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryLimiterDeniesOverBudget(t *testing.T) {
	l := NewMemoryLimiter(time.Minute, 3)
	defer l.Close()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "c1")
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "c1"); ok {
		t.Fatal("fourth request allowed")
	}
	// Other clients have their own budget.
	if ok, _ := l.Allow(ctx, "c2"); !ok {
		t.Fatal("separate client denied")
	}
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	l := NewMemoryLimiter(time.Minute, 1)
	defer l.Close()
	now := time.Now()
	l.now = func() time.Time { return now }

	ctx := context.Background()
	if ok, _ := l.Allow(ctx, "c1"); !ok {
		t.Fatal("first denied")
	}
	if ok, _ := l.Allow(ctx, "c1"); ok {
		t.Fatal("second allowed within window")
	}
	now = now.Add(time.Minute)
	if ok, _ := l.Allow(ctx, "c1"); !ok {
		t.Fatal("denied after window expired")
	}
}

func TestMemoryLimiterGC(t *testing.T) {
	l := NewMemoryLimiter(time.Minute, 10)
	defer l.Close()
	now := time.Now()
	l.now = func() time.Time { return now }

	ctx := context.Background()
	if _, err := l.Allow(ctx, "old"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(90 * time.Second)
	if _, err := l.Allow(ctx, "fresh"); err != nil {
		t.Fatal(err)
	}
	l.gc()
	// "old" is 90s idle, within 2x window; both survive.
	if n := l.Tracked(); n != 2 {
		t.Fatalf("tracked after first gc: %d", n)
	}
	now = now.Add(time.Minute)
	l.gc()
	// "old" is now beyond 2x window, "fresh" is not.
	if n := l.Tracked(); n != 1 {
		t.Fatalf("tracked after second gc: %d", n)
	}
	if _, ok := l.entries["fresh"]; !ok {
		t.Fatal("fresh entry collected")
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := NewRedisLimiter(mr.Addr(), time.Minute, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "c1")
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "c1"); ok {
		t.Fatal("third request allowed")
	}

	// Expiring the key opens a new window.
	mr.FastForward(time.Minute + time.Second)
	if ok, err := l.Allow(ctx, "c1"); err != nil || !ok {
		t.Fatalf("after expiry: ok=%v err=%v", ok, err)
	}
}

func TestRedisLimiterURLForm(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := NewRedisLimiter("redis://"+mr.Addr(), time.Minute, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if ok, err := l.Allow(context.Background(), "c1"); err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}
