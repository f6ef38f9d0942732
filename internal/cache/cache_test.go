package cache

import (
	"context"
	"testing"
	"time"

	"github.com/praxos/billingd/internal/entitle"
)

func TestKey(t *testing.T) {
	if got := Key("t-1", "u-9"); got != "ent:t-1:u-9" {
		t.Fatalf("Key=%q", got)
	}
}

func TestOpenRejectsBadURL(t *testing.T) {
	if _, err := Open("not a url", 0); err == nil {
		t.Fatal("expected error for malformed redis url")
	}
}

// An unreachable Redis must degrade to misses and no-ops, never errors.
func TestFailOpenWhenUnreachable(t *testing.T) {
	c, err := Open("redis://127.0.0.1:1/0?dial_timeout=50ms&read_timeout=50ms", time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if view, ok := c.GetView(ctx, "t-1", "u-1"); ok || view != nil {
		t.Fatalf("GetView should miss on unreachable cache, got %+v", view)
	}
	c.SetView(ctx, &entitle.View{TenantID: "t-1", UserID: "u-1", CheckedAt: time.Now()})
	c.Invalidate(ctx, "t-1", "u-1")

	if err := c.Ping(ctx); err == nil {
		t.Fatal("Ping should report the outage")
	}
}

func TestNilCacheIsInert(t *testing.T) {
	var c *Cache
	ctx := context.Background()
	if _, ok := c.GetView(ctx, "t", "u"); ok {
		t.Fatal("nil cache must miss")
	}
	c.SetView(ctx, &entitle.View{})
	c.Invalidate(ctx, "t", "u")
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("nil cache ping: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("nil cache close: %v", err)
	}
}
