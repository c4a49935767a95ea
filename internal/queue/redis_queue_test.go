package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"evaluation-scheduler/internal/config"
)

func testQueue(t *testing.T) (*TriggerQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{RedisAddr: mr.Addr(), VisibilityTimeout: 30 * time.Second}
	return NewTriggerQueue(cfg), mr
}

func TestArmPromoteDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)
	runAt := time.Now().Add(time.Hour)

	if err := q.Arm(ctx, "e1/active", runAt); err != nil {
		t.Fatalf("arm: %v", err)
	}

	// Not due yet.
	if n, err := q.PromoteDue(ctx, time.Now(), 10); err != nil || n != 0 {
		t.Fatalf("expected no promotions, got n=%d err=%v", n, err)
	}
	if token, _ := q.DequeueWithLease(ctx); token != "" {
		t.Fatalf("expected empty dequeue, got %q", token)
	}

	// Past the firing time the token becomes ready.
	if n, err := q.PromoteDue(ctx, runAt.Add(time.Second), 10); err != nil || n != 1 {
		t.Fatalf("expected one promotion, got n=%d err=%v", n, err)
	}
	token, err := q.DequeueWithLease(ctx)
	if err != nil || token != "e1/active" {
		t.Fatalf("dequeue: token=%q err=%v", token, err)
	}

	if err := q.Ack(ctx, token); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if token, _ := q.DequeueWithLease(ctx); token != "" {
		t.Fatalf("acked token reappeared: %q", token)
	}
}

func TestArmMovesExistingToken(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	first := time.Now().Add(time.Hour)
	moved := time.Now().Add(2 * time.Hour)
	if err := q.Arm(ctx, "e1/due", first); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := q.Arm(ctx, "e1/due", moved); err != nil {
		t.Fatalf("re-arm: %v", err)
	}

	depth, err := q.ScheduledDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("expected one scheduled token, got %d err=%v", depth, err)
	}
	if n, _ := q.PromoteDue(ctx, first.Add(time.Second), 10); n != 0 {
		t.Fatalf("token promoted at its old time")
	}
	if n, _ := q.PromoteDue(ctx, moved.Add(time.Second), 10); n != 1 {
		t.Fatalf("token not promoted at its new time")
	}
}

func TestDisarmRemovesScheduledAndReady(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)
	runAt := time.Now().Add(-time.Minute)

	if err := q.Arm(ctx, "e1/reminder", runAt); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if _, err := q.PromoteDue(ctx, time.Now(), 10); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := q.Disarm(ctx, "e1/reminder"); err != nil {
		t.Fatalf("disarm: %v", err)
	}
	if token, _ := q.DequeueWithLease(ctx); token != "" {
		t.Fatalf("disarmed token still ready: %q", token)
	}
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Arm(ctx, "e1/closed", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if _, err := q.PromoteDue(ctx, time.Now(), 10); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if token, _ := q.DequeueWithLease(ctx); token == "" {
		t.Fatal("expected a leased token")
	}

	// Before the lease expires nothing is reclaimed.
	tokens, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil || len(tokens) != 0 {
		t.Fatalf("unexpected reclaim: tokens=%v err=%v", tokens, err)
	}

	tokens, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil || len(tokens) != 1 {
		t.Fatalf("expected one reclaimed token, got %v err=%v", tokens, err)
	}
	token, _ := q.DequeueWithLease(ctx)
	if token != "e1/closed" {
		t.Fatalf("reclaimed token not ready again: %q", token)
	}
}
