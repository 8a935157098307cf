package jobs

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func testRedisURL() string {
	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		return url
	}
	return "redis://127.0.0.1:6379/15"
}

// Redis に接続できない環境ではスキップします。
func newTestRedisStore(t *testing.T) *Store {
	t.Helper()
	opt, err := redis.ParseURL(testRedisURL())
	if err != nil {
		t.Fatalf("invalid TEST_REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis is not available: %v", err)
	}
	return NewStore(rdb, time.Minute)
}

func TestStoreLifecycle(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	id := "store-test-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { _ = store.Delete(context.Background(), id) })

	if record, err := store.Get(ctx, id); err != nil || record != nil {
		t.Fatalf("expected no record: %+v err=%v", record, err)
	}

	if err := store.Upsert(ctx, &Record{CollectionID: id, Status: StatusQueued}); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	if err := store.MarkWaiting(ctx, id); err != nil {
		t.Fatalf("MarkWaiting returned error: %v", err)
	}
	if err := store.UpdateProgress(ctx, id, ProgressInfo{Percent: 55, Stage: "merge"}); err != nil {
		t.Fatalf("UpdateProgress returned error: %v", err)
	}

	record, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != StatusRunning || record.Progress.Percent != 55 || record.Attempts != 1 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.ExpiresAt.Before(record.UpdatedAt) {
		t.Fatalf("unexpected expiry: %+v", record)
	}

	if err := store.MarkFailed(ctx, id, &ErrorInfo{Code: "MERGE_FAILED", Message: "broken"}); err != nil {
		t.Fatalf("MarkFailed returned error: %v", err)
	}
	if err := store.MarkDone(ctx, id, map[string]int{"records": 3}); err != nil {
		t.Fatalf("MarkDone returned error: %v", err)
	}
	record, _ = store.Get(ctx, id)
	if record.Status != StatusSucceeded || record.Error != nil || record.Progress.Percent != 100 {
		t.Fatalf("unexpected record after done: %+v", record)
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if record, _ := store.Get(ctx, id); record != nil {
		t.Fatalf("expected record to be deleted: %+v", record)
	}
}

func TestStoreValidation(t *testing.T) {
	store := NewStore(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), time.Minute)
	ctx := context.Background()
	if err := store.Upsert(ctx, nil); err == nil {
		t.Fatal("expected error for nil record")
	}
	if err := store.Upsert(ctx, &Record{}); err == nil {
		t.Fatal("expected error for empty id")
	}
	if _, err := store.Get(ctx, ""); err == nil {
		t.Fatal("expected error for empty id")
	}
	if err := store.MarkDone(ctx, "", nil); err == nil {
		t.Fatal("expected error for empty id")
	}
}
