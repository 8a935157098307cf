package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/bundle-forge/internal/config"
	"github.com/yourusername/bundle-forge/internal/logging"
)

// Redis が無ければ newTestRedisStore がスキップします。
func newRedisManager(t *testing.T) *Manager {
	t.Helper()
	store := newTestRedisStore(t)
	cfg := &config.Config{
		QueueRedisURL:     testRedisURL(),
		QueueName:         "collections-test-" + time.Now().Format("150405.000000000"),
		WorkerConcurrency: 1,
		MaxPollRetries:    3,
	}
	m, err := newManager(cfg, store, logging.Discard())
	if err != nil {
		t.Fatalf("newManager returned error: %v", err)
	}
	t.Cleanup(func() {
		_ = m.inspector.DeleteQueue(cfg.QueueName, true)
		_ = m.inspector.Close()
		_ = m.client.Close()
	})
	return m
}

func TestEnqueueIsSingleFlight(t *testing.T) {
	m := newRedisManager(t)
	ctx := context.Background()
	id := "col-" + time.Now().Format("150405.000000000")

	for i := 0; i < 2; i++ {
		if err := m.Enqueue(ctx, id, time.Hour); err != nil {
			t.Fatalf("enqueue %d returned error: %v", i, err)
		}
	}

	scheduled, err := m.inspector.ListScheduledTasks(m.cfg.QueueName)
	if err != nil {
		t.Fatalf("ListScheduledTasks returned error: %v", err)
	}
	if len(scheduled) != 1 {
		t.Fatalf("expected one scheduled task, got %d", len(scheduled))
	}
	info, err := m.inspector.GetTaskInfo(m.cfg.QueueName, taskID(id))
	if err != nil {
		t.Fatalf("GetTaskInfo returned error: %v", err)
	}
	if info.State != asynq.TaskStateScheduled || info.MaxRetry != 3 {
		t.Fatalf("unexpected task info: %+v", info)
	}

	next, err := m.NextRun(ctx, id)
	if err != nil || next == nil {
		t.Fatalf("expected next run: %v err=%v", next, err)
	}
	if next.Before(time.Now().Add(50 * time.Minute)) {
		t.Fatalf("unexpected next run: %s", next)
	}
	record, err := m.GetRecord(ctx, id)
	if err != nil || record == nil || record.Status != StatusQueued {
		t.Fatalf("unexpected progress: %+v err=%v", record, err)
	}
}

func TestCancelRemovesScheduledTask(t *testing.T) {
	m := newRedisManager(t)
	ctx := context.Background()
	id := "col-" + time.Now().Format("150405.000000000")

	if err := m.Enqueue(ctx, id, time.Hour); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if err := m.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	next, err := m.NextRun(ctx, id)
	if err != nil || next != nil {
		t.Fatalf("expected no next run: %v err=%v", next, err)
	}
	if record, _ := m.GetRecord(ctx, id); record != nil {
		t.Fatalf("expected progress to be removed: %+v", record)
	}
	info, err := m.RunInfo(ctx, id)
	if err != nil || info.NextRun != nil || info.Progress != nil {
		t.Fatalf("unexpected run info: %+v err=%v", info, err)
	}

	// 予約が無くても成功する
	if err := m.Cancel(ctx, id); err != nil {
		t.Fatalf("second Cancel returned error: %v", err)
	}

	// 取り消し後は同じIDで予約し直せる
	if err := m.Enqueue(ctx, id, time.Hour); err != nil {
		t.Fatalf("re-Enqueue returned error: %v", err)
	}
	if next, _ := m.NextRun(ctx, id); next == nil {
		t.Fatal("expected task to be scheduled again")
	}
}
