package collection

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/yourusername/bundle-forge/internal/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := OpenDB(ctx, "sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return store
}

func putJob(t *testing.T, store *Store, id string, status Status, records ...string) {
	t.Helper()
	if err := store.PutJob(context.Background(), &Job{
		ID:          id,
		ScopeID:     "scope-1",
		Status:      status,
		ArtifactKey: "artifacts/" + id + ".tar.gz",
		ResourceIDs: []string{"cm7", "q3"},
		RecordIDs:   records,
	}); err != nil {
		t.Fatalf("PutJob(%s) returned error: %v", id, err)
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	putJob(t, store, "job-1", StatusFinished, "11")
	putJob(t, store, "job-2", StatusRunning, "12")

	c, _ := New("owner-1", "scope-1")
	c.AddMember("job-1")
	c.AddMember("job-2")
	c.AddMember("job-3")
	if err := store.Save(ctx, c); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if c.ID == "" || c.CreatedAt.IsZero() || c.ModifiedAt.IsZero() {
		t.Fatalf("expected id and timestamps to be assigned: %#v", c)
	}

	loaded, err := store.Load(ctx, c.ID)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded.Status != StatusUninitialized {
		t.Fatalf("unexpected status: %s", loaded.Status)
	}
	if loaded.OwnerID != "owner-1" || loaded.ScopeID != "scope-1" {
		t.Fatalf("unexpected owner/scope: %s/%s", loaded.OwnerID, loaded.ScopeID)
	}
	got := loaded.MemberIDs()
	want := []string{"job-1", "job-2", "job-3"}
	if len(got) != len(want) {
		t.Fatalf("unexpected members: %#v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("member[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	states := loaded.States()
	if len(states.Missing) != 1 || states.Missing[0] != "job-3" {
		t.Fatalf("expected job-3 to be missing: %#v", states.Missing)
	}
	members := loaded.Members()
	if members[0].Job == nil || members[0].Job.Status != StatusFinished {
		t.Fatalf("unexpected hydrated job: %#v", members[0].Job)
	}
	if len(members[0].Job.ResourceIDs) != 2 {
		t.Fatalf("unexpected resource ids: %#v", members[0].Job.ResourceIDs)
	}
}

func TestStoreSaveReplacesMembers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	c, _ := New("owner-1", "scope-1")
	c.AddMember("job-1")
	c.AddMember("job-2")
	if err := store.Save(ctx, c); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	c.RemoveMember("job-1")
	c.AddMember("job-4")
	if err := store.Save(ctx, c); err != nil {
		t.Fatalf("second Save returned error: %v", err)
	}

	loaded, err := store.Load(ctx, c.ID)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	got := loaded.MemberIDs()
	if len(got) != 2 || got[0] != "job-2" || got[1] != "job-4" {
		t.Fatalf("unexpected members after replace: %#v", got)
	}
}

func TestStoreLoadNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Load(context.Background(), "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestStoreSaveUnknownIDIsNotFound(t *testing.T) {
	store := newTestStore(t)
	c, _ := New("owner-1", "scope-1")
	c.ID = "does-not-exist"
	if err := store.Save(context.Background(), c); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	c, _ := New("owner-1", "scope-1")
	c.AddMember("job-1")
	if err := store.Save(ctx, c); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	if err := store.Delete(ctx, c.ID); err != nil {
		t.Fatalf("first Delete returned error: %v", err)
	}
	if err := store.Delete(ctx, c.ID); err != nil {
		t.Fatalf("second Delete returned error: %v", err)
	}
	if _, err := store.Load(ctx, c.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestStoreStatusAndPolled(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	c, _ := New("owner-1", "scope-1")
	if err := store.Save(ctx, c); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := store.UpdateStatus(ctx, c.ID, StatusAwaitingProcessing); err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	polledAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := store.MarkPolled(ctx, c.ID, polledAt); err != nil {
		t.Fatalf("MarkPolled returned error: %v", err)
	}

	loaded, err := store.Load(ctx, c.ID)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded.Status != StatusAwaitingProcessing {
		t.Fatalf("unexpected status: %s", loaded.Status)
	}
	if loaded.LastPolledAt == nil || !loaded.LastPolledAt.Equal(polledAt) {
		t.Fatalf("unexpected last polled: %v", loaded.LastPolledAt)
	}

	if err := store.UpdateStatus(ctx, "missing", StatusFailed); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestStoreListAndMemberRecords(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	putJob(t, store, "job-1", StatusFinished, "11", "12")
	putJob(t, store, "job-2", StatusFinished, "21")

	c, _ := New("owner-1", "scope-1")
	c.AddMember("job-1")
	c.AddMember("job-2")
	if err := store.Save(ctx, c); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	other, _ := New("owner-2", "scope-1")
	if err := store.Save(ctx, other); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	list, err := store.List(ctx, "owner-1", "scope-1")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(list) != 1 || list[0].ID != c.ID {
		t.Fatalf("unexpected list: %#v", list)
	}

	refs, err := store.MemberRecords(ctx, c.ID)
	if err != nil {
		t.Fatalf("MemberRecords returned error: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("unexpected refs: %#v", refs)
	}
	if refs[0].JobID != "job-1" || refs[0].RecordID != "11" || refs[2].RecordID != "21" {
		t.Fatalf("unexpected ref order: %#v", refs)
	}
	if refs[0].ArtifactKey != "artifacts/job-1.tar.gz" {
		t.Fatalf("unexpected artifact key: %s", refs[0].ArtifactKey)
	}
}

func TestStorePutJobReplacesRecords(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	putJob(t, store, "job-1", StatusRunning, "1", "2")
	putJob(t, store, "job-1", StatusFinished, "3", "3")

	c, _ := New("owner-1", "scope-1")
	c.AddMember("job-1")
	if err := store.Save(ctx, c); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	refs, err := store.MemberRecords(ctx, c.ID)
	if err != nil {
		t.Fatalf("MemberRecords returned error: %v", err)
	}
	if len(refs) != 1 || refs[0].RecordID != "3" {
		t.Fatalf("unexpected refs: %#v", refs)
	}
	loaded, _ := store.Load(ctx, c.ID)
	if !loaded.AllFinished() {
		t.Fatal("expected updated job status to be visible")
	}
}
