package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yourusername/bundle-forge/internal/app"
	"github.com/yourusername/bundle-forge/internal/collection"
	"github.com/yourusername/bundle-forge/internal/config"
	"github.com/yourusername/bundle-forge/internal/logging"
)

func testLoader(t *testing.T) appLoader {
	t.Helper()
	cfg := &config.Config{
		DatabaseDriver:    "sqlite3",
		DatabaseURL:       filepath.Join(t.TempDir(), "forgectl.db"),
		StorageBackend:    "local",
		StorageDir:        t.TempDir(),
		QueueRedisURL:     "redis://127.0.0.1:6379/15",
		QueueName:         "collections-test",
		WorkerConcurrency: 1,
		WorkDir:           t.TempDir(),
	}
	return func(ctx context.Context) (*app.App, error) {
		return app.New(ctx, cfg, logging.Discard())
	}
}

func run(t *testing.T, load appLoader, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(load)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrateCommand(t *testing.T) {
	out, err := run(t, testLoader(t), "migrate")
	if err != nil {
		t.Fatalf("migrate returned error: %v", err)
	}
	if !strings.Contains(out, "sqlite3") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestJobSetAndStatusCommands(t *testing.T) {
	load := testLoader(t)

	out, err := run(t, load, "job", "set", "job-1", "--scope", "scope-1", "--status", "finished",
		"--artifact", "artifacts/job-1.tar.gz", "--record", "1", "--record", "2")
	if err != nil {
		t.Fatalf("job set returned error: %v", err)
	}
	if strings.TrimSpace(out) != "job-1 FINISHED" {
		t.Fatalf("unexpected output: %q", out)
	}

	a, err := load(context.Background())
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	c, _ := collection.New("owner-1", "scope-1")
	c.AddMember("job-1")
	c.AddMember("job-2")
	if err := a.Store.Save(context.Background(), c); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	a.Close(context.Background())

	out, err = run(t, load, "status", c.ID)
	if err != nil {
		t.Fatalf("status returned error: %v", err)
	}
	var payload struct {
		ID      string                  `json:"id"`
		Members []string                `json:"members"`
		States  collection.MemberStates `json:"states"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("failed to parse output: %v out=%s", err, out)
	}
	if payload.ID != c.ID || len(payload.Members) != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if len(payload.States.Missing) != 1 || payload.States.Missing[0] != "job-2" {
		t.Fatalf("unexpected missing: %+v", payload.States)
	}
	if len(payload.States.ByStatus[collection.StatusFinished]) != 1 {
		t.Fatalf("unexpected byStatus: %+v", payload.States)
	}
}

func TestSubmitRequiresFlags(t *testing.T) {
	if _, err := run(t, testLoader(t), "submit", "job-1"); err == nil {
		t.Fatal("expected error without --owner and --scope")
	}
}
