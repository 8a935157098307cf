package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GIN_MODE", "debug")
	t.Setenv("START_DELAY_SECONDS", "")
	t.Setenv("STORAGE_BACKEND", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.StartDelay() != 100*time.Second {
		t.Fatalf("unexpected start delay: %v", cfg.StartDelay())
	}
	if cfg.MetadataFilename != "attempts_metadata.csv" {
		t.Fatalf("unexpected metadata filename: %s", cfg.MetadataFilename)
	}
	if cfg.AttachmentFolder != "attachments" {
		t.Fatalf("unexpected attachment folder: %s", cfg.AttachmentFolder)
	}
}

func TestLoadInvalidIntFallsBack(t *testing.T) {
	t.Setenv("POLL_BACKOFF_SECONDS", "abc")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.PollBackoff() != 60*time.Second {
		t.Fatalf("unexpected backoff: %v", cfg.PollBackoff())
	}
}

func TestValidateReleaseRequiresUsers(t *testing.T) {
	cfg := &Config{
		GinMode:            "release",
		DatabaseDriver:     "postgres",
		DatabaseURL:        "postgres://localhost/db",
		StorageBackend:     "local",
		StorageDir:         "/tmp",
		SessionSecret:      "secret",
		QueueRedisURL:      "redis://localhost:6379/0",
		PollBackoffSeconds: 60,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error without users")
	}
	cfg.AppUsers = "alice:$2a$10$abcdefghijklmnopqrstuv"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateS3RequiresBucket(t *testing.T) {
	cfg := &Config{
		DatabaseDriver:     "sqlite3",
		StorageBackend:     "s3",
		PollBackoffSeconds: 60,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error without S3_BUCKET")
	}
}

func TestUsers(t *testing.T) {
	cfg := &Config{
		AppUsers:        "alice:hashA, bob:hashB,broken,:nohash",
		AppUsername:     "carol",
		AppPasswordHash: "hashC",
	}
	users := cfg.Users()
	if len(users) != 3 {
		t.Fatalf("unexpected users: %#v", users)
	}
	if users["bob"] != "hashB" || users["carol"] != "hashC" {
		t.Fatalf("unexpected users: %#v", users)
	}
}
