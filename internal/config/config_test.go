package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "relayhub.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.Locks.TTL != 300*time.Second {
		t.Fatalf("expected 300s lock ttl, got %s", cfg.Locks.TTL)
	}
	dsn, err := cfg.StoreDSN()
	if err != nil || dsn != "memory://" {
		t.Fatalf("expected memory store, got %q err=%v", dsn, err)
	}
}

func TestLoadReadsYAMLAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
addr: ":9090"
locks:
  ttl: 45s
analytics:
  engagement_spike_percent: 25
  milestones: [10, 20]
rate_limit:
  max: 5
`)
	t.Setenv("RELAYHUB_RATE_LIMIT_MAX", "9")
	t.Setenv("RELAYHUB_LOCK_TTL", "not-a-duration")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("expected addr from file, got %q", cfg.Addr)
	}
	if cfg.RateLimit.Max != 9 {
		t.Fatalf("expected env override 9, got %d", cfg.RateLimit.Max)
	}
	if cfg.Locks.TTL != 45*time.Second {
		t.Fatalf("expected invalid env to fall back to 45s, got %s", cfg.Locks.TTL)
	}
	thresholds := cfg.Analytics.Thresholds()
	if thresholds.EngagementSpikePercent != 25 || len(thresholds.Milestones) != 2 {
		t.Fatalf("unexpected thresholds: %+v", thresholds)
	}
	if cfg.Notifications.MaxPending != 100 {
		t.Fatalf("expected untouched default max pending, got %d", cfg.Notifications.MaxPending)
	}
}

func TestLoadRejectsUnknownKeysAndMultipleDocuments(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(writeConfig(t, dir, "bogus: true\n")); err == nil {
		t.Fatalf("expected unknown key to fail")
	}
	if _, err := Load(writeConfig(t, dir, "addr: \":1\"\n---\naddr: \":2\"\n")); err == nil {
		t.Fatalf("expected multiple documents to fail")
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "tracing:\n  sampling_rate: 2\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "sampling_rate") {
		t.Fatalf("expected sampling rate error, got %v", err)
	}
}

func TestStoreProfiles(t *testing.T) {
	cfg := Default()
	cfg.Store.Profile = "durable-local"
	cfg.Store.DataDir = "/var/lib/relayhub"
	dsn, err := cfg.StoreDSN()
	if err != nil {
		t.Fatalf("durable-local failed: %v", err)
	}
	if dsn != "file:///var/lib/relayhub/ephemeral.json" {
		t.Fatalf("unexpected durable-local dsn %q", dsn)
	}
	if got := cfg.OutboundQueueDSN(); got != "file:///var/lib/relayhub/outbound-queue.json" {
		t.Fatalf("expected queue to follow durable-local, got %q", got)
	}

	cfg.Store.Profile = "production"
	if _, err := cfg.StoreDSN(); err == nil {
		t.Fatalf("expected production without dsn to fail")
	}
	cfg.Store.ProductionDSN = "postgres://db/relayhub"
	if dsn, _ := cfg.StoreDSN(); dsn != "postgres://db/relayhub" {
		t.Fatalf("expected production dsn, got %q", dsn)
	}

	cfg.Store.Profile = "redis"
	cfg.Store.RedisURL = "redis://cache:6379/0"
	if dsn, _ := cfg.StoreDSN(); dsn != "redis://cache:6379/0" {
		t.Fatalf("expected redis url, got %q", dsn)
	}

	cfg.Store.DSN = "memory://"
	if dsn, _ := cfg.StoreDSN(); dsn != "memory://" {
		t.Fatalf("expected explicit dsn to win, got %q", dsn)
	}

	cfg.Store.DSN = ""
	cfg.Store.Profile = "mystery"
	if _, err := cfg.StoreDSN(); err == nil {
		t.Fatalf("expected unsupported profile to fail")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "analytics:\n  engagement_spike_percent: 10\n")

	var mu sync.Mutex
	var seen []float64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, nil, func(cfg Config) {
			mu.Lock()
			seen = append(seen, cfg.Analytics.EngagementSpikePercent)
			mu.Unlock()
		})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		writeConfig(t, dir, "analytics:\n  engagement_spike_percent: 75\n")
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n > 0 {
			break
		}
	}
	mu.Lock()
	got := append([]float64(nil), seen...)
	mu.Unlock()
	if len(got) == 0 || got[len(got)-1] != 75 {
		t.Fatalf("expected reload with 75, got %v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}
