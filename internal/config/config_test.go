package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("port = %q, want %q", cfg.Port, "8080")
	}
	if cfg.Booking.CancelCutoff != 2*time.Hour {
		t.Errorf("cancel_cutoff = %v, want 2h", cfg.Booking.CancelCutoff)
	}
	if cfg.Booking.EarlyCheckInWindow != time.Hour {
		t.Errorf("early_checkin_window = %v, want 1h", cfg.Booking.EarlyCheckInWindow)
	}
	if cfg.Points.EarlyBonusThreshold != 15*time.Minute {
		t.Errorf("early_bonus_threshold = %v, want 15m", cfg.Points.EarlyBonusThreshold)
	}
	if cfg.Points.FrequencyWindow != 720*time.Hour {
		t.Errorf("frequency_window = %v, want 720h", cfg.Points.FrequencyWindow)
	}
	if cfg.Points.FrequencyMin != 3 {
		t.Errorf("frequency_min = %d, want 3", cfg.Points.FrequencyMin)
	}
	if cfg.Points.PromoMultiplier != 1.0 {
		t.Errorf("promo_multiplier = %v, want 1.0", cfg.Points.PromoMultiplier)
	}
	if cfg.Streak.Period != 168*time.Hour {
		t.Errorf("streak.period = %v, want 168h", cfg.Streak.Period)
	}
	if cfg.Outbox.MaxRetries != 5 {
		t.Errorf("max_retries = %d, want 5", cfg.Outbox.MaxRetries)
	}
	if cfg.Jobs.ReconcileSpec != "@every 1h" {
		t.Errorf("reconcile_spec = %q, want %q", cfg.Jobs.ReconcileSpec, "@every 1h")
	}
	if cfg.Backup.Prefix != "snapshots/" || cfg.Backup.S3.Region != "us-east-1" {
		t.Errorf("backup = %+v, want prefix snapshots/ in us-east-1", cfg.Backup)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nightwatch.yaml")
	yaml := `
port: "9090"
booking:
  cancel_cutoff: 4h
points:
  promo_multiplier: 2
  promo_start: "2026-12-01T00:00:00Z"
  promo_end: "2026-12-31T23:59:59Z"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("NIGHTWATCH_PORT", "7070")
	t.Setenv("NIGHTWATCH_STREAK_PERIOD", "336h")
	t.Setenv("NIGHTWATCH_BACKUP_S3_BUCKET", "roster-backups")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Port != "7070" {
		t.Errorf("port = %q, want env override %q", cfg.Port, "7070")
	}
	if cfg.Booking.CancelCutoff != 4*time.Hour {
		t.Errorf("cancel_cutoff = %v, want 4h", cfg.Booking.CancelCutoff)
	}
	if cfg.Streak.Period != 336*time.Hour {
		t.Errorf("streak.period = %v, want 336h", cfg.Streak.Period)
	}
	if cfg.Points.PromoMultiplier != 2 {
		t.Errorf("promo_multiplier = %v, want 2", cfg.Points.PromoMultiplier)
	}
	if cfg.Backup.S3.Bucket != "roster-backups" {
		t.Errorf("backup.s3.bucket = %q, want %q", cfg.Backup.S3.Bucket, "roster-backups")
	}
	wantStart := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	if !cfg.Points.PromoStart.Equal(wantStart) {
		t.Errorf("promo_start = %v, want %v", cfg.Points.PromoStart, wantStart)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		yaml string
	}{
		{"bad promo time", "points:\n  promo_start: tomorrow\n"},
		{"inverted promo", "points:\n  promo_start: \"2026-12-31T00:00:00Z\"\n  promo_end: \"2026-12-01T00:00:00Z\"\n"},
		{"zero streak period", "streak:\n  period: 0s\n"},
		{"early window below bonus threshold", "booking:\n  early_checkin_window: 5m\n"},
		{"negative backup retention", "backup:\n  retention: -1h\n"},
	}

	for _, tt := range tests {
		path := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}
