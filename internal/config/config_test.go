package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", cfg.BatchSize)
	}
	if cfg.MaxEmailsPerHour != 0 {
		t.Errorf("MaxEmailsPerHour = %d, want 0 (unlimited)", cfg.MaxEmailsPerHour)
	}
	if cfg.SMTPPort != 587 {
		t.Errorf("SMTPPort = %d, want 587", cfg.SMTPPort)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MAIL_BATCH_SIZE", "3")
	t.Setenv("MAIL_INTER_BATCH_DELAY_MS", "250")
	t.Setenv("MAIL_MAX_EMAILS_PER_HOUR", "5")
	t.Setenv("MAIL_MAX_EMAILS_PER_DAY", "100")
	t.Setenv("SMTP_SECURE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.BatchSize != 3 {
		t.Errorf("BatchSize = %d, want 3", cfg.BatchSize)
	}
	if cfg.InterBatchDelayMs != 250 {
		t.Errorf("InterBatchDelayMs = %d, want 250", cfg.InterBatchDelayMs)
	}
	if cfg.MaxEmailsPerHour != 5 {
		t.Errorf("MaxEmailsPerHour = %d, want 5", cfg.MaxEmailsPerHour)
	}
	if cfg.MaxEmailsPerDay != 100 {
		t.Errorf("MaxEmailsPerDay = %d, want 100", cfg.MaxEmailsPerDay)
	}
	if !cfg.SMTPSecure {
		t.Error("SMTPSecure = false, want true")
	}
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("MAIL_BATCH_SIZE", "ten")

	if _, err := Load(); err == nil {
		t.Error("Load accepted non-numeric MAIL_BATCH_SIZE")
	}
}
