package config

import (
	"log/slog"
	"os"
	"testing"
)

// clearEnv removes every dialgrid-relevant variable so tests see a clean
// environment regardless of the developer's shell.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"DIALGRID_DATA_DIR", "DIALGRID_HTTP_PORT", "DIALGRID_DB_DRIVER",
		"DIALGRID_DB_DSN", "PBX_ARI_URL", "PBX_ARI_USER", "PBX_ARI_PASS",
		"PBX_ARI_APP", "PBX_AMI_HOST", "PBX_AMI_PORT", "PBX_AMI_USER",
		"PBX_AMI_PASS", "RTP_PORT_MIN", "RTP_PORT_MAX", "SPEECH_API_KEY",
		"AI_WEBHOOK_SECRET", "RECORDING_BACKEND", "RECORDING_RETENTION_DAYS",
		"DIALGRID_LOG_LEVEL", "DIALGRID_LOG_FORMAT", "DIALGRID_SPEECH_URL",
		"DIALGRID_CORS_ORIGINS", "DIALGRID_TTS_VOICE", "DIALGRID_SOUNDS_DIR",
		"DIALGRID_QUEUES_FILE", "DIALGRID_DIAL_ENDPOINT",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := load([]string{"-no-pbx"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.DBDriver != "sqlite" {
		t.Errorf("DBDriver = %q, want sqlite", cfg.DBDriver)
	}
	if cfg.RTPPortMin != defaultRTPPortMin {
		t.Errorf("RTPPortMin = %d, want %d", cfg.RTPPortMin, defaultRTPPortMin)
	}
	if cfg.RecordingBackend != "local" {
		t.Errorf("RecordingBackend = %q, want local", cfg.RecordingBackend)
	}
	if cfg.RecordingRetention != defaultRetentionDays {
		t.Errorf("RecordingRetention = %d, want %d", cfg.RecordingRetention, defaultRetentionDays)
	}
	if cfg.TTSVoice != defaultTTSVoice {
		t.Errorf("TTSVoice = %q, want %q", cfg.TTSVoice, defaultTTSVoice)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("DIALGRID_HTTP_PORT", "9090")
	t.Setenv("PBX_ARI_URL", "http://pbx.example:8088")
	t.Setenv("PBX_ARI_USER", "ari")
	t.Setenv("PBX_AMI_HOST", "pbx.example")
	t.Setenv("RTP_PORT_MIN", "14000")
	t.Setenv("RTP_PORT_MAX", "15000")
	t.Setenv("AI_WEBHOOK_SECRET", "s3cr3t")
	t.Setenv("RECORDING_RETENTION_DAYS", "30")
	t.Setenv("DIALGRID_CORS_ORIGINS", "https://ops.example,https://crm.example")
	t.Setenv("DIALGRID_QUEUES_FILE", "/etc/dialgrid/queues.json")

	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.ARIURL != "http://pbx.example:8088" {
		t.Errorf("ARIURL = %q, want http://pbx.example:8088", cfg.ARIURL)
	}
	if cfg.AMIHost != "pbx.example" {
		t.Errorf("AMIHost = %q, want pbx.example", cfg.AMIHost)
	}
	if cfg.RTPPortMin != 14000 || cfg.RTPPortMax != 15000 {
		t.Errorf("RTP range = [%d, %d], want [14000, 15000]", cfg.RTPPortMin, cfg.RTPPortMax)
	}
	if cfg.WebhookSecret != "s3cr3t" {
		t.Errorf("WebhookSecret = %q, want s3cr3t", cfg.WebhookSecret)
	}
	if cfg.RecordingRetention != 30 {
		t.Errorf("RecordingRetention = %d, want 30", cfg.RecordingRetention)
	}
	if cfg.CORSOrigins != "https://ops.example,https://crm.example" {
		t.Errorf("CORSOrigins = %q", cfg.CORSOrigins)
	}
	if cfg.QueuesFile != "/etc/dialgrid/queues.json" {
		t.Errorf("QueuesFile = %q", cfg.QueuesFile)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	clearEnv(t)
	t.Setenv("DIALGRID_HTTP_PORT", "9090")
	t.Setenv("DIALGRID_LOG_LEVEL", "debug")

	cfg, err := load([]string{"-no-pbx", "-http-port", "3000", "-log-level", "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateErrors(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"invalid http port", []string{"-no-pbx", "-http-port", "99999"}},
		{"missing ari url", []string{"-ami-host", "pbx"}},
		{"missing ami host", []string{"-ari-url", "http://pbx:8088"}},
		{"odd rtp port min", []string{"-no-pbx", "-rtp-port-min", "10001"}},
		{"rtp range too small", []string{"-no-pbx", "-rtp-port-min", "10000", "-rtp-port-max", "10001"}},
		{"unknown backend", []string{"-no-pbx", "-recording-backend", "tape"}},
		{"s3 without bucket", []string{"-no-pbx", "-recording-backend", "s3"}},
		{"ftp without addr", []string{"-no-pbx", "-recording-backend", "ftp"}},
		{"postgres without dsn", []string{"-no-pbx", "-db-driver", "postgres"}},
		{"bad log level", []string{"-no-pbx", "-log-level", "verbose"}},
		{"bad log format", []string{"-no-pbx", "-log-format", "xml"}},
		{"speech url without key", []string{"-no-pbx", "-speech-url", "https://speech.example"}},
		{"negative retention", []string{"-no-pbx", "-recording-retention-days", "-1"}},
		{"dial endpoint without placeholder", []string{"-no-pbx", "-dial-endpoint", "PJSIP/outbound"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(tt.args); err == nil {
				t.Fatalf("expected error for %v, got nil", tt.args)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		if got := cfg.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestSpeechEnabled(t *testing.T) {
	cfg := &Config{SpeechURL: "https://speech.example", SpeechAPIKey: "k"}
	if !cfg.SpeechEnabled() {
		t.Error("SpeechEnabled() = false with URL configured")
	}
	cfg.SpeechDisabled = true
	if cfg.SpeechEnabled() {
		t.Error("SpeechEnabled() = true with -no-speech")
	}
	cfg = &Config{}
	if cfg.SpeechEnabled() {
		t.Error("SpeechEnabled() = true with no URL")
	}
}
