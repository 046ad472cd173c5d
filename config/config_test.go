package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Network.MaxTransportProtocolSessions != 4 {
		t.Errorf("MaxTransportProtocolSessions = %d", cfg.Network.MaxTransportProtocolSessions)
	}
	if cfg.Network.MinimumTimeBetweenBAMFramesMS != 50 {
		t.Errorf("MinimumTimeBetweenBAMFramesMS = %d", cfg.Network.MinimumTimeBetweenBAMFramesMS)
	}
	if cfg.Network.MaxFramesPerUpdate != 255 {
		t.Errorf("MaxFramesPerUpdate = %d", cfg.Network.MaxFramesPerUpdate)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.MaxTransportProtocolSessions != 4 {
		t.Errorf("unexpected sessions default: %d", cfg.Network.MaxTransportProtocolSessions)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "isobus.yaml")
	content := []byte("network:\n  max_transport_protocol_sessions: 16\n  minimum_time_between_bam_frames_ms: 10\nlog:\n  level: debug\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.MaxTransportProtocolSessions != 16 {
		t.Errorf("sessions = %d", cfg.Network.MaxTransportProtocolSessions)
	}
	if cfg.Network.MinimumTimeBetweenBAMFramesMS != 10 {
		t.Errorf("bam spacing = %d", cfg.Network.MinimumTimeBetweenBAMFramesMS)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	// Untouched keys keep their defaults.
	if cfg.Network.MaxFramesPerUpdate != 255 {
		t.Errorf("frames per update = %d", cfg.Network.MaxFramesPerUpdate)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Network.MaxTransportProtocolSessions = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation failure for zero session cap")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ISOBUS_NETWORK_MAX_FRAMES_PER_UPDATE", "7")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.MaxFramesPerUpdate != 7 {
		t.Errorf("env override ignored: %d", cfg.Network.MaxFramesPerUpdate)
	}
}
