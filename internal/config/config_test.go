package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"TUNERGW_NUM_TUNERS", "TUNERGW_BASE_CONTROL_PORT", "TUNERGW_BASE_DISPLAY_ID",
		"TUNERGW_RESOLUTION_W", "TUNERGW_RESOLUTION_H", "TUNERGW_VIDEO_BITRATE",
		"TUNERGW_AUDIO_BITRATE", "TUNERGW_SEGMENT_TIME", "TUNERGW_LIST_SIZE",
		"TUNERGW_IDLE_TIMEOUT", "TUNERGW_HLS_OUTPUT_ROOT", "TUNERGW_BROWSER_PROFILE_ROOT",
		"TUNERGW_BASE_URL", "TUNERGW_DEVICE_ID", "TUNERGW_FRIENDLY_NAME",
		"TUNERGW_LISTEN_ADDR", "TUNERGW_STATE_DIR", "TUNERGW_CREDENTIAL_BUNDLE",
		"TUNERGW_CATALOG_PATH", "TUNERGW_STARTUP_DEADLINE",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	c := Load()
	if c.NumTuners != 1 {
		t.Errorf("NumTuners = %d, want 1", c.NumTuners)
	}
	if c.ResolutionW != 1280 || c.ResolutionH != 720 {
		t.Errorf("resolution = %dx%d, want 1280x720", c.ResolutionW, c.ResolutionH)
	}
	if c.SegmentTime != 4*time.Second {
		t.Errorf("SegmentTime = %s, want 4s", c.SegmentTime)
	}
	if c.ListSize != 5 {
		t.Errorf("ListSize = %d, want 5", c.ListSize)
	}
	if c.ListenAddr != ":5004" {
		t.Errorf("ListenAddr = %q, want :5004", c.ListenAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("TUNERGW_NUM_TUNERS", "4")
	os.Setenv("TUNERGW_LIST_SIZE", "8")
	defer clearEnv(t)

	c := Load()
	if c.NumTuners != 4 {
		t.Errorf("NumTuners = %d, want 4", c.NumTuners)
	}
	if c.ListSize != 8 {
		t.Errorf("ListSize = %d, want 8", c.ListSize)
	}
}

func TestLoadInvalidIntFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	os.Setenv("TUNERGW_NUM_TUNERS", "not-a-number")
	defer clearEnv(t)

	c := Load()
	if c.NumTuners != 1 {
		t.Errorf("NumTuners = %d, want default 1 on parse failure", c.NumTuners)
	}
}

func TestValidateRequiresCredentialBundle(t *testing.T) {
	clearEnv(t)
	c := Load()
	c.CredentialBundlePath = ""
	if err := c.Validate(); err == nil {
		t.Error("Validate() = nil, want error for missing credential bundle")
	}
}

func TestValidateRejectsZeroTuners(t *testing.T) {
	clearEnv(t)
	c := Load()
	c.NumTuners = 0
	if err := c.Validate(); err == nil {
		t.Error("Validate() = nil, want error for zero tuners")
	}
}

func TestValidateOK(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	bundle := dir + "/creds.json"
	if err := os.WriteFile(bundle, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	c := Load()
	c.CredentialBundlePath = bundle
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
