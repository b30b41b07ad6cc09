package agentconfig

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	watchdog := false
	in := &Config{
		Token:            "eyJtoken",
		Relay:            "wss://relay.example.org",
		Name:             "North Campus",
		SwitcherIP:       "10.1.2.3",
		StreamerURL:      "ws://10.1.2.4:4455",
		StreamerPassword: "hunter2",
		SlidesHost:       "10.1.2.5",
		SlidesPort:       50001,
		VideoRouters:     []RouterEntry{{Name: "main", Host: "10.1.2.6"}},
		Mixer:            &MixerEntry{Type: "behringer", Host: "10.1.2.7"},
		Watchdog:         &watchdog,
		YouTubeAPIKey:    "yt-secret",
	}
	if err := Save(path, in); err != nil {
		t.Fatal(err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if out.Token != in.Token {
		t.Errorf("token = %q, want %q", out.Token, in.Token)
	}
	if out.StreamerPassword != in.StreamerPassword {
		t.Errorf("streamerPassword = %q, want %q", out.StreamerPassword, in.StreamerPassword)
	}
	if out.YouTubeAPIKey != in.YouTubeAPIKey {
		t.Errorf("youtubeApiKey = %q, want %q", out.YouTubeAPIKey, in.YouTubeAPIKey)
	}
	if out.Name != "North Campus" || out.SwitcherIP != "10.1.2.3" {
		t.Errorf("plain fields lost: %+v", out)
	}
	if out.WatchdogEnabled() {
		t.Error("watchdog = enabled, want disabled")
	}
	if len(out.VideoRouters) != 1 || out.VideoRouters[0].Host != "10.1.2.6" {
		t.Errorf("videoRouters = %+v", out.VideoRouters)
	}
	if out.Mixer == nil || out.Mixer.Type != "behringer" {
		t.Errorf("mixer = %+v", out.Mixer)
	}
}

// Secrets on disk must be envelopes, never plaintext, and plain fields must
// stay readable.
func TestSecretsSealedOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, &Config{Token: "super-secret", Name: "Chapel"}); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "super-secret") {
		t.Fatal("token stored in plaintext")
	}

	var onDisk map[string]any
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatal(err)
	}
	tok, _ := onDisk["token"].(string)
	if !strings.HasPrefix(tok, "enc:") {
		t.Errorf("token on disk = %q, want enc: envelope", tok)
	}
	if name, _ := onDisk["name"].(string); name != "Chapel" {
		t.Errorf("name on disk = %q, want plaintext", name)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
}

// Hand-pasted plaintext secrets load as-is until the next save seals them.
func TestLoadAcceptsPlaintextSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"token":"pasted-token","relay":"wss://relay.example.org"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Token != "pasted-token" {
		t.Errorf("token = %q, want pasted-token", cfg.Token)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.json"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Token != "" || cfg.Relay != "" {
		t.Errorf("missing file should load empty, got %+v", cfg)
	}
	if !cfg.WatchdogEnabled() {
		t.Error("watchdog should default on")
	}
}

func TestLoadRejectsForeignEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// Valid base64, not a valid ciphertext under this machine's key.
	body := `{"token":"enc:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("foreign envelope loaded without error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"complete", Config{Token: "t", Relay: "wss://r"}, false},
		{"no token", Config{Relay: "wss://r"}, true},
		{"no relay", Config{Token: "t"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := Save(path, &Config{Name: "before"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, zerolog.Nop(), path, func(c *Config) { got <- c })
	}()

	// Give the watcher a moment to attach before writing.
	time.Sleep(200 * time.Millisecond)
	if err := Save(path, &Config{Name: "after"}); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-got:
		if cfg.Name != "after" {
			t.Errorf("reloaded name = %q, want %q", cfg.Name, "after")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload within 5s")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}
