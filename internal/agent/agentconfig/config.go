// Package agentconfig persists the venue agent's settings as a JSON file,
// default ~/.church-av/config.json. Secrets (bearer token, passwords, API
// keys) are sealed into "enc:" envelopes with a machine-derived key, so a
// copied config file does not leak credentials. Non-secret keys stay
// plaintext and hand-editable.
package agentconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName under the user's home directory.
	DefaultDirName  = ".church-av"
	DefaultFileName = "config.json"
)

// RouterEntry is one video router the agent drives.
type RouterEntry struct {
	Name string `json:"name,omitempty"`
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
}

// MixerEntry selects the OSC console family and address.
type MixerEntry struct {
	Type string `json:"type"`
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
}

// Config is the agent's persisted configuration. Empty fields mean the
// device or feature is not set up at this venue.
type Config struct {
	Token            string `json:"token,omitempty"`
	Relay            string `json:"relay,omitempty"`
	Name             string `json:"name,omitempty"`
	SwitcherIP       string `json:"switcherIp,omitempty"`
	StreamerURL      string `json:"streamerUrl,omitempty"`
	StreamerPassword string `json:"streamerPassword,omitempty"`
	MacroHostURL     string `json:"macrohostUrl,omitempty"`
	SlidesHost       string `json:"slidesHost,omitempty"`
	SlidesPort       int    `json:"slidesPort,omitempty"`
	VisualServerHost string `json:"visualServerHost,omitempty"`
	VisualServerPort int    `json:"visualServerPort,omitempty"`

	VideoRouters []RouterEntry `json:"videoRouters,omitempty"`
	Mixer        *MixerEntry   `json:"mixer,omitempty"`

	// Watchdog defaults to on; a stored false turns it off.
	Watchdog          *bool  `json:"watchdog,omitempty"`
	PreviewSource     string `json:"previewSource,omitempty"`
	PreviewIntervalMs int    `json:"previewIntervalMs,omitempty"`

	// Platform credentials for the stream-health probes.
	YouTubeAPIKey       string `json:"youtubeApiKey,omitempty"`
	YouTubeChannelID    string `json:"youtubeChannelId,omitempty"`
	FacebookPageID      string `json:"facebookPageId,omitempty"`
	FacebookAccessToken string `json:"facebookAccessToken,omitempty"`

	// DebugAddr serves /healthz, /metrics, and /status when set.
	DebugAddr string `json:"debugAddr,omitempty"`
}

// WatchdogEnabled resolves the tri-state watchdog flag, default on.
func (c *Config) WatchdogEnabled() bool {
	return c.Watchdog == nil || *c.Watchdog
}

// Validate reports whether the config is complete enough to run an agent.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("config: no token; run setup or pass --token")
	}
	if c.Relay == "" {
		return fmt.Errorf("config: no relay address; run setup or pass --relay")
	}
	return nil
}

// DefaultPath returns ~/.church-av/config.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, DefaultDirName, DefaultFileName), nil
}

// secretFields lists the keys stored as enc: envelopes, as pointers into a
// Config so seal/unseal can rewrite them in place.
func secretFields(c *Config) []*string {
	return []*string{
		&c.Token,
		&c.StreamerPassword,
		&c.YouTubeAPIKey,
		&c.FacebookAccessToken,
	}
}

// Load reads and decrypts the config at path. A missing file returns an
// empty config and no error so first-run setup can proceed.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	key := machineKey()
	for _, f := range secretFields(cfg) {
		plain, err := unseal(*f, key)
		if err != nil {
			return nil, fmt.Errorf("config: decrypt %s: %w (was the file copied from another machine?)", path, err)
		}
		*f = plain
	}
	return cfg, nil
}

// Save seals secrets and writes the config atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	out := *cfg
	key := machineKey()
	for _, f := range secretFields(&out) {
		sealed, err := seal(*f, key)
		if err != nil {
			return fmt.Errorf("config: encrypt: %w", err)
		}
		*f = sealed
	}

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("config: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: replace %s: %w", path, err)
	}
	return nil
}
