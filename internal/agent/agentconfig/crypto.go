package agentconfig

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
)

// encPrefix marks a sealed value inside the JSON file.
const encPrefix = "enc:"

// machineKey derives a stable 256-bit key from the machine identity. The
// envelopes are not portable between machines; that is the point.
func machineKey() []byte {
	sum := sha256.Sum256([]byte("stagewire-agent-config:" + machineID()))
	return sum[:]
}

func machineID() string {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if raw, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(raw)); id != "" {
				return id
			}
		}
	}
	// Last resort; weaker, but keeps envelopes working on platforms
	// without a machine-id file.
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "stagewire-fallback"
	}
	return host
}

// seal encrypts plain into an enc: envelope. Empty values pass through so
// unset secrets stay recognisably absent in the file.
func seal(plain string, key []byte) (string, error) {
	if plain == "" {
		return "", nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// unseal reverses seal. Values without the enc: prefix are returned as-is,
// so a hand-pasted plaintext secret works until the next Save seals it.
func unseal(value string, key []byte) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", fmt.Errorf("bad envelope encoding: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("envelope too short")
	}
	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("envelope does not open: %w", err)
	}
	return string(plain), nil
}
