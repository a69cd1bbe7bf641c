package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"
)

// KeySize is the secret key length in bytes (AES-192).
const KeySize = 24

// DefaultKeyFile is where the key lives when nothing else is configured.
const DefaultKeyFile = "proxy-manager.key"

const (
	keyReadAttempts = 20
	keyReadBackoff  = 25 * time.Millisecond
)

// LoadOrCreateKey returns the hex-encoded key stored at path, creating it
// with fresh random bytes when missing. Creation is exclusive, so of two
// processes racing on first start exactly one writes and the other reads the
// winner's key.
func LoadOrCreateKey(path string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	switch {
	case err == nil:
		_, werr := f.WriteString(hex.EncodeToString(key))
		cerr := f.Close()
		if werr != nil {
			return nil, fmt.Errorf("write key %s: %w", path, werr)
		}
		if cerr != nil {
			return nil, fmt.Errorf("write key %s: %w", path, cerr)
		}
		return key, nil
	case errors.Is(err, fs.ErrExist):
		return readKey(path)
	default:
		return nil, fmt.Errorf("create key %s: %w", path, err)
	}
}

// readKey tolerates a winner that has created the file but not yet written
// its contents.
func readKey(path string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", path, err)
		}
		text := strings.TrimSpace(string(raw))
		if text == "" && attempt < keyReadAttempts {
			time.Sleep(keyReadBackoff)
			continue
		}
		key, err := hex.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", path, err)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("key %s: expected %d bytes, got %d", path, KeySize, len(key))
		}
		return key, nil
	}
}
