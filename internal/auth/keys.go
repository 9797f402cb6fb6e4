package auth

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	masterKeySize = 32
	hkdfSalt      = "brokerd-auth-store-v1"
	hkdfInfo      = "brokerd master key"
)

// machineIdentifier returns a stable per-machine string. The key derived
// from it is intentionally non-portable between hosts.
func machineIdentifier() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	// Fallback for hosts without a machine-id file.
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "brokerd-local"
}

// DeriveMasterKey derives the 32-byte store key with HKDF-SHA256 over the
// machine identifier concatenated with the process user name. The key lives
// only in memory; callers must Clear it on shutdown.
func DeriveMasterKey() (Secret, error) {
	u, err := user.Current()
	if err != nil {
		return Secret{}, fmt.Errorf("resolve current user: %w", err)
	}

	ikm := []byte(machineIdentifier() + ":" + u.Username)
	defer func() {
		for i := range ikm {
			ikm[i] = 0
		}
	}()

	reader := hkdf.New(sha256.New, ikm, []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return Secret{}, fmt.Errorf("derive master key: %w", err)
	}
	out := SecretFromBytes(key)
	for i := range key {
		key[i] = 0
	}
	return out, nil
}
