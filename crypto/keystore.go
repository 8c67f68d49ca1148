package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// SaveKeyFile writes signing key material to path with 0600 permissions.
// Ed25519 keys are stored as PKCS#8 PEM, Schnorr keys as an nsec string.
// The write goes through a temp file in the same directory and a rename so
// a crash never leaves a truncated key behind.
func SaveKeyFile(path string, key *PrivateKey) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if strings.TrimSpace(path) == "" {
		return errors.New("crypto: empty key path")
	}

	var material string
	var err error
	switch key.Scheme() {
	case SchemeEd25519:
		material, err = key.EncodePEM()
	case SchemeSchnorr:
		material, err = key.EncodeNsec()
		material += "\n"
	default:
		err = fmt.Errorf("crypto: unknown scheme %q", key.Scheme())
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".key-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(material); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Rename(tmpName, path)
}

// LoadKeyFile reads signing key material from path. The format is detected
// from the content, so PEM, hex seed, and nsec files all load.
func LoadKeyFile(path string) (*PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read key file: %w", err)
	}
	key, err := ParsePrivateKey(string(raw))
	if err != nil {
		return nil, fmt.Errorf("crypto: %s: %w", filepath.Base(path), err)
	}
	return key, nil
}
