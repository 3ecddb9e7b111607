package deploy

import (
	"fmt"
	"os"
	"path/filepath"
)

// WritePrivateKey persists the PEM private key with owner-only
// permissions.
func WritePrivateKey(path string, keyPEM []byte) error {
	return writeFileAtomic(path, keyPEM, 0o600)
}

// WriteFullchain persists the PEM full chain (leaf followed by the
// issuing chain).
func WriteFullchain(path string, fullchainPEM []byte) error {
	return writeFileAtomic(path, fullchainPEM, 0o644)
}

// PersistBundle writes the private key and full chain to the
// configured output paths, replacing any previous content.
func PersistBundle(
	privateKeyPEM []byte,
	fullchainPEM []byte,
	privateKeyPath string,
	fullchainPath string,
) error {
	if err := WritePrivateKey(privateKeyPath, privateKeyPEM); err != nil {
		return err
	}
	return WriteFullchain(fullchainPath, fullchainPEM)
}

// writeFileAtomic writes to a temporary file in the destination
// directory and renames it into place, so a failure mid-write never
// leaves a half-written file at the destination.
func writeFileAtomic(
	path string,
	data []byte,
	mode os.FileMode,
) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary file in %q: %w", dir, err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return fmt.Errorf("setting mode on %q: %w", tmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("writing %q: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %q: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %q: %w", path, err)
	}
	return nil
}
