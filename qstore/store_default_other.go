//go:build !windows

package qstore

import "path/filepath"

// DefaultDir is the default directory holding the container and its key file.
const DefaultDir = "$HOME/.config/qauth"

// DefaultKeyStore returns the platform key store for the named container in dir.
func DefaultKeyStore(dir, name string) (KeyStore, error) {
	return NewFileKeyStore(filepath.Join(expandPath(dir), name+".key")), nil
}
