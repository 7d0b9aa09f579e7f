//go:build windows

package qstore

// DefaultDir is the default directory holding the container.
const DefaultDir = `$LOCALAPPDATA\qauth`

// defaultRegistryPath holds the master keys under HKEY_CURRENT_USER.
const defaultRegistryPath = `CU\SOFTWARE\qauth\keys`

// DefaultKeyStore returns the platform key store for the named container.
// On Windows the key lives in the registry, protected by DPAPI.
func DefaultKeyStore(dir, name string) (KeyStore, error) {
	return NewRegistryKeyStore(defaultRegistryPath, name)
}
