//go:build windows

package qstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kardianos/qauth/qdef"
	"golang.org/x/sys/windows/registry"
)

// RegistryKeyStore keeps the DPAPI-protected master key in the Windows registry,
// separate from the container file.
type RegistryKeyStore struct {
	hive    registry.Key
	keyPath string
	name    string
}

var _ KeyStore = (*RegistryKeyStore)(nil)

// NewRegistryKeyStore creates a registry-backed key store.
// Path format: "HIVE/path/to/key" where HIVE is one of:
//   - LM or LOCAL_MACHINE for HKEY_LOCAL_MACHINE (services)
//   - CU or CURRENT_USER for HKEY_CURRENT_USER (user apps)
//
// The key is stored as the binary value name.
func NewRegistryKeyStore(path, name string) (*RegistryKeyStore, error) {
	path = strings.ReplaceAll(path, "/", `\`)

	hiveStr, keyPath, found := strings.Cut(path, `\`)
	if !found {
		return nil, fmt.Errorf("invalid registry path: missing hive prefix (use LM/ or CU/)")
	}

	var hive registry.Key
	switch strings.ToUpper(hiveStr) {
	case "LM", "LOCAL_MACHINE":
		hive = registry.LOCAL_MACHINE
	case "CU", "CURRENT_USER":
		hive = registry.CURRENT_USER
	default:
		return nil, fmt.Errorf("invalid registry hive: %s (use LM, LOCAL_MACHINE, CU, or CURRENT_USER)", hiveStr)
	}
	return &RegistryKeyStore{hive: hive, keyPath: keyPath, name: name}, nil
}

func (s *RegistryKeyStore) Load() ([]byte, error) {
	regKey, err := registry.OpenKey(s.hive, s.keyPath, registry.QUERY_VALUE)
	if errors.Is(err, registry.ErrNotExist) {
		return nil, qdef.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open registry key: %w", err)
	}
	defer regKey.Close()

	data, _, err := regKey.GetBinaryValue(s.name)
	if errors.Is(err, registry.ErrNotExist) {
		return nil, qdef.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read registry value: %w", err)
	}
	return unprotectKey(data)
}

func (s *RegistryKeyStore) Save(key []byte) error {
	wrapped, err := protectKey(key)
	if err != nil {
		return fmt.Errorf("wrap key: %w", err)
	}
	regKey, _, err := registry.CreateKey(s.hive, s.keyPath, registry.ALL_ACCESS)
	if err != nil {
		return fmt.Errorf("open registry key: %w", err)
	}
	defer regKey.Close()
	return regKey.SetBinaryValue(s.name, wrapped)
}

func (s *RegistryKeyStore) Delete() error {
	regKey, err := registry.OpenKey(s.hive, s.keyPath, registry.SET_VALUE)
	if errors.Is(err, registry.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open registry key: %w", err)
	}
	defer regKey.Close()
	err = regKey.DeleteValue(s.name)
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return err
	}
	return nil
}

func (s *RegistryKeyStore) Path() string {
	var hiveStr string
	switch s.hive {
	case registry.LOCAL_MACHINE:
		hiveStr = "HKLM"
	case registry.CURRENT_USER:
		hiveStr = "HKCU"
	default:
		hiveStr = "UNKNOWN"
	}
	return hiveStr + `\` + s.keyPath + `\` + s.name
}
