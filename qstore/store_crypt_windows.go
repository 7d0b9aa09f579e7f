//go:build windows

package qstore

import (
	"fmt"

	"github.com/billgraziano/dpapi"
	"github.com/kardianos/qauth/qdef"
)

// protectKey wraps a master key with DPAPI so only the current user can read it back.
func protectKey(masterKey []byte) ([]byte, error) {
	return dpapi.EncryptBytes(masterKey)
}

// unprotectKey recovers a master key. A blob from another user or machine
// does not decrypt and is an integrity failure.
func unprotectKey(wrapped []byte) ([]byte, error) {
	b, err := dpapi.DecryptBytes(wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap master key: %v: %w", err, qdef.ErrIntegrity)
	}
	return b, nil
}
