//go:build !windows

package qstore

import (
	"crypto/rand"
	"fmt"

	"github.com/kardianos/qauth/qdef"
	"golang.org/x/crypto/nacl/secretbox"
)

// wrapKey seals the master key before it is written to the key file. The
// protection comes from the file's 0600 mode; wrapping only keeps the raw
// master key from appearing in the file.
var wrapKey = [32]byte{
	0x4c, 0x91, 0x0e, 0xd7, 0x2a, 0x65, 0xb3, 0x18,
	0xf0, 0x5d, 0x87, 0x3c, 0xa9, 0x12, 0x6e, 0xc4,
	0x39, 0xe8, 0x71, 0x0b, 0xd2, 0x46, 0x9f, 0x5a,
	0x23, 0xbe, 0x07, 0x94, 0x6c, 0xf5, 0x18, 0x8d,
}

// protectKey wraps a master key for the key file as nonce || box.
func protectKey(masterKey []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], masterKey, &nonce, &wrapKey), nil
}

// unprotectKey recovers a master key read from the key file. A wrapped key
// that does not open means the key file was damaged or replaced.
func unprotectKey(wrapped []byte) ([]byte, error) {
	if len(wrapped) < 24+secretbox.Overhead {
		return nil, fmt.Errorf("wrapped master key truncated: %w", qdef.ErrIntegrity)
	}
	var nonce [24]byte
	copy(nonce[:], wrapped[:24])

	masterKey, ok := secretbox.Open(nil, wrapped[24:], &nonce, &wrapKey)
	if !ok {
		return nil, fmt.Errorf("unwrap master key: %w", qdef.ErrIntegrity)
	}
	return masterKey, nil
}
