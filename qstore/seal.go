package qstore

import (
	"crypto/rand"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/kardianos/qauth/qdef"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the master key length in bytes.
const KeySize = 32

// sealed is the on-disk envelope of one value.
type sealed struct {
	Nonce [24]byte `cbor:"1,keyasint"`
	Box   []byte   `cbor:"2,keyasint"`
}

// NewKey returns fresh random master key material.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return key, nil
}

func keyArray(key []byte) (*[KeySize]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("master key is %d bytes, want %d: %w", len(key), KeySize, qdef.ErrIntegrity)
	}
	var k [KeySize]byte
	copy(k[:], key)
	return &k, nil
}

// sealValue encrypts and authenticates plaintext with key. The additional
// label binds the box to its field so values cannot be swapped between fields.
func sealValue(key *[KeySize]byte, label string, plaintext []byte) ([]byte, error) {
	var env sealed
	if _, err := rand.Read(env.Nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	msg := make([]byte, 0, len(label)+1+len(plaintext))
	msg = append(msg, label...)
	msg = append(msg, 0)
	msg = append(msg, plaintext...)
	env.Box = secretbox.Seal(nil, msg, &env.Nonce, key)
	return cbor.Marshal(env)
}

// openValue reverses sealValue. Authentication failures wrap qdef.ErrIntegrity.
func openValue(key *[KeySize]byte, label string, data []byte) ([]byte, error) {
	var env sealed
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %v: %w", err, qdef.ErrIntegrity)
	}
	msg, ok := secretbox.Open(nil, env.Box, &env.Nonce, key)
	if !ok {
		return nil, fmt.Errorf("authentication tag mismatch: %w", qdef.ErrIntegrity)
	}
	prefix := len(label) + 1
	if len(msg) < prefix || string(msg[:len(label)]) != label || msg[len(label)] != 0 {
		return nil, fmt.Errorf("value bound to another field: %w", qdef.ErrIntegrity)
	}
	return msg[prefix:], nil
}

// EncodeInt64 encodes n for storage in a field.
func EncodeInt64(n int64) ([]byte, error) {
	return cbor.Marshal(n)
}

// DecodeInt64 decodes a value written by EncodeInt64.
func DecodeInt64(b []byte) (int64, error) {
	var n int64
	if err := cbor.Unmarshal(b, &n); err != nil {
		return 0, err
	}
	return n, nil
}
