package qstore

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kardianos/qauth/qdef"
)

// keyValue holds the entries of a key file.
// Format:
//
//	key=T{text value}
//	key=B{base64encoded}
//	key=B{
//	base64encoded
//	over multiple lines
//	}
//
// Text encoding uses T{...}, binary encoding uses B{...} with base64.
type keyValue map[string][]byte

const (
	kvMaster  = "master"
	kvVersion = "version"
	kvScheme  = "secretbox-v1"
)

func readKeyValue(r io.Reader) (keyValue, error) {
	kv := make(keyValue)
	scanner := bufio.NewScanner(r)

	var multiLineKey string
	var multiLineValue strings.Builder

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if multiLineKey != "" {
			if line != "}" {
				multiLineValue.WriteString(line)
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(multiLineValue.String())
			if err != nil {
				return nil, fmt.Errorf("decode base64 for key %q: %w", multiLineKey, err)
			}
			kv[multiLineKey] = decoded
			multiLineKey = ""
			multiLineValue.Reset()
			continue
		}

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case value == "B{":
			multiLineKey = key
		case strings.HasPrefix(value, "T{") && strings.HasSuffix(value, "}"):
			kv[key] = []byte(value[2 : len(value)-1])
		case strings.HasPrefix(value, "B{") && strings.HasSuffix(value, "}"):
			decoded, err := base64.StdEncoding.DecodeString(value[2 : len(value)-1])
			if err != nil {
				return nil, fmt.Errorf("decode base64 for key %q: %w", key, err)
			}
			kv[key] = decoded
		}
	}
	if multiLineKey != "" {
		return nil, fmt.Errorf("unterminated value for key %q", multiLineKey)
	}
	return kv, scanner.Err()
}

func writeKeyValue(w io.Writer, kv keyValue, binary map[string]bool) error {
	keyList := make([]string, 0, len(kv))
	for key := range kv {
		keyList = append(keyList, key)
	}
	sort.Strings(keyList)

	for _, key := range keyList {
		value := kv[key]
		if !binary[key] {
			if _, err := fmt.Fprintf(w, "%s=T{%s}\n", key, value); err != nil {
				return err
			}
			continue
		}
		encoded := base64.StdEncoding.EncodeToString(value)
		if len(encoded) <= 60 {
			if _, err := fmt.Fprintf(w, "%s=B{%s}\n", key, encoded); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%s=B{\n", key); err != nil {
			return err
		}
		for i := 0; i < len(encoded); i += 60 {
			end := min(i+60, len(encoded))
			if _, err := fmt.Fprintf(w, "%s\n", encoded[i:end]); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "}\n"); err != nil {
			return err
		}
	}
	return nil
}

// FileKeyStore keeps the wrapped master key in a small text file next to the container.
type FileKeyStore struct {
	path string
}

var _ KeyStore = (*FileKeyStore)(nil)

// NewFileKeyStore returns a key store at path. The path can start with ~ to
// indicate the user's home directory.
func NewFileKeyStore(path string) *FileKeyStore {
	return &FileKeyStore{path: expandPath(path)}
}

func (s *FileKeyStore) Load() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, qdef.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	kv, err := readKeyValue(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse key file: %v: %w", err, qdef.ErrIntegrity)
	}
	if v := string(kv[kvVersion]); v != kvScheme {
		return nil, fmt.Errorf("key file scheme %q: %w", v, qdef.ErrIntegrity)
	}
	wrapped := kv[kvMaster]
	if len(wrapped) == 0 {
		return nil, fmt.Errorf("key file has no master entry: %w", qdef.ErrIntegrity)
	}
	return unprotectKey(wrapped)
}

func (s *FileKeyStore) Save(key []byte) error {
	wrapped, err := protectKey(key)
	if err != nil {
		return fmt.Errorf("wrap key: %w", err)
	}
	var buf bytes.Buffer
	kv := keyValue{kvVersion: []byte(kvScheme), kvMaster: wrapped}
	if err := writeKeyValue(&buf, kv, map[string]bool{kvMaster: true}); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	return atomicWriteFile(s.path, buf.Bytes(), 0600)
}

func (s *FileKeyStore) Delete() error {
	return removeFile(s.path)
}

func (s *FileKeyStore) Path() string {
	return s.path
}

// expandPath expands ~ and environment variables in a path.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.Expand(path, os.Getenv)
}
