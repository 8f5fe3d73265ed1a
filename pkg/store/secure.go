/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
	"k8s.io/klog/v2"
)

const (
	keySize   = 32
	nonceSize = 24
)

// secureStore seals every value with NaCl secretbox before it reaches the backend.
// Format: [nonce (24 bytes)][sealed data]
type secureStore struct {
	backend backend
	key     [keySize]byte
}

func newSecureStore(b backend, key [keySize]byte) *secureStore {
	return &secureStore{backend: b, key: key}
}

// loadSecret reads STORE_SECRET as 32 bytes in hex or base64. Without it a
// random key is generated, so values do not survive a restart.
func loadSecret() ([keySize]byte, error) {
	var key [keySize]byte

	raw := os.Getenv("STORE_SECRET")
	if raw == "" {
		klog.Warning("STORE_SECRET is not set, using a random key; stored settings will not survive a restart")
		if _, err := rand.Read(key[:]); err != nil {
			return key, fmt.Errorf("failed to generate store key: %w", err)
		}
		return key, nil
	}

	decoded, err := decodeSecret(raw)
	if err != nil {
		return key, err
	}
	copy(key[:], decoded)
	return key, nil
}

func decodeSecret(raw string) ([]byte, error) {
	if b, err := hex.DecodeString(raw); err == nil && len(b) == keySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == keySize {
		return b, nil
	}
	return nil, fmt.Errorf("STORE_SECRET must be %d bytes encoded as hex or base64", keySize)
}

func (s *secureStore) seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &s.key), nil
}

func (s *secureStore) open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, errors.New("sealed value too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, errors.New("decryption failed")
	}
	return plain, nil
}

func (s *secureStore) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

func (s *secureStore) Get(ctx context.Context, key string) (string, error) {
	sealed, err := s.backend.get(ctx, key)
	if err != nil {
		return "", err
	}
	plain, err := s.open(sealed)
	if err != nil {
		return "", fmt.Errorf("Get: open value of %s: %w", key, err)
	}
	return string(plain), nil
}

func (s *secureStore) Set(ctx context.Context, key string, value string) error {
	sealed, err := s.seal([]byte(value))
	if err != nil {
		return fmt.Errorf("Set: seal value of %s: %w", key, err)
	}
	return s.backend.set(ctx, key, sealed)
}

func (s *secureStore) Delete(ctx context.Context, key string) error {
	return s.backend.del(ctx, key)
}

func (s *secureStore) Close() error {
	return s.backend.Close()
}
