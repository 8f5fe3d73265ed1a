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
	"errors"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("store: key not found")

// Store is the secure configuration store: opaque string values by key,
// encrypted at rest.
type Store interface {
	// Ping check store provider available or not
	Ping(ctx context.Context) error
	// Get returns the decrypted value stored under key
	Get(ctx context.Context, key string) (string, error)
	// Set encrypts value and stores it under key, replacing any previous value
	Set(ctx context.Context, key string, value string) error
	// Delete removes key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error
	// Close releases all resources held by the store (e.g. connection pools)
	Close() error
}

// backend is a plain key/value provider; values arrive already sealed.
type backend interface {
	Ping(ctx context.Context) error
	get(ctx context.Context, key string) ([]byte, error)
	set(ctx context.Context, key string, value []byte) error
	del(ctx context.Context, key string) error
	Close() error
}
