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
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/valkey-io/valkey-go"
)

func TestMakeValkeyOptions(t *testing.T) {
	t.Run("missing VALKEY_ADDR", func(t *testing.T) {
		t.Setenv("VALKEY_PASSWORD", "test_pwd")
		opts, err := makeValkeyOptions()
		assert.Nil(t, opts)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "missing env var VALKEY_ADDR")
	})

	t.Run("missing VALKEY_PASSWORD", func(t *testing.T) {
		t.Setenv("VALKEY_ADDR", "127.0.0.1:6379")
		t.Setenv("VALKEY_PASSWORD", "")
		opts, err := makeValkeyOptions()
		assert.Nil(t, opts)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "VALKEY_PASSWORD is required")
	})

	t.Run("password optional when explicitly disabled", func(t *testing.T) {
		t.Setenv("VALKEY_ADDR", "127.0.0.1:6379")
		t.Setenv("VALKEY_PASSWORD", "")
		t.Setenv("VALKEY_PASSWORD_REQUIRED", "false")
		opts, err := makeValkeyOptions()
		assert.NoError(t, err)
		assert.Empty(t, opts.Password)
	})

	t.Run("all basic env vars exist", func(t *testing.T) {
		expectedAddr := "127.0.0.1:6379,127.0.0.1:6380"
		// nolint:gosec
		expectedPwd := "test_valkey_pwd"
		t.Setenv("VALKEY_ADDR", expectedAddr)
		t.Setenv("VALKEY_PASSWORD", expectedPwd)

		opts, err := makeValkeyOptions()
		assert.NoError(t, err)
		assert.NotNil(t, opts)
		assert.Equal(t, strings.Split(expectedAddr, ","), opts.InitAddress)
		assert.Equal(t, expectedPwd, opts.Password)
		assert.False(t, opts.DisableCache)
		assert.False(t, opts.ForceSingleClient)
	})

	t.Run("with both disable cache and force single true", func(t *testing.T) {
		t.Setenv("VALKEY_ADDR", "127.0.0.1:6379")
		t.Setenv("VALKEY_PASSWORD", "test_pwd")
		t.Setenv("VALKEY_DISABLE_CACHE", "true")
		t.Setenv("VALKEY_FORCE_SINGLE", "true")

		opts, err := makeValkeyOptions()
		assert.NoError(t, err)
		assert.True(t, opts.DisableCache)
		assert.True(t, opts.ForceSingleClient)
	})

	t.Run("with invalid flag values", func(t *testing.T) {
		t.Setenv("VALKEY_ADDR", "127.0.0.1:6379")
		t.Setenv("VALKEY_PASSWORD", "test_pwd")
		t.Setenv("VALKEY_DISABLE_CACHE", "invalid")
		t.Setenv("VALKEY_FORCE_SINGLE", "invalid")

		opts, err := makeValkeyOptions()
		assert.NoError(t, err)
		assert.False(t, opts.DisableCache)
		assert.False(t, opts.ForceSingleClient)
	})
}

func newValkeyTestClient(t *testing.T) (*valkeyStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	valkeyClientOptions := &valkey.ClientOption{
		InitAddress:       []string{mr.Addr()},
		DisableCache:      true,
		ForceSingleClient: true,
	}

	client, err := valkey.NewClient(*valkeyClientOptions)
	if err != nil {
		t.Fatalf("valkey NewClient failed: %v", err)
	}
	t.Cleanup(client.Close)

	return &valkeyStore{cli: client, keyPrefix: "offloadd:config:"}, mr
}

func TestValkeyStore_Ping(t *testing.T) {
	c, _ := newValkeyTestClient(t)
	assert.Nil(t, c.Ping(context.Background()))
}

func TestValkeyStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	c, mr := newValkeyTestClient(t)
	s := newSecureStore(c, testKey())

	_, err := s.Get(ctx, "sharingEnabled")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	assert.NoError(t, s.Set(ctx, "sharingEnabled", "true"))
	assert.True(t, mr.Exists("offloadd:config:sharingEnabled"))

	got, err := s.Get(ctx, "sharingEnabled")
	assert.NoError(t, err)
	assert.Equal(t, "true", got)

	assert.NoError(t, s.Delete(ctx, "sharingEnabled"))
	_, err = s.Get(ctx, "sharingEnabled")
	assert.True(t, errors.Is(err, ErrNotFound))
}
