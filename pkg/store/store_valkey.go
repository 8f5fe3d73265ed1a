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
	"fmt"
	"os"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/valkey-io/valkey-go"
)

type valkeyStore struct {
	cli       valkey.Client
	keyPrefix string
}

// initValkeyStore init valkey store client
func initValkeyStore() (*valkeyStore, error) {
	clientOpts, err := makeValkeyOptions()
	if err != nil {
		return nil, fmt.Errorf("make valkey client options failed: %w", err)
	}

	client, err := valkey.NewClient(*clientOpts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client failed: %w", err)
	}
	return &valkeyStore{
		cli:       client,
		keyPrefix: "offloadd:config:",
	}, nil
}

// makeValkeyOptions creates valkey ClientOption from environment variables
func makeValkeyOptions() (*valkey.ClientOption, error) {
	valkeyAddr := os.Getenv("VALKEY_ADDR")
	if valkeyAddr == "" {
		return nil, fmt.Errorf("missing env var VALKEY_ADDR")
	}

	valkeyPassword := os.Getenv("VALKEY_PASSWORD")
	if strings.ToLower(os.Getenv("VALKEY_PASSWORD_REQUIRED")) != "false" && valkeyPassword == "" {
		return nil, fmt.Errorf("VALKEY_PASSWORD is required but not set")
	}

	valkeyClientOptions := &valkey.ClientOption{
		InitAddress: strings.Split(valkeyAddr, ","),
		Password:    valkeyPassword,
	}
	if v := os.Getenv("VALKEY_DISABLE_CACHE"); v != "" {
		if disableCache, err := strconv.ParseBool(v); err == nil && disableCache {
			valkeyClientOptions.DisableCache = true
			klog.Info("valkeyClientOptions DisableCache is set to true")
		}
	}
	if v := os.Getenv("VALKEY_FORCE_SINGLE"); v != "" {
		if forceSingle, err := strconv.ParseBool(v); err == nil && forceSingle {
			valkeyClientOptions.ForceSingleClient = true
			klog.Info("valkeyClientOptions ForceSingleClient is set to true")
		}
	}
	return valkeyClientOptions, nil
}

func (vs *valkeyStore) configKey(key string) string {
	return vs.keyPrefix + key
}

// Ping check valkey store available or not
func (vs *valkeyStore) Ping(ctx context.Context) error {
	resp, err := vs.cli.Do(ctx, vs.cli.B().Ping().Build()).ToString()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

func (vs *valkeyStore) get(ctx context.Context, key string) ([]byte, error) {
	k := vs.configKey(key)
	b, err := vs.cli.Do(ctx, vs.cli.B().Get().Key(k).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get: valkey GET %s: %w", k, err)
	}
	return b, nil
}

func (vs *valkeyStore) set(ctx context.Context, key string, value []byte) error {
	k := vs.configKey(key)
	err := vs.cli.Do(ctx, vs.cli.B().Set().Key(k).Value(valkey.BinaryString(value)).Build()).Error()
	if err != nil {
		return fmt.Errorf("set: valkey SET %s: %w", k, err)
	}
	return nil
}

func (vs *valkeyStore) del(ctx context.Context, key string) error {
	k := vs.configKey(key)
	if err := vs.cli.Do(ctx, vs.cli.B().Del().Key(k).Build()).Error(); err != nil {
		return fmt.Errorf("del: valkey DEL %s: %w", k, err)
	}
	return nil
}

func (vs *valkeyStore) Close() error {
	vs.cli.Close()
	return nil
}
