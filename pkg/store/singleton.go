package store

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

const (
	sqliteStoreType string = "sqlite"
	redisStoreType  string = "redis"
	valkeyStoreType string = "valkey"
)

var (
	initStoreOnce       = &sync.Once{}
	provider      Store = nil
)

// Storage get store singleton
// support SQLite, Redis, Valkey, SQLite as default, can be setting by env STORE_TYPE
// STORE_SECRET: 32 byte key (hex or base64) sealing every value, optional
// --- sqlite STORE_TYPE environments ---
// SQLITE_PATH:    database file, optional, defaults to offloadd.db
// --- redis STORE_TYPE environments ---
// REDIS_ADDR:     redis address, required
// REDIS_PASSWORD: redis password, required
// --- valkey STORE_TYPE environments ---
// VALKEY_ADDR:          valkey address, required
// VALKEY_PASSWORD:      valkey password, required
// VALKEY_DISABLE_CACHE: disable valkey client cache, optional
// VALKEY_FORCE_SINGLE:  force setting valkey single mode, optional
func Storage() Store {
	initStoreOnce.Do(func() {
		err := initStore()
		if err != nil {
			klog.Fatalf("init store failed: %v", err)
		}
	})
	return provider
}

func initStore() error {
	// Setting storage provider type by env STORE_TYPE
	providerType, exists := os.LookupEnv("STORE_TYPE")
	if !exists {
		providerType = sqliteStoreType
	}
	// case-insensitive
	providerType = strings.ToLower(providerType)

	var b backend
	switch providerType {
	case sqliteStoreType:
		sqliteProvider, err := initSQLiteStore()
		if err != nil {
			return fmt.Errorf("init sqlite store failed: %w", err)
		}
		b = sqliteProvider
	case redisStoreType:
		redisProvider, err := initRedisStore()
		if err != nil {
			return fmt.Errorf("init redis store failed: %w", err)
		}
		b = redisProvider
	case valkeyStoreType:
		valkeyProvider, err := initValkeyStore()
		if err != nil {
			return fmt.Errorf("init valkey store failed: %w", err)
		}
		b = valkeyProvider
	default:
		return fmt.Errorf("unsupported provider type: %v", providerType)
	}

	key, err := loadSecret()
	if err != nil {
		_ = b.Close()
		return err
	}
	provider = newSecureStore(b, key)
	klog.Infof("init %s store successfully", providerType)
	return nil
}
