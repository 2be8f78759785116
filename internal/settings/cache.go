package settings

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/kalambet/pictag/internal/storage"
)

// SettingsStore defines the storage operations the Cache needs.
// Implemented by storage.Store.
type SettingsStore interface {
	InsertSettingDefault(key, def string) error
	ListSettings() ([]storage.Setting, error)
	SetSettingValue(key, value string) error
}

// Cache provides synchronous, allocation-free reads of the settings table.
// All rows are loaded once at startup; reads never touch the database.
// Writes go through Set, which commits to the database first and then
// updates the map, so a successful Set is immediately visible to readers.
// Rows edited in the database by another process are not seen until the
// next Preload.
type Cache struct {
	store SettingsStore

	mu     sync.RWMutex
	values map[string]string
}

// NewCache creates an empty Cache. Call EnsureDefaults and Preload before
// serving reads.
func NewCache(store SettingsStore) *Cache {
	return &Cache{
		store:  store,
		values: make(map[string]string),
	}
}

// EnsureDefaults inserts a row for every known key that does not exist
// yet. Existing rows keep their value, which makes the bootstrap
// idempotent: running it any number of times yields the same table.
func (c *Cache) EnsureDefaults() error {
	for key, def := range defaults {
		if err := c.store.InsertSettingDefault(key, def); err != nil {
			return fmt.Errorf("inserting default for %s: %w", key, err)
		}
	}
	return nil
}

// Preload replaces the cached map with the current table contents.
func (c *Cache) Preload() error {
	rows, err := c.store.ListSettings()
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}

	c.mu.Lock()
	c.values = values
	c.mu.Unlock()
	return nil
}

// GetString returns the cached value for key, or the static default when
// the key is not loaded.
func (c *Cache) GetString(key string) string {
	c.mu.RLock()
	v, ok := c.values[key]
	c.mu.RUnlock()
	if !ok {
		return defaults[key]
	}
	return v
}

// GetInt returns the cached value parsed as an integer. Unparseable or
// missing values fall back to the parsed static default, or zero.
func (c *Cache) GetInt(key string) int {
	if i, err := strconv.Atoi(c.GetString(key)); err == nil {
		return i
	}
	if i, err := strconv.Atoi(defaults[key]); err == nil {
		return i
	}
	return 0
}

// GetBool returns the cached value parsed as a bool. Unparseable or
// missing values fall back to the parsed static default, or false.
func (c *Cache) GetBool(key string) bool {
	if b, err := strconv.ParseBool(c.GetString(key)); err == nil {
		return b
	}
	if b, err := strconv.ParseBool(defaults[key]); err == nil {
		return b
	}
	return false
}

// Set persists a value and then updates the cache. The window in which a
// reader can still observe the old value is bounded by the duration of
// this call.
func (c *Cache) Set(key, value string) error {
	if err := c.store.SetSettingValue(key, value); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}

	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
	return nil
}

// Lookup returns the cached value for key and whether the key is one
// the service knows about, loaded or not.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.RLock()
	v, ok := c.values[key]
	c.mu.RUnlock()
	if ok {
		return v, true
	}
	def, known := defaults[key]
	return def, known
}

// Default returns the static default for key, or "".
func Default(key string) string {
	return defaults[key]
}

// All returns a copy of the cached key/value map.
func (c *Cache) All() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}
