package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/openuds/engine/pkg/security"
	"github.com/openuds/engine/pkg/storage"
)

// Bootstrap is the process-level configuration loaded before the
// database exists: where the data lives, where to listen, how to log.
// Everything tunable at runtime lives in the Registry instead.
type Bootstrap struct {
	DataDir   string `yaml:"data_dir"`
	ListenAPI string `yaml:"listen_api"`
	Hostname  string `yaml:"hostname"`
	Secret    string `yaml:"secret"`
	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
}

// DefaultBootstrap returns the built-in defaults; flags and the YAML
// file override them.
func DefaultBootstrap() Bootstrap {
	hostname, _ := os.Hostname()
	return Bootstrap{
		DataDir:   "/var/lib/uds-engine",
		ListenAPI: ":8443",
		Hostname:  hostname,
		LogLevel:  "info",
	}
}

// LoadBootstrap reads a YAML bootstrap file over the defaults. A
// missing file is fine; the defaults stand.
func LoadBootstrap(path string) (Bootstrap, error) {
	cfg := DefaultBootstrap()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Registry is the hierarchical (section, key) runtime config store.
// Values live in the database so every engine host sees the same
// tuning; reads go through a process-local cache that Reload drops.
// Secret values are encrypted at rest with the site crypter.
type Registry struct {
	store   *storage.Store
	crypter *security.Crypter

	mu    sync.RWMutex
	cache map[string]string
}

// NewRegistry creates a registry and persists the defaults of every
// registered key that has no stored value yet.
func NewRegistry(store *storage.Store, crypter *security.Crypter) (*Registry, error) {
	r := &Registry{
		store:   store,
		crypter: crypter,
		cache:   make(map[string]string),
	}
	for _, v := range registered {
		stored := v.def
		if v.secret {
			var err error
			stored, err = r.seal(v.def)
			if err != nil {
				return nil, err
			}
		}
		if err := store.EnsureConfigValue(v.section, v.key, stored, v.kind, v.secret); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// seal encrypts and base64-encodes a secret value for the TEXT column.
func (r *Registry) seal(value string) (string, error) {
	enc, err := r.crypter.Encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(enc), nil
}

func (r *Registry) unseal(stored string) (string, error) {
	enc, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", err
	}
	plain, err := r.crypter.Decrypt(enc)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Reload drops the cache; the next read of each key hits the database.
func (r *Registry) Reload() {
	r.mu.Lock()
	r.cache = make(map[string]string)
	r.mu.Unlock()
}

func (r *Registry) raw(section, key, def string, secret bool) string {
	cacheKey := section + "/" + key

	r.mu.RLock()
	value, ok := r.cache[cacheKey]
	r.mu.RUnlock()
	if ok {
		return value
	}

	stored, found, err := r.store.GetConfigValue(section, key)
	if err != nil || !found {
		return def
	}
	value = stored
	if secret {
		plain, err := r.unseal(stored)
		if err != nil {
			return def
		}
		value = plain
	}

	r.mu.Lock()
	r.cache[cacheKey] = value
	r.mu.Unlock()
	return value
}

// Set stores a value and refreshes the cache entry.
func (r *Registry) Set(section, key, value, kind string, secret bool) error {
	stored := value
	if secret {
		var err error
		stored, err = r.seal(value)
		if err != nil {
			return err
		}
	}
	if err := r.store.SetConfigValue(section, key, stored, kind, secret); err != nil {
		return err
	}
	r.mu.Lock()
	r.cache[section+"/"+key] = value
	r.mu.Unlock()
	return nil
}

// Value is a typed handle on one (section, key). Handles are declared
// once at package level and read through the registry at call time, so
// runtime changes take effect without a restart (after Reload).
type Value struct {
	section string
	key     string
	def     string
	kind    string
	secret  bool
}

var registered []*Value

func register(section, key, def, kind string, secret bool) *Value {
	v := &Value{section: section, key: key, def: def, kind: kind, secret: secret}
	registered = append(registered, v)
	return v
}

// Str returns the value as a string.
func (v *Value) Str(r *Registry) string {
	return r.raw(v.section, v.key, v.def, v.secret)
}

// Set stores a new value for this key through the registry.
func (v *Value) Set(r *Registry, value string) error {
	return r.Set(v.section, v.key, value, v.kind, v.secret)
}

// Int returns the value as an int, falling back to the default when the
// stored value does not parse.
func (v *Value) Int(r *Registry) int {
	n, err := strconv.Atoi(r.raw(v.section, v.key, v.def, v.secret))
	if err != nil {
		n, _ = strconv.Atoi(v.def)
	}
	return n
}

// Bool returns the value as a bool ("1", "true", "yes" are true).
func (v *Value) Bool(r *Registry) bool {
	switch r.raw(v.section, v.key, v.def, v.secret) {
	case "1", "true", "yes":
		return true
	}
	return false
}
