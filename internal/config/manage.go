package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all non-secret config key/value pairs from cfg.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  s.extract(cfg),
		})
	}
	return result
}

// SetKey writes a config key to the YAML config file. The value is parsed
// as a YAML scalar, so "true" and "8080" keep their types. The resulting file
// must still load.
func SetKey(key, value string) error {
	return setKeyAt(configFilePath(), key, value)
}

func setKeyAt(path, key, value string) error {
	s, err := findSpec(key)
	if err != nil {
		return err
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use %s or `config set-secret`", key, s.env)
	}

	var scalar any
	if err := yaml.Unmarshal([]byte(value), &scalar); err != nil || scalar == nil {
		scalar = value
	}

	tree, err := readTree(path)
	if err != nil {
		return err
	}
	setPath(tree, strings.Split(key, "."), scalar)

	candidate := defaults()
	data, err := yaml.Marshal(tree)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, &candidate); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := candidate.Validate(); err != nil {
		return err
	}
	return writeTree(path, tree)
}

func setPath(tree map[string]any, path []string, v any) {
	for _, p := range path[:len(path)-1] {
		next, ok := tree[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			tree[p] = next
		}
		tree = next
	}
	tree[path[len(path)-1]] = v
}

// SetSecret stores a secret key in the platform secret store.
func SetSecret(key, value string) error {
	s, err := findSpec(key)
	if err != nil {
		return err
	}
	if !s.secret {
		return fmt.Errorf("%q is not a secret; use `config set`", key)
	}
	return keychainSet(keychainService, key, value)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// SecretKeys returns the config keys that hold secrets.
func SecretKeys() []string {
	var keys []string
	for _, s := range specs {
		if s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// EnsureAPIToken generates an API token and saves it to the secret store
// when cfg has none. It reports whether a token was created.
func EnsureAPIToken(cfg *Config) (bool, error) {
	if cfg.API.Token != "" {
		return false, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return false, fmt.Errorf("generating api token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := keychainSet(keychainService, "api.token", token); err != nil {
		return false, fmt.Errorf("storing api token: %w", err)
	}
	cfg.API.Token = token
	return true, nil
}
