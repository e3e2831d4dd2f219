package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"unicode"

	"gopkg.in/yaml.v3"
)

const defaultKeysFile = "randomizer.keys.yaml"

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Users map[string]userEntry `yaml:"users"`
}

type userEntry struct {
	Disabled bool     `yaml:"disabled,omitempty"`
	Keys     []string `yaml:"keys"`
}

type digest [sha256.Size]byte

// ringState is one parsed keys file. It is never mutated after publish.
type ringState struct {
	allowLocalhost bool
	users          map[digest]string
}

// Keyring maps API keys to the user they authenticate. Keys are held as
// SHA-256 digests. A keyring loaded from a file can be reloaded in place.
type Keyring struct {
	path  string
	state atomic.Pointer[ringState]
}

func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("RANDOMIZER_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

func LoadKeyringFromEnv() (*Keyring, error) {
	return LoadKeyring(ResolveKeysPath())
}

// LoadKeyring reads the keys file at path. A missing file is bootstrapped
// with a key for the user "dev".
func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if _, err := BootstrapDevKey(path, "dev"); err != nil {
			return nil, fmt.Errorf("bootstrap dev key: %w", err)
		}
	}
	st, err := readState(path)
	if err != nil {
		return nil, err
	}
	k := &Keyring{path: path}
	k.state.Store(st)
	return k, nil
}

// Reload rereads the keys file. On error the keyring keeps serving the keys
// it had.
func (k *Keyring) Reload() error {
	if k.path == "" {
		return errors.New("keyring has no keys file")
	}
	st, err := readState(k.path)
	if err != nil {
		return err
	}
	k.state.Store(st)
	return nil
}

func readState(path string) (*ringState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	st := &ringState{allowLocalhost: true, users: make(map[digest]string)}
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		st.allowLocalhost = *cfg.DefaultPolicy.AllowLocalhostWithoutAuth
	}
	var errs []error
	for user, entry := range cfg.Users {
		if err := validUser(user); err != nil {
			errs = append(errs, err)
			continue
		}
		if entry.Disabled {
			continue
		}
		for _, key := range entry.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			d := sha256.Sum256([]byte(key))
			if other, ok := st.users[d]; ok && other != user {
				errs = append(errs, fmt.Errorf("key shared by users %q and %q", other, user))
				continue
			}
			st.users[d] = user
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("keys file %s: %w", path, err)
	}
	return st, nil
}

func validUser(user string) error {
	if strings.TrimSpace(user) == "" {
		return errors.New("blank user name")
	}
	if strings.IndexFunc(user, unicode.IsSpace) >= 0 {
		return fmt.Errorf("user name %q contains whitespace", user)
	}
	return nil
}

func defaultKeyring() *Keyring {
	return NewKeyring(true, nil)
}

// NewKeyring builds a fixed keyring from plain keys.
func NewKeyring(allowLocalhost bool, keyToUser map[string]string) *Keyring {
	st := &ringState{allowLocalhost: allowLocalhost, users: make(map[digest]string, len(keyToUser))}
	for key, user := range keyToUser {
		st.users[sha256.Sum256([]byte(key))] = user
	}
	k := &Keyring{}
	k.state.Store(st)
	return k
}

// AllowLocalhost reports whether localhost callers may name themselves.
func (k *Keyring) AllowLocalhost() bool {
	if k == nil {
		return false
	}
	return k.state.Load().allowLocalhost
}

func (k *Keyring) UserForKey(key string) (string, bool) {
	if k == nil {
		return "", false
	}
	user, ok := k.state.Load().users[sha256.Sum256([]byte(key))]
	return user, ok
}

// Len returns the number of active keys.
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.state.Load().users)
}
