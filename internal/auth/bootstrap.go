package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BootstrapResult contains info about a generated key.
type BootstrapResult struct {
	KeysFile string
	User     string
	Key      string
	Created  bool
}

// BootstrapDevKey creates the keys file with one key for user unless the
// file already exists.
func BootstrapDevKey(keysPath, user string) (*BootstrapResult, error) {
	if keysPath == "" {
		keysPath = ResolveKeysPath()
	}
	if user == "" {
		user = "dev"
	}

	if _, err := os.Stat(keysPath); err == nil {
		return &BootstrapResult{KeysFile: keysPath, Created: false}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("check keys file: %w", err)
	}
	return AddUserKey(keysPath, user)
}

// AddUserKey generates a key for user and adds it to the keys file,
// creating the file if needed. Existing keys are kept.
func AddUserKey(keysPath, user string) (*BootstrapResult, error) {
	if err := validUser(user); err != nil {
		return nil, err
	}
	var cfg keysFile
	created := false
	data, err := os.ReadFile(keysPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse keys file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		created = true
		allowLocalhost := true
		cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &allowLocalhost
	default:
		return nil, fmt.Errorf("read keys file: %w", err)
	}

	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	if cfg.Users == nil {
		cfg.Users = make(map[string]userEntry)
	}
	uk := cfg.Users[user]
	uk.Keys = append(uk.Keys, key)
	cfg.Users[user] = uk

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(keysPath, out, 0600); err != nil {
		return nil, fmt.Errorf("write keys file: %w", err)
	}
	return &BootstrapResult{KeysFile: keysPath, User: user, Key: key, Created: created}, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
